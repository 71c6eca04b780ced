package services

import (
	"context"
	"fmt"
	"log/slog"

	"churchevents/internal/domain"
)

type emailService struct {
	mailer   domain.Mailer
	renderer domain.EmailTemplateRenderer
	logger   *slog.Logger
}

// NewEmailService returns an EmailService that uses the given Mailer and template renderer.
func NewEmailService(mailer domain.Mailer, renderer domain.EmailTemplateRenderer, logger *slog.Logger) domain.EmailService {
	return &emailService{mailer: mailer, renderer: renderer, logger: logger}
}

// SendRegistrationReceived confirms that a registration was recorded and is awaiting approval.
func (s *emailService) SendRegistrationReceived(ctx context.Context, data *domain.RegistrationEmailData) error {
	return s.send(ctx, "registration_received", data)
}

// SendPaymentConfirmed tells the participant their PIX payment was received.
func (s *emailService) SendPaymentConfirmed(ctx context.Context, data *domain.RegistrationEmailData) error {
	return s.send(ctx, "payment_confirmed", data)
}

func (s *emailService) send(ctx context.Context, template string, data *domain.RegistrationEmailData) error {
	if data == nil {
		return fmt.Errorf("%s email data is nil", template)
	}
	subject, htmlBody, textBody, err := s.renderer.Render(template, data)
	if err != nil {
		return fmt.Errorf("failed to render %s template: %w", template, err)
	}
	if err := s.mailer.Send(ctx, data.Email, subject, htmlBody, textBody); err != nil {
		return fmt.Errorf("failed to send %s email: %w", template, err)
	}
	s.logger.InfoContext(ctx, "email sent", "template", template, "registration_id", data.RegistrationID)
	return nil
}

func registrationEmailData(reg *domain.Registration, event *domain.Event) *domain.RegistrationEmailData {
	data := &domain.RegistrationEmailData{
		Email:          reg.Snapshot.Email,
		Name:           reg.Snapshot.Name,
		RegistrationID: reg.ID,
	}
	if event != nil {
		data.EventTitle = event.Title
		data.EventStartsAt = event.StartsAt.Format("02/01/2006 15:04")
		data.Location = event.Location
		if event.PriceCents > 0 {
			data.AmountDisplay = formatBRL(event.PriceCents)
		}
	}
	return data
}

// formatBRL renders centavos as "R$ 1.234,56".
func formatBRL(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	whole := fmt.Sprintf("%d", cents/100)
	grouped := ""
	for i, r := range whole {
		if i > 0 && (len(whole)-i)%3 == 0 {
			grouped += "."
		}
		grouped += string(r)
	}
	return fmt.Sprintf("%sR$ %s,%02d", sign, grouped, cents%100)
}
