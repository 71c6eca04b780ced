package helpers

import (
	"net/http/httptest"
	"testing"

	"churchevents/internal/domain"

	"github.com/stretchr/testify/assert"
)

func TestParsePagination(t *testing.T) {
	tests := []struct {
		query string
		want  domain.PaginationParams
	}{
		{query: "", want: domain.PaginationParams{Page: 1, PageSize: 20}},
		{query: "page=3&page_size=50", want: domain.PaginationParams{Page: 3, PageSize: 50}},
		{query: "page=0&page_size=-4", want: domain.PaginationParams{Page: 1, PageSize: 20}},
		{query: "page=abc&page_size=1000", want: domain.PaginationParams{Page: 1, PageSize: MaxPageSize}},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/events?"+tt.query, nil)
			assert.Equal(t, tt.want, ParsePagination(r))
		})
	}
}

func TestQueryEnum(t *testing.T) {
	r := httptest.NewRequest("GET", "/x?status=approved", nil)
	v, ok := QueryEnum(r, "status", domain.RegistrationStatus.Valid)
	assert.True(t, ok)
	if assert.NotNil(t, v) {
		assert.Equal(t, domain.StatusApproved, *v)
	}

	r = httptest.NewRequest("GET", "/x?status=archived", nil)
	v, ok = QueryEnum(r, "status", domain.RegistrationStatus.Valid)
	assert.False(t, ok)
	assert.Nil(t, v)

	r = httptest.NewRequest("GET", "/x", nil)
	ev, ok := QueryEnum(r, "status", domain.EventStatus.Valid)
	assert.True(t, ok)
	assert.Nil(t, ev)
}

func TestNewPaginationMeta(t *testing.T) {
	assert.Equal(t, PaginationMeta{Page: 2, PageSize: 20, Total: 41, TotalPages: 3},
		NewPaginationMeta(domain.PaginationParams{Page: 2, PageSize: 20}, 41))
	assert.Equal(t, 0, NewPaginationMeta(domain.PaginationParams{Page: 1}, 10).TotalPages)
}
