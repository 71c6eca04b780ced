package helpers

import (
	"net/http"
	"strconv"

	"churchevents/internal/domain"
)

const (
	DefaultPage     = 1
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// ParsePagination reads page and page_size. Missing or malformed values fall back to the defaults;
// page_size is capped at MaxPageSize.
func ParsePagination(r *http.Request) domain.PaginationParams {
	q := r.URL.Query()
	return domain.PaginationParams{
		Page:     positiveInt(q.Get("page"), DefaultPage, 0),
		PageSize: positiveInt(q.Get("page_size"), DefaultPageSize, MaxPageSize),
	}
}

func positiveInt(s string, fallback, max int) int {
	v, err := strconv.Atoi(s)
	if err != nil || v < 1 {
		return fallback
	}
	if max > 0 && v > max {
		return max
	}
	return v
}

// QueryEnum reads an optional enum-valued query parameter. It returns nil when the parameter is absent
// and ok=false when it is present but not accepted by valid.
func QueryEnum[T ~string](r *http.Request, name string, valid func(T) bool) (value *T, ok bool) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return nil, true
	}
	v := T(s)
	if !valid(v) {
		return nil, false
	}
	return &v, true
}

// PaginationMeta is returned alongside every paginated list.
// swagger:model PaginationMeta
type PaginationMeta struct {
	Page       int `json:"page"`
	PageSize   int `json:"page_size"`
	Total      int `json:"total"`
	TotalPages int `json:"total_pages"`
}

func NewPaginationMeta(page domain.PaginationParams, total int) PaginationMeta {
	meta := PaginationMeta{Page: page.Page, PageSize: page.PageSize, Total: total}
	if page.PageSize > 0 {
		meta.TotalPages = (total + page.PageSize - 1) / page.PageSize
	}
	return meta
}
