package handlers

import (
	"net/http"
	"strconv"
)

const (
	DefaultHistoryLimit = 10
	DefaultAdminLimit   = 20
	MaxLimit            = 100
)

type PaginationParams struct {
	Page   int
	Limit  int
	Offset int
}

type Pagination struct {
	Page       int `json:"page"`
	Limit      int `json:"limit"`
	Total      int `json:"total"`
	TotalPages int `json:"totalPages"`
}

// ParsePagination reads 1-based page and limit query parameters. Invalid
// values fall back to the defaults and limit is capped at MaxLimit.
func ParsePagination(r *http.Request, defaultLimit int) PaginationParams {
	if defaultLimit <= 0 {
		defaultLimit = DefaultHistoryLimit
	}

	page := 1
	limit := defaultLimit

	if p := r.URL.Query().Get("page"); p != "" {
		if parsed, err := strconv.Atoi(p); err == nil && parsed > 0 {
			page = parsed
		}
	}

	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = min(parsed, MaxLimit)
		}
	}

	return PaginationParams{Page: page, Limit: limit, Offset: (page - 1) * limit}
}

func (p PaginationParams) Result(total int) *Pagination {
	totalPages := 0
	if p.Limit > 0 {
		totalPages = (total + p.Limit - 1) / p.Limit
	}
	return &Pagination{Page: p.Page, Limit: p.Limit, Total: total, TotalPages: totalPages}
}
