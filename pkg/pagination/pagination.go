package pagination

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// ErrInvalidParams is returned for non-numeric or non-positive page values.
var ErrInvalidParams = errors.New("invalid pagination parameters")

// Params holds 1-based page pagination extracted from a request.
type Params struct {
	Page     int
	PageSize int
}

// FromContext extracts page and pageSize from the query string. Missing
// values fall back to defaults and an oversized pageSize is capped at
// MaxPageSize; anything non-numeric or below 1 is rejected.
func FromContext(c echo.Context) (Params, error) {
	p := Params{Page: 1, PageSize: DefaultPageSize}

	if raw := strings.TrimSpace(c.QueryParam("page")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return Params{}, fmt.Errorf("%w: page must be a positive integer", ErrInvalidParams)
		}
		p.Page = n
	}

	raw := strings.TrimSpace(c.QueryParam("pageSize"))
	if raw == "" {
		raw = strings.TrimSpace(c.QueryParam("limit"))
	}
	if raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return Params{}, fmt.Errorf("%w: pageSize must be a positive integer", ErrInvalidParams)
		}
		if n > MaxPageSize {
			n = MaxPageSize
		}
		p.PageSize = n
	}

	if p.Page > maxPage(p.PageSize) {
		return Params{}, fmt.Errorf("%w: page %d is out of range", ErrInvalidParams, p.Page)
	}
	return p, nil
}

// maxPage is the largest page whose offset fits in an int.
func maxPage(pageSize int) int {
	return math.MaxInt / pageSize
}

// Validate checks page/pageSize bounds without any defaulting.
func Validate(page, pageSize int) error {
	if page < 1 {
		return fmt.Errorf("%w: page must be >= 1, got %d", ErrInvalidParams, page)
	}
	if pageSize < 1 || pageSize > MaxPageSize {
		return fmt.Errorf("%w: pageSize must be between 1 and %d, got %d", ErrInvalidParams, MaxPageSize, pageSize)
	}
	if page > maxPage(pageSize) {
		return fmt.Errorf("%w: page %d is out of range", ErrInvalidParams, page)
	}
	return nil
}

// Offset returns the row offset of the first item on the page.
func (p Params) Offset() int {
	return (p.Page - 1) * p.PageSize
}

// TotalPages returns the number of pages needed for total items.
func (p Params) TotalPages(total int) int {
	if total <= 0 || p.PageSize <= 0 {
		return 0
	}
	return (total + p.PageSize - 1) / p.PageSize
}

// HasNext returns true if there are more results after the current page.
func (p Params) HasNext(total int) bool {
	return p.Page < p.TotalPages(total)
}

// Meta is the pagination block of a list response.
type Meta struct {
	CurrentPage int  `json:"currentPage"`
	PageSize    int  `json:"pageSize"`
	TotalPages  int  `json:"totalPages"`
	Total       int  `json:"total"`
	HasMore     bool `json:"hasMore"`
}

// NewMeta builds the pagination block for a page of a result set.
func NewMeta(p Params, total int) Meta {
	return Meta{
		CurrentPage: p.Page,
		PageSize:    p.PageSize,
		TotalPages:  p.TotalPages(total),
		Total:       total,
		HasMore:     p.HasNext(total),
	}
}
