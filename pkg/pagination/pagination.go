package pagination

import (
	"math"
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	DefaultPageSize = 6
	MaxPageSize     = 100
)

// Params holds 1-based page parameters extracted from a request.
type Params struct {
	Page int
	Size int
}

// FromContext extracts page parameters from the echo context. Page defaults
// to 1. Size comes from the caller's configured default; the page_size query
// parameter may override it up to MaxPageSize.
func FromContext(c echo.Context, defaultSize int) Params {
	if defaultSize <= 0 {
		defaultSize = DefaultPageSize
	}
	page, _ := strconv.Atoi(c.QueryParam("page"))
	if page <= 0 {
		page = 1
	}
	size, _ := strconv.Atoi(c.QueryParam("page_size"))
	if size <= 0 {
		size = defaultSize
	}
	if size > MaxPageSize {
		size = MaxPageSize
	}
	return Params{Page: page, Size: size}
}

// Offset returns the index of the first item on the page. It saturates at
// math.MaxInt instead of overflowing.
func (p Params) Offset() int {
	if p.Page < 1 || p.Size <= 0 {
		return 0
	}
	if p.Page-1 > math.MaxInt/p.Size {
		return math.MaxInt
	}
	return (p.Page - 1) * p.Size
}

// TotalPages returns ceil(total/size).
func TotalPages(total, size int) int {
	if size <= 0 || total <= 0 {
		return 0
	}
	pages := total / size
	if total%size != 0 {
		pages++
	}
	return pages
}

// Slice returns the contiguous items on page p. Pages past the end yield an
// empty slice; the caller is expected to keep navigation in range.
func Slice[T any](items []T, p Params) []T {
	if p.Size <= 0 {
		return []T{}
	}
	idx := p.Page - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= TotalPages(len(items), p.Size) {
		return []T{}
	}
	start := idx * p.Size
	end := len(items)
	if p.Size < end-start {
		end = start + p.Size
	}
	return items[start:end]
}

// Response wraps a paginated API response.
type Response struct {
	Data       interface{} `json:"data"`
	Total      int         `json:"total"`
	Page       int         `json:"page"`
	PageSize   int         `json:"page_size"`
	TotalPages int         `json:"total_pages"`
	HasMore    bool        `json:"has_more"`
}

func NewResponse(data interface{}, total int, p Params) *Response {
	pages := TotalPages(total, p.Size)
	return &Response{
		Data:       data,
		Total:      total,
		Page:       p.Page,
		PageSize:   p.Size,
		TotalPages: pages,
		HasMore:    p.Page < pages,
	}
}
