package pagination

import (
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	DefaultLimit = 50
	MaxLimit     = 500
)

// Params holds pagination parameters extracted from a request.
type Params struct {
	Limit  int
	Offset int
}

// FromContext reads limit/offset (or page/pageSize, as the dashboard sends
// them) from the query string, clamping to sane bounds.
func FromContext(c echo.Context) Params {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	if limit <= 0 {
		limit, _ = strconv.Atoi(c.QueryParam("pageSize"))
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	offset, _ := strconv.Atoi(c.QueryParam("offset"))
	if offset <= 0 {
		if page, _ := strconv.Atoi(c.QueryParam("page")); page > 1 {
			offset = (page - 1) * limit
		}
	}
	if offset < 0 {
		offset = 0
	}

	return Params{Limit: limit, Offset: offset}
}

// Response wraps a paginated API response.
type Response struct {
	Data    interface{} `json:"data"`
	Total   int         `json:"total"`
	Limit   int         `json:"limit"`
	Offset  int         `json:"offset"`
	HasMore bool        `json:"has_more"`
}

func NewResponse(data interface{}, total, limit, offset int) *Response {
	return &Response{
		Data:    data,
		Total:   total,
		Limit:   limit,
		Offset:  offset,
		HasMore: offset+limit < total,
	}
}

// HasNext returns true if there are more results after the current page.
func (p Params) HasNext(total int) bool {
	return p.Offset+p.Limit < total
}
