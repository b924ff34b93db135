package apitypes

import "fmt"

// ApiError is the problem+json body (RFC 7807) of a failed request.
type ApiError struct {
	Status int    `json:"status"`
	Title  string `json:"title"`
	Detail string `json:"detail"`
}

func (e ApiError) Error() string {
	switch {
	case e.Status != 0:
		return fmt.Sprintf("%d %s: %s", e.Status, e.Title, e.Detail)
	case e.Title != "":
		return e.Title + ": " + e.Detail
	default:
		return "unknown error"
	}
}
