// Package apierror builds the problem+json errors returned by the API.
package apierror

import (
	"errors"
	"net/http"

	"github.com/Alia5/usbtest/apitypes"
)

func problem(status int, detail string) *apitypes.ApiError {
	return &apitypes.ApiError{Status: status, Title: http.StatusText(status), Detail: detail}
}

func ErrBadRequest(detail string) *apitypes.ApiError {
	return problem(http.StatusBadRequest, detail)
}

func ErrUnauthorized(detail string) *apitypes.ApiError {
	return problem(http.StatusUnauthorized, detail)
}

func ErrNotFound(detail string) *apitypes.ApiError {
	return problem(http.StatusNotFound, detail)
}

func ErrConflict(detail string) *apitypes.ApiError {
	return problem(http.StatusConflict, detail)
}

func ErrInternal(detail string) *apitypes.ApiError {
	return problem(http.StatusInternalServerError, detail)
}

// WrapError turns err into the problem it carries, or a 500 when it
// carries none.
func WrapError(err error) *apitypes.ApiError {
	if err == nil {
		return nil
	}
	if ae := new(apitypes.ApiError); errors.As(err, ae) {
		return ae
	}
	if ae := (*apitypes.ApiError)(nil); errors.As(err, &ae) {
		return ae
	}
	return ErrInternal(err.Error())
}
