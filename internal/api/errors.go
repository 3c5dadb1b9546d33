package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v5"
)

var ErrInvalidRequest = errors.New("invalid_request")

// invalidRequestError names the request field at fault, if any.
type invalidRequestError struct {
	msg   string
	param string
}

func (e invalidRequestError) Error() string {
	return e.msg
}

func (e invalidRequestError) Unwrap() error {
	return ErrInvalidRequest
}

func newInvalidRequest(msg string) error {
	return invalidRequestError{msg: msg}
}

func newInvalidParam(param, msg string) error {
	return invalidRequestError{msg: msg, param: param}
}

// writeInvalid reports err as a 400, carrying its param when it has one.
func writeInvalid(c *echo.Context, err error) error {
	var ire invalidRequestError
	if errors.As(err, &ire) {
		return writeError(c, http.StatusBadRequest, "invalid_request_error", ire.msg, ire.param)
	}
	return writeBadRequest(c, err.Error())
}
