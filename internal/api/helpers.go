package api

import (
	"io"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"
)

type ErrorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Param   string `json:"param,omitempty"`
}

func writeBadRequest(c *echo.Context, msg string) error {
	return writeError(c, http.StatusBadRequest, "invalid_request_error", msg, "")
}

func writeNotFound(c *echo.Context, msg string) error {
	return writeError(c, http.StatusNotFound, "not_found_error", msg, "")
}

func writeError(c *echo.Context, status int, errType, msg, param string) error {
	return c.JSON(status, map[string]any{
		"error": ErrorBody{
			Message: msg,
			Type:    errType,
			Param:   param,
		},
	})
}

// decodeJSON rejects unknown fields so a misspelled scenario key is not silently ignored.
func decodeJSON[T any](r io.Reader) (T, error) {
	var out T
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return out, newInvalidRequest("decode body: " + err.Error())
	}
	return out, nil
}
