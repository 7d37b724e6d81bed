package httpx

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/farmeye/api/internal/repository"
	"github.com/farmeye/api/internal/service/auth"
	"github.com/farmeye/api/internal/service/diagnosis"
)

const maxJSONBody = 1 << 20

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// writeJSON writes JSON response with status code.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError sends an error message.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// decodeJSON reads a bounded JSON body into dst and validates its struct tags.
func decodeJSON(req *http.Request, dst any) error {
	body := io.LimitReader(req.Body, maxJSONBody)
	if err := json.NewDecoder(body).Decode(dst); err != nil {
		return errors.New("invalid payload")
	}
	if err := validate.Struct(dst); err != nil {
		return validationMessage(err)
	}
	return nil
}

func validationMessage(err error) error {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return errors.New("invalid payload")
	}
	fe := fieldErrs[0]
	switch fe.Tag() {
	case "required":
		return fmt.Errorf("%s is required", fe.Field())
	case "email":
		return fmt.Errorf("%s must be a valid email", fe.Field())
	case "min":
		return fmt.Errorf("%s must be at least %s characters", fe.Field(), fe.Param())
	case "max":
		return fmt.Errorf("%s must be at most %s characters", fe.Field(), fe.Param())
	default:
		return fmt.Errorf("%s is invalid", fe.Field())
	}
}

// writeServiceError maps service errors onto status codes. Anything
// unrecognised is logged and reported as a generic 500.
func (r *Router) writeServiceError(w http.ResponseWriter, req *http.Request, err error) {
	switch {
	case errors.Is(err, auth.ErrInvalidInput),
		errors.Is(err, auth.ErrUserExists),
		errors.Is(err, diagnosis.ErrInvalidInput),
		errors.Is(err, diagnosis.ErrInvalidImage),
		errors.Is(err, repository.ErrInvalidArgument):
		writeError(w, http.StatusBadRequest, publicMessage(err))
	case errors.Is(err, auth.ErrInvalidCredentials),
		errors.Is(err, auth.ErrInvalidRefreshToken),
		errors.Is(err, auth.ErrAccountDisabled),
		errors.Is(err, auth.ErrTokenRequired):
		writeError(w, http.StatusUnauthorized, publicMessage(err))
	case errors.Is(err, diagnosis.ErrNotFound),
		errors.Is(err, repository.ErrNotFound):
		r.notFound(w)
	default:
		r.logger.Error("request failed", "error", err, "method", req.Method, "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

// publicMessage strips the package prefix from service errors.
func publicMessage(err error) string {
	msg := err.Error()
	for _, prefix := range []string{"auth: ", "diagnosis: ", "repository: "} {
		msg = strings.TrimPrefix(msg, prefix)
	}
	return msg
}
