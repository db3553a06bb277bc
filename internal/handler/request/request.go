// Package request decodes and validates API request bodies and queries.
package request

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/zhouzirui/chatstream/internal/apperr"
)

const maxBodyBytes = 1 << 20

var (
	validate   = newValidator()
	errInvalid = apperr.New(apperr.ErrValidation, "Invalid request")
)

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// SendTurn is the body of the send-turn endpoint.
type SendTurn struct {
	Message   string `json:"message" validate:"required,max=10000"`
	SessionID string `json:"sessionId" validate:"omitempty,uuid"`
}

func (r *SendTurn) normalize() {
	r.Message = strings.TrimSpace(r.Message)
	r.SessionID = strings.TrimSpace(r.SessionID)
}

// SavePartial is the body of the save-partial endpoint. AIMessage may be
// empty when the client stopped before any text arrived.
type SavePartial struct {
	UserMessage string `json:"userMessage" validate:"required,max=10000"`
	AIMessage   string `json:"aiMessage" validate:"max=200000"`
	SessionID   string `json:"sessionId" validate:"required,uuid"`
}

func (r *SavePartial) normalize() {
	r.UserMessage = strings.TrimSpace(r.UserMessage)
	r.SessionID = strings.TrimSpace(r.SessionID)
}

// Page is a limit/offset window read from the query string.
type Page struct {
	Limit  int `json:"limit" validate:"min=1,max=100"`
	Offset int `json:"offset" validate:"min=0"`
}

// InvalidError lists the offending fields of a rejected request.
type InvalidError struct {
	Fields map[string]string
}

func (e *InvalidError) Error() string {
	return fmt.Sprintf("invalid request: %v", e.Fields)
}

func (e *InvalidError) Unwrap() error {
	return errInvalid
}

// Details returns the per-field messages carried by err, if any.
func Details(err error) map[string]string {
	var invalid *InvalidError
	if errors.As(err, &invalid) {
		return invalid.Fields
	}
	return nil
}

type normalizer interface {
	normalize()
}

// Decode reads a JSON body into dst, trims it and validates it.
func Decode(r *http.Request, dst normalizer) error {
	body := http.MaxBytesReader(nil, r.Body, maxBodyBytes)
	dec := json.NewDecoder(body)
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return apperr.New(apperr.ErrValidation, "Request body is required")
		}
		return apperr.Wrap(apperr.ErrValidation, "Invalid JSON body", err)
	}
	dst.normalize()
	return Validate(dst)
}

// Validate runs the struct tags of v.
func Validate(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return apperr.Wrap(apperr.ErrValidation, "Invalid request", err)
	}

	fields := make(map[string]string, len(fieldErrs))
	for _, fe := range fieldErrs {
		fields[fe.Field()] = describe(fe)
	}
	return &InvalidError{Fields: fields}
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "max":
		return "must be at most " + fe.Param() + " characters"
	case "min":
		return "must be at least " + fe.Param()
	case "uuid":
		return "must be a UUID"
	default:
		return "is invalid"
	}
}

// ParsePage reads limit and offset from q, applying defaultLimit.
func ParsePage(q url.Values, defaultLimit int) (Page, error) {
	page := Page{Limit: defaultLimit}
	fields := map[string]string{}

	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			fields["limit"] = "must be an integer"
		}
		page.Limit = n
	}
	if raw := strings.TrimSpace(q.Get("offset")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			fields["offset"] = "must be an integer"
		}
		page.Offset = n
	}
	if len(fields) > 0 {
		return Page{}, &InvalidError{Fields: fields}
	}
	if err := Validate(page); err != nil {
		return Page{}, err
	}
	return page, nil
}
