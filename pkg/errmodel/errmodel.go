// Package errmodel is the compact, categorized error used across the store,
// its registries and the inspector transports.
package errmodel

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/trace"
)

// Category values for compact errors.
const (
	// CategoryConfiguration is raised while declaring slices or registering
	// handlers. It never happens during dispatch.
	CategoryConfiguration = "configuration"
	// CategoryValidation rejects a malformed action before its cycle starts.
	CategoryValidation = "validation"
	// CategoryReducer aborts a single dispatch cycle.
	CategoryReducer = "reducer"
	// CategorySaga is isolated to one saga handler.
	CategorySaga = "saga"
	// CategoryRange rejects a jump to a sequence that is not in history.
	CategoryRange = "range"
	CategorySystem = "system"
)

// Error is the compact error payload returned by the store and its transports.
// It implements the error interface.
type Error struct {
	Category string         `json:"category"`
	Code     string         `json:"code"`
	Message  string         `json:"message"`
	Context  map[string]any `json:"context,omitempty"`
	Causes   []Error        `json:"causes,omitempty"`

	cause error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

// Unwrap returns the first non-nil cause passed to New.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is matches another *Error with the same category and code.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) || t == nil || e == nil {
		return false
	}
	return strings.EqualFold(e.Category, t.Category) && e.Code == t.Code
}

// New constructs a new compact error.
func New(category, code, message string, ctx map[string]any, causes ...error) *Error {
	ce := &Error{Category: category, Code: code, Message: truncate(message, 512)}
	if len(ctx) > 0 {
		ce.Context = truncateContext(ctx)
	}
	for _, c := range causes {
		if c == nil {
			continue
		}
		if ce.cause == nil {
			ce.cause = c
		}
		ce.Causes = append(ce.Causes, *From(c))
	}
	return ce
}

// From converts any error into a compact Error. If err is already *Error, it's returned as-is.
func From(err error) *Error {
	var ce *Error
	if err == nil {
		return nil
	}
	if errors.As(err, &ce) {
		return ce
	}
	// Default to system/internal for unknown error types.
	return &Error{Category: CategorySystem, Code: "internal", Message: truncate(err.Error(), 512), cause: err}
}

// Convenience constructors.
func Configuration(code, message string, ctx map[string]any) *Error {
	return New(CategoryConfiguration, code, message, ctx)
}

func Validation(code, message string, ctx map[string]any) *Error {
	return New(CategoryValidation, code, message, ctx)
}

func Reducer(code, message string, ctx map[string]any, cause error) *Error {
	return New(CategoryReducer, code, message, ctx, cause)
}

func Saga(code, message string, ctx map[string]any, cause error) *Error {
	return New(CategorySaga, code, message, ctx, cause)
}

func Range(code, message string, ctx map[string]any) *Error {
	return New(CategoryRange, code, message, ctx)
}

func System(code, message string, ctx map[string]any, cause error) *Error {
	return New(CategorySystem, code, message, ctx, cause)
}

// ErrClosed is returned for submissions to, and queued work of, a closed store.
var ErrClosed = &Error{Category: CategorySystem, Code: "closed", Message: "store is closed"}

// HTTPStatus maps category/code to HTTP status.
func HTTPStatus(e *Error) int {
	if e == nil {
		return http.StatusInternalServerError
	}
	switch e.Category {
	case CategoryValidation:
		switch e.Code {
		case "bad_json":
			return http.StatusBadRequest
		case "unknown_slice", "unknown_action":
			return http.StatusNotFound
		default:
			return http.StatusBadRequest
		}
	case CategoryReducer:
		return http.StatusUnprocessableEntity
	case CategoryRange:
		return http.StatusNotFound
	case CategoryConfiguration, CategorySaga:
		return http.StatusInternalServerError
	case CategorySystem:
		if e.Code == "closed" {
			return http.StatusServiceUnavailable
		}
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// WriteHTTP writes a compact error envelope to the response writer.
// It attempts to include the trace_id if present in ctx.
func WriteHTTP(w http.ResponseWriter, r *http.Request, err error) {
	ce := From(err)
	if ce == nil {
		ce = &Error{Category: CategorySystem, Code: "internal", Message: "unknown error"}
	}
	status := HTTPStatus(ce)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	traceID := ""
	if r != nil {
		if span := trace.SpanFromContext(r.Context()); span != nil {
			sc := span.SpanContext()
			if sc.HasTraceID() {
				traceID = sc.TraceID().String()
			}
		}
	}
	// Envelope { error: Error, trace_id?: string }
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error":    ce,
		"trace_id": traceID,
	})
}

// truncate trims a string to max characters.
func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}

// truncateContext trims long string values in the context map.
func truncateContext(ctx map[string]any) map[string]any {
	out := make(map[string]any, len(ctx))
	for k, v := range ctx {
		switch t := v.(type) {
		case string:
			out[k] = truncate(t, 256)
		case int, int64, bool, float64:
			out[k] = t
		default:
			b, err := json.Marshal(t)
			if err == nil && len(b) > 0 {
				s := string(b)
				if len(s) > 256 {
					s = truncate(s, 256)
				}
				out[k] = s
			} else {
				out[k] = t
			}
		}
	}
	return out
}

// IsCategory checks if err belongs to a specific category.
func IsCategory(err error, category string) bool {
	ce := From(err)
	return ce != nil && strings.EqualFold(ce.Category, category)
}
