// Package validate implements the Validation Middleware (C9): a
// declarative rule list evaluated against a request's body, query, and
// path parameters, using go-playground/validator/v10 for per-field
// schema checks (the only validation-focused dependency anywhere in
// the retrieved corpus). All rules are evaluated and all failures are
// reported together — no short-circuiting on the first error.
package validate

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/dartcloud/core/internal/apierrors"
)

// Source identifies where a Rule's value comes from.
type Source string

const (
	SourceBody  Source = "body"
	SourceQuery Source = "query"
	SourcePath  Source = "path"
)

// Rule is one declarative check: "field_name, source, schema, required".
type Rule struct {
	FieldName string
	Source    Source
	Tag       string // go-playground/validator tag, e.g. "required,min=1"
	Required  bool
}

// FieldError describes one rule's failure.
type FieldError struct {
	FieldName string `json:"field"`
	Source    Source `json:"source"`
	Message   string `json:"message"`
}

type bodyCtxKey struct{}

var validatorInstance = validator.New()

// WithCachedBody reads r.Body exactly once, parses it as JSON into a
// map, and returns a request carrying that map on its context so
// downstream validators and handlers never re-read the stream.
// Malformed (non-empty, non-JSON) bodies are reported as a body
// decode failure rather than silently treated as empty.
func WithCachedBody(r *http.Request) (*http.Request, error) {
	if r.Body == nil {
		return r.WithContext(context.WithValue(r.Context(), bodyCtxKey{}, map[string]any{})), nil
	}
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, apierrors.Wrap(apierrors.Internal, "read request body", err)
	}
	r.Body.Close()

	body := map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &body); err != nil {
			return nil, apierrors.New(apierrors.InvalidArchive, "request body is not valid JSON")
		}
	}
	ctx := context.WithValue(r.Context(), bodyCtxKey{}, body)
	return r.WithContext(ctx), nil
}

// CachedBody retrieves the body WithCachedBody stored on r's context.
func CachedBody(r *http.Request) map[string]any {
	if v, ok := r.Context().Value(bodyCtxKey{}).(map[string]any); ok {
		return v
	}
	return map[string]any{}
}

// Apply evaluates every rule against r (and pathParams, since chi
// resolves those outside the request body/query) and returns every
// failure found, in rule order. A nil/empty return means validation
// passed.
func Apply(r *http.Request, pathParams map[string]string, rules []Rule) []FieldError {
	body := CachedBody(r)
	var errs []FieldError

	for _, rule := range rules {
		value, present := extract(r, pathParams, body, rule)
		if !present {
			if rule.Required {
				errs = append(errs, FieldError{FieldName: rule.FieldName, Source: rule.Source, Message: "required field is missing"})
			}
			continue
		}
		if rule.Tag == "" {
			continue
		}
		if err := validatorInstance.Var(value, rule.Tag); err != nil {
			errs = append(errs, FieldError{FieldName: rule.FieldName, Source: rule.Source, Message: err.Error()})
		}
	}

	return errs
}

func extract(r *http.Request, pathParams map[string]string, body map[string]any, rule Rule) (any, bool) {
	switch rule.Source {
	case SourceBody:
		v, ok := body[rule.FieldName]
		return v, ok
	case SourceQuery:
		if !r.URL.Query().Has(rule.FieldName) {
			return nil, false
		}
		return r.URL.Query().Get(rule.FieldName), true
	case SourcePath:
		v, ok := pathParams[rule.FieldName]
		return v, ok
	default:
		return nil, false
	}
}

// Error wraps a non-empty Apply result as a 400-mapped apierrors.Error.
func Error(fieldErrs []FieldError) error {
	if len(fieldErrs) == 0 {
		return nil
	}
	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		msgs = append(msgs, fmt.Sprintf("%s (%s): %s", fe.FieldName, fe.Source, fe.Message))
	}
	return apierrors.New(apierrors.InvalidArchive, fmt.Sprintf("validation failed: %v", msgs))
}
