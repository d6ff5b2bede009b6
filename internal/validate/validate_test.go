package validate

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestWithCachedBodyReadOnceAndReusable(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/x", strings.NewReader(`{"name":"greeter","validity":"1d"}`))
	cached, err := WithCachedBody(req)
	if err != nil {
		t.Fatalf("WithCachedBody: %v", err)
	}

	body := CachedBody(cached)
	if body["name"] != "greeter" {
		t.Fatalf("expected name=greeter, got %v", body)
	}

	// A second read attempt against the original body reader must not
	// be necessary; CachedBody must be stable across repeated calls.
	again := CachedBody(cached)
	if again["validity"] != "1d" {
		t.Fatalf("expected stable cached body, got %v", again)
	}
}

func TestWithCachedBodyRejectsMalformedJSON(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/x", strings.NewReader(`{not json`))
	_, err := WithCachedBody(req)
	if err == nil {
		t.Fatal("expected malformed JSON to fail")
	}
}

func TestApplyEvaluatesAllRulesAndReportsAllErrors(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/x?validity=bogus", strings.NewReader(`{}`))
	cached, err := WithCachedBody(req)
	if err != nil {
		t.Fatal(err)
	}

	rules := []Rule{
		{FieldName: "name", Source: SourceBody, Tag: "required", Required: true},
		{FieldName: "function_id", Source: SourceBody, Tag: "required", Required: true},
		{FieldName: "validity", Source: SourceQuery, Tag: "oneof=1h 1d 1w 1m forever"},
	}

	errs := Apply(cached, nil, rules)
	if len(errs) != 3 {
		t.Fatalf("expected all 3 rules to fail independently, got %d: %+v", len(errs), errs)
	}
}

func TestApplyPassesWhenAllRulesSatisfied(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/x?validity=1d", strings.NewReader(`{"name":"greeter"}`))
	cached, err := WithCachedBody(req)
	if err != nil {
		t.Fatal(err)
	}

	rules := []Rule{
		{FieldName: "name", Source: SourceBody, Tag: "required", Required: true},
		{FieldName: "validity", Source: SourceQuery, Tag: "oneof=1h 1d 1w 1m forever"},
	}

	errs := Apply(cached, nil, rules)
	if len(errs) != 0 {
		t.Fatalf("expected no errors, got %+v", errs)
	}
}
