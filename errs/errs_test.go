package errs

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorFormattingIncludesMetadataAndCause(t *testing.T) {
	err := New(
		"instrument.resolve",
		CodeNotFound,
		WithHTTP(200),
		WithMessage("ticker AAPX not found"),
		WithSuggestion("AAPL"),
		WithRawMessage(`{"symbols":[]}`),
		WithField("ticker", "AAPX"),
		WithField("game", "mw-api-test"),
		WithRemediation("check the ticker spelling"),
		WithCause(errors.New("search returned no exact match")),
	)

	out := err.Error()
	if !strings.Contains(out, "op=instrument.resolve") {
		t.Fatalf("expected op marker in error string: %s", out)
	}
	if !strings.Contains(out, "code=not_found") {
		t.Fatalf("expected code in error string: %s", out)
	}
	if !strings.Contains(out, `suggestion="AAPL"`) {
		t.Fatalf("expected suggestion in error string: %s", out)
	}
	expectedMeta := `meta=game="mw-api-test",ticker="AAPX"`
	if !strings.Contains(out, expectedMeta) {
		t.Fatalf("expected metadata %q in error string: %s", expectedMeta, out)
	}
	if !strings.Contains(out, `cause="search returned no exact match"`) {
		t.Fatalf("expected wrapped cause in error string: %s", out)
	}
}

func TestIsMatchesWrappedEnvelope(t *testing.T) {
	base := Protocol("stream.negotiate", "ConnectionToken missing")
	wrapped := fmt.Errorf("open stream: %w", base)

	if !Is(wrapped, CodeProtocol) {
		t.Fatalf("expected wrapped error to carry protocol code")
	}
	if Is(wrapped, CodeStream) {
		t.Fatalf("protocol error must not match stream code")
	}
	if got := CodeOf(wrapped); got != CodeProtocol {
		t.Fatalf("expected CodeOf to return protocol, got %q", got)
	}
	if got := CodeOf(errors.New("plain")); got != "" {
		t.Fatalf("expected empty code for plain error, got %q", got)
	}
}

func TestStreamUnwrapsCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := Stream("stream.receive", cause)
	if !errors.Is(err, cause) {
		t.Fatalf("expected stream error to unwrap to cause")
	}
	if err.Code != CodeStream {
		t.Fatalf("expected stream code, got %q", err.Code)
	}
}

func TestWithFieldIgnoresBlankKey(t *testing.T) {
	err := New("games.list", CodeProtocol, WithField("  ", "x"))
	if len(err.Metadata) != 0 {
		t.Fatalf("blank key should be ignored, got %v", err.Metadata)
	}
}

func TestNilErrorString(t *testing.T) {
	var e *E
	if got := e.Error(); got != "<nil>" {
		t.Fatalf("expected <nil> string for nil error, got %q", got)
	}
}
