package observability

import (
	"context"
	"testing"

	"github.com/boxkit/boxkit/internal/config"
)

func TestSetupDisabledYieldsNil(t *testing.T) {
	tr, err := Setup(nil)
	if err != nil {
		t.Fatalf("Setup(nil) error = %v", err)
	}
	if tr != nil {
		t.Fatal("expected nil tracing for nil config")
	}

	tr, err = Setup(&config.TracingConfig{Enabled: false})
	if err != nil {
		t.Fatalf("Setup(disabled) error = %v", err)
	}
	if tr != nil {
		t.Fatal("expected nil tracing for disabled config")
	}
}

func TestNilTracingIsUsable(t *testing.T) {
	var tr *Tracing

	tracer := tr.Tracer()
	if tracer == nil {
		t.Fatal("nil tracing returned nil tracer")
	}

	ctx, span := StartBoxSpan(context.Background(), tracer, "boot.filesystem", "box-1")
	if ctx == nil {
		t.Fatal("StartBoxSpan returned nil context")
	}
	span.End()

	if err := tr.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown on nil tracing error = %v", err)
	}
}
