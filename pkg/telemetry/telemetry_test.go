// ABOUTME: Tests for the no-op and OpenTelemetry-backed Telemetry implementations

package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
)

func TestNoopTelemetry(t *testing.T) {
	tel := NewNoop()
	ctx := context.Background()

	tel.RecordHistogram(ctx, "test.histogram", 1.5, attribute.String("key", "value"))
	tel.RecordCounter(ctx, "test.counter", 10, attribute.String("key", "value"))

	spanCtx, span := tel.StartSpan(ctx, "test.span")
	if spanCtx == nil || span == nil {
		t.Fatal("StartSpan returned nil")
	}
	span.End()

	if err := tel.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown returned error: %v", err)
	}
}

func TestNewDisabledReturnsNoop(t *testing.T) {
	tel, err := New(DefaultConfig())
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	if _, ok := tel.(*NoopTelemetry); !ok {
		t.Errorf("Expected NoopTelemetry when disabled, got %T", tel)
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.ServiceName = ""
	if _, err := New(cfg); err == nil {
		t.Error("Expected error for invalid config")
	}
}

func TestProviderCachesInstruments(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = true

	tel, err := New(cfg)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	p, ok := tel.(*Provider)
	if !ok {
		t.Fatalf("Expected *Provider, got %T", tel)
	}

	ctx := context.Background()
	RecordDuration(ctx, p, "nvparam.test.duration", time.Now(), attribute.String("op", "test"))
	RecordDuration(ctx, p, "nvparam.test.duration", time.Now())
	RecordBytes(ctx, p, "nvparam.test.bytes", 4096)

	if len(p.histograms) != 1 || len(p.counters) != 1 {
		t.Errorf("Expected 1 histogram and 1 counter, got %d and %d", len(p.histograms), len(p.counters))
	}

	_, span := p.StartSpan(ctx, "nvparam.test.span")
	span.End()

	if err := p.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown returned error: %v", err)
	}
	if len(p.histograms) != 0 {
		t.Error("Shutdown should drop cached instruments")
	}
}

func TestStatusOf(t *testing.T) {
	if StatusOf(nil) != StatusSuccess {
		t.Error("nil error should map to success")
	}
	if StatusOf(errors.New("x")) != StatusError {
		t.Error("non-nil error should map to error")
	}
}
