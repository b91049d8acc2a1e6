package observability

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

// recordingTracer returns a Tracer whose finished spans are captured in
// memory, so tests can assert on names, kinds, and attributes.
func recordingTracer() (*Tracer, *tracetest.SpanRecorder) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	return &Tracer{tracer: provider.Tracer("test")}, recorder
}

func attrMap(attrs []attribute.KeyValue) map[attribute.Key]attribute.Value {
	m := make(map[attribute.Key]attribute.Value, len(attrs))
	for _, attr := range attrs {
		m[attr.Key] = attr.Value
	}
	return m
}

func TestNewTracerNoEndpoint(t *testing.T) {
	tracer, shutdown := NewTracer(TraceConfig{
		ServiceName: "test-service",
	})
	if tracer == nil {
		t.Fatal("NewTracer() returned nil")
	}
	if tracer.tracer == nil {
		t.Error("tracer.tracer is nil")
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown() error = %v", err)
	}
}

func TestNewTracerWithEndpoint(t *testing.T) {
	// The OTLP gRPC client connects lazily, so construction succeeds
	// without a collector listening.
	tracer, shutdown := NewTracer(TraceConfig{
		ServiceName:    "test-service",
		ServiceVersion: "1.0.0",
		Endpoint:       "localhost:4317",
		EnableInsecure: true,
	})
	defer func() { _ = shutdown(context.Background()) }()

	if tracer == nil {
		t.Fatal("NewTracer() returned nil")
	}
	if tracer.provider == nil {
		t.Error("Expected a real provider when an endpoint is configured")
	}
}

func TestTracerStartRecordsSpan(t *testing.T) {
	tracer, recorder := recordingTracer()

	_, span := tracer.Start(context.Background(), "test-operation", SpanOptions{
		Kind: trace.SpanKindClient,
		Attributes: []attribute.KeyValue{
			attribute.String("key1", "value1"),
			attribute.Int("key2", 42),
		},
	})
	span.End()

	ended := recorder.Ended()
	if len(ended) != 1 {
		t.Fatalf("Expected 1 ended span, got %d", len(ended))
	}
	if got := ended[0].Name(); got != "test-operation" {
		t.Errorf("span name = %q, want %q", got, "test-operation")
	}
	if got := ended[0].SpanKind(); got != trace.SpanKindClient {
		t.Errorf("span kind = %v, want %v", got, trace.SpanKindClient)
	}
	attrs := attrMap(ended[0].Attributes())
	if got := attrs["key1"].AsString(); got != "value1" {
		t.Errorf("key1 = %q, want %q", got, "value1")
	}
	if got := attrs["key2"].AsInt64(); got != 42 {
		t.Errorf("key2 = %d, want 42", got)
	}
}

func TestTracerRecordError(t *testing.T) {
	tracer, recorder := recordingTracer()

	_, span := tracer.Start(context.Background(), "test-operation")
	tracer.RecordError(span, errors.New("boom"))
	span.End()

	ended := recorder.Ended()
	if len(ended) != 1 {
		t.Fatalf("Expected 1 ended span, got %d", len(ended))
	}
	status := ended[0].Status()
	if status.Code != codes.Error {
		t.Errorf("status code = %v, want %v", status.Code, codes.Error)
	}
	if status.Description != "boom" {
		t.Errorf("status description = %q, want %q", status.Description, "boom")
	}

	var sawException bool
	for _, event := range ended[0].Events() {
		if event.Name == "exception" {
			sawException = true
		}
	}
	if !sawException {
		t.Error("Expected an exception event on the span")
	}
}

func TestTracerRecordErrorNil(t *testing.T) {
	tracer, recorder := recordingTracer()

	_, span := tracer.Start(context.Background(), "test-operation")
	tracer.RecordError(span, nil)
	span.End()

	if status := recorder.Ended()[0].Status(); status.Code != codes.Unset {
		t.Errorf("status code = %v, want %v", status.Code, codes.Unset)
	}
}

func TestSetAttributes(t *testing.T) {
	tracer, recorder := recordingTracer()

	_, span := tracer.Start(context.Background(), "test-operation")
	tracer.SetAttributes(span,
		"string_key", "string_value",
		"int_key", 42,
		"bool_key", true,
		"float_key", 1.5,
	)
	span.End()

	attrs := attrMap(recorder.Ended()[0].Attributes())
	if got := attrs["string_key"].AsString(); got != "string_value" {
		t.Errorf("string_key = %q, want %q", got, "string_value")
	}
	if got := attrs["int_key"].AsInt64(); got != 42 {
		t.Errorf("int_key = %d, want 42", got)
	}
	if got := attrs["bool_key"].AsBool(); !got {
		t.Error("bool_key = false, want true")
	}
	if got := attrs["float_key"].AsFloat64(); got != 1.5 {
		t.Errorf("float_key = %v, want 1.5", got)
	}
}

func TestAddEvent(t *testing.T) {
	tracer, recorder := recordingTracer()

	_, span := tracer.Start(context.Background(), "test-operation")
	tracer.AddEvent(span, "breaker_open", "key", "tool:wss://tools.local")
	span.End()

	events := recorder.Ended()[0].Events()
	if len(events) != 1 {
		t.Fatalf("Expected 1 event, got %d", len(events))
	}
	if events[0].Name != "breaker_open" {
		t.Errorf("event name = %q, want %q", events[0].Name, "breaker_open")
	}
	attrs := attrMap(events[0].Attributes)
	if got := attrs["key"].AsString(); got != "tool:wss://tools.local" {
		t.Errorf("event key attribute = %q, want %q", got, "tool:wss://tools.local")
	}
}

func TestDomainSpans(t *testing.T) {
	tests := []struct {
		name     string
		start    func(tracer *Tracer, ctx context.Context) trace.Span
		wantName string
		wantKind trace.SpanKind
		wantAttr attribute.Key
	}{
		{
			name: "run",
			start: func(tracer *Tracer, ctx context.Context) trace.Span {
				_, span := tracer.TraceRun(ctx, "generate_reply", "agent-1", "thread-1")
				return span
			},
			wantName: "run.generate_reply",
			wantKind: trace.SpanKindServer,
			wantAttr: "agent.id",
		},
		{
			name: "assembly",
			start: func(tracer *Tracer, ctx context.Context) trace.Span {
				_, span := tracer.TraceAssembly(ctx, "generate_reply")
				return span
			},
			wantName: "context.assemble",
			wantKind: trace.SpanKindInternal,
			wantAttr: "action_type",
		},
		{
			name: "provider",
			start: func(tracer *Tracer, ctx context.Context) trace.Span {
				_, span := tracer.TraceProviderRequest(ctx, "anthropic", "claude-sonnet-4")
				return span
			},
			wantName: "llm.anthropic",
			wantKind: trace.SpanKindClient,
			wantAttr: "llm.model",
		},
		{
			name: "tool",
			start: func(tracer *Tracer, ctx context.Context) trace.Span {
				_, span := tracer.TraceToolInvocation(ctx, "file_search")
				return span
			},
			wantName: "tool.file_search",
			wantKind: trace.SpanKindClient,
			wantAttr: "tool.name",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tracer, recorder := recordingTracer()
			span := tt.start(tracer, context.Background())
			span.End()

			ended := recorder.Ended()
			if len(ended) != 1 {
				t.Fatalf("Expected 1 ended span, got %d", len(ended))
			}
			if got := ended[0].Name(); got != tt.wantName {
				t.Errorf("span name = %q, want %q", got, tt.wantName)
			}
			if got := ended[0].SpanKind(); got != tt.wantKind {
				t.Errorf("span kind = %v, want %v", got, tt.wantKind)
			}
			if _, ok := attrMap(ended[0].Attributes())[tt.wantAttr]; !ok {
				t.Errorf("Expected attribute %q on span", tt.wantAttr)
			}
		})
	}
}

func TestWithSpan(t *testing.T) {
	tracer, recorder := recordingTracer()

	wantErr := errors.New("boom")
	err := WithSpan(context.Background(), tracer, "operation", func(ctx context.Context, span trace.Span) error {
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Errorf("WithSpan() error = %v, want %v", err, wantErr)
	}

	ended := recorder.Ended()
	if len(ended) != 1 {
		t.Fatalf("Expected 1 ended span, got %d", len(ended))
	}
	if status := ended[0].Status(); status.Code != codes.Error {
		t.Errorf("status code = %v, want %v", status.Code, codes.Error)
	}
}

func TestGetTraceIDAndSpanID(t *testing.T) {
	if got := GetTraceID(context.Background()); got != "" {
		t.Errorf("GetTraceID() without span = %q, want empty", got)
	}
	if got := GetSpanID(context.Background()); got != "" {
		t.Errorf("GetSpanID() without span = %q, want empty", got)
	}

	tracer, _ := recordingTracer()
	ctx, span := tracer.Start(context.Background(), "test-operation")
	defer span.End()

	if got := GetTraceID(ctx); len(got) != 32 {
		t.Errorf("GetTraceID() = %q, want 32 hex characters", got)
	}
	if got := GetSpanID(ctx); len(got) != 16 {
		t.Errorf("GetSpanID() = %q, want 16 hex characters", got)
	}
}

func TestAttributeFromValue(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  any
		want attribute.KeyValue
	}{
		{name: "string", key: "k", val: "v", want: attribute.String("k", "v")},
		{name: "int", key: "k", val: 7, want: attribute.Int("k", 7)},
		{name: "int64", key: "k", val: int64(9), want: attribute.Int64("k", 9)},
		{name: "float64", key: "k", val: 2.5, want: attribute.Float64("k", 2.5)},
		{name: "bool", key: "k", val: true, want: attribute.Bool("k", true)},
		{name: "fallback", key: "k", val: struct{ X int }{1}, want: attribute.String("k", "{1}")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := attributeFromValue(tt.key, tt.val)
			if got != tt.want {
				t.Errorf("attributeFromValue(%q, %v) = %v, want %v", tt.key, tt.val, got, tt.want)
			}
		})
	}
}
