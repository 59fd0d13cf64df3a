package logging

import (
	"context"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestConfigValidate(t *testing.T) {
	cases := []struct {
		cfg     Config
		wantErr bool
	}{
		{DefaultConfig(), false},
		{Config{Level: "debug", Format: "json"}, false},
		{Config{}, false},
		{Config{Level: "loud"}, true},
		{Config{Format: "xml"}, true},
	}
	for _, tc := range cases {
		err := tc.cfg.Validate()
		if (err != nil) != tc.wantErr {
			t.Fatalf("%+v: unexpected error %v", tc.cfg, err)
		}
	}
}

func TestNewWithCoreAddsFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger, err := NewWithCore(Config{Level: "debug", Fields: map[string]string{"service": "execflow"}}, core)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	logger.Info("hello", zap.Int("n", 1))
	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["service"] != "execflow" || fields["n"] != int64(1) {
		t.Fatalf("unexpected fields %v", fields)
	}
}

func TestContextRoundTrip(t *testing.T) {
	if FromContext(context.Background()) == nil {
		t.Fatalf("expected nop logger")
	}
	core, logs := observer.New(zapcore.InfoLevel)
	ctx := WithLogger(context.Background(), zap.New(core))
	FromContext(ctx).Info("from ctx")
	if logs.Len() != 1 {
		t.Fatalf("expected logger from context to be used")
	}
}
