package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{name: "defaults", modify: func(*Config) {}},
		{name: "no service", modify: func(c *Config) { c.ServiceName = "" }, wantErr: true},
		{name: "bad level", modify: func(c *Config) { c.Logging.Level = "loud" }, wantErr: true},
		{name: "bad format", modify: func(c *Config) { c.Logging.Format = "xml" }, wantErr: true},
		{name: "bad exporter", modify: func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.Exporter = "jaeger"
		}, wantErr: true},
		{name: "otlp without endpoint", modify: func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.Exporter = "otlp"
		}, wantErr: true},
		{name: "bad sampling", modify: func(c *Config) { c.Tracing.SamplingRate = 2 }, wantErr: true},
		{name: "metrics without address", modify: func(c *Config) {
			c.Metrics.Enabled = true
			c.Metrics.ListenAddress = ""
		}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestJSONLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := ComponentLogger(newLogger(&buf, LoggingConfig{Level: "warn", Format: "json"}), "rx")

	logger.Info().Msg("hidden")
	logger.Warn().Str("spool", "/tmp/s").Msg("Sync skipped")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1: %q", len(lines), buf.String())
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if entry["component"] != "rx" || entry["spool"] != "/tmp/s" || entry["level"] != "warn" {
		t.Errorf("entry = %v", entry)
	}
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]zerolog.Level{
		"trace": zerolog.TraceLevel,
		"debug": zerolog.DebugLevel,
		"error": zerolog.ErrorLevel,
		"":      zerolog.InfoLevel,
		"bogus": zerolog.InfoLevel,
	} {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestMetricsDisabledAreNoOps(t *testing.T) {
	var nilMetrics *Metrics
	nilMetrics.RecordSync("ok")
	nilMetrics.RecordTaskStarted("run")
	nilMetrics.RecordTaskCompleted("success", time.Second)

	m, err := NewMetrics(MetricsConfig{})
	if err != nil {
		t.Fatal(err)
	}
	m.RecordEnvelope("in", "drcloud.Run")
	m.RecordTransfers("web", 1, 2, 3)
	if err := m.Serve(context.Background(), zerolog.Nop()); err != nil {
		t.Errorf("Serve() on disabled metrics = %v", err)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("disabled handler status = %d, want 404", rec.Code)
	}
}

func TestMetricsExposition(t *testing.T) {
	cfg := DefaultConfig().Metrics
	cfg.Enabled = true
	m, err := NewMetrics(cfg)
	if err != nil {
		t.Fatal(err)
	}

	m.RecordSync("skipped")
	m.RecordEnvelope("out", "drcloud.Hello")
	m.RecordRejected()
	m.RecordTaskStarted("pkg")
	m.RecordTaskCompleted("failed", 2*time.Second)
	m.RecordTransfers("web.example.com", 2, 1, 0)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()

	for _, want := range []string{
		`drcloud_mailbox_syncs_total{result="skipped"} 1`,
		`drcloud_envelopes_total{direction="out",type="drcloud.Hello"} 1`,
		`drcloud_envelopes_rejected_total 1`,
		`drcloud_tasks_started_total{lock="pkg"} 1`,
		`drcloud_tasks_completed_total{status="failed"} 1`,
		`drcloud_active_tasks 0`,
		`drcloud_channel_transfers_total{channel="web.example.com",direction="pull"} 2`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("exposition missing %s", want)
		}
	}
}

func TestNilTracerStartsSpans(t *testing.T) {
	var tr *Tracer
	ctx, span := tr.StartTaskSpan(context.Background(), "id", "run", "run")
	if ctx == nil || span == nil {
		t.Fatal("StartTaskSpan() on nil tracer returned nil")
	}
	End(span, nil)
	if err := tr.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() = %v", err)
	}
}

func TestNewDisabled(t *testing.T) {
	tel, err := New(DefaultConfig())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	_, span := tel.Tracer.StartSyncSpan(context.Background(), "/tmp/spool", 1)
	End(span, context.Canceled)
	if err := tel.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() = %v", err)
	}
}
