package app

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestRunHandler_Handle(t *testing.T) {
	ts := time.Date(2018, 3, 4, 7, 15, 0, 0, time.UTC)

	tests := []struct {
		name    string
		runID   string
		level   slog.Level
		message string
		attrs   []slog.Attr
		want    string
	}{
		{
			name:    "basic info message",
			runID:   "run-1",
			level:   slog.LevelInfo,
			message: "sync complete",
			want:    "2018-03-04T07:15:00Z\tINFO\trun-1\tsync complete\n",
		},
		{
			name:    "with record attrs",
			runID:   "run-2",
			level:   slog.LevelWarn,
			message: "measurement excluded",
			attrs:   []slog.Attr{slog.String("destination", "garmin"), slog.Int("item", 42)},
			want:    "2018-03-04T07:15:00Z\tWARN\trun-2\tmeasurement excluded\tdestination=garmin\titem=42\n",
		},
		{
			name:    "multi-line values are quoted",
			runID:   "run-3",
			level:   slog.LevelError,
			message: "sync failed",
			attrs:   []slog.Attr{slog.String("error", "bad\nresponse")},
			want:    "2018-03-04T07:15:00Z\tERROR\trun-3\tsync failed\terror=\"bad\\nresponse\"\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			h := &runHandler{w: &buf, runID: tt.runID}

			r := slog.NewRecord(ts, tt.level, tt.message, 0)
			r.AddAttrs(tt.attrs...)

			if err := h.Handle(context.Background(), r); err != nil {
				t.Fatalf("Handle() error = %v", err)
			}
			if got := buf.String(); got != tt.want {
				t.Errorf("Handle() output =\n%q\nwant:\n%q", got, tt.want)
			}
		})
	}
}

func TestRunHandler_WithAttrs(t *testing.T) {
	var buf bytes.Buffer
	h := &runHandler{w: &buf, runID: "run-1"}
	h2 := h.WithAttrs([]slog.Attr{slog.String("destination", "smashrun")})

	r := slog.NewRecord(time.Date(2018, 1, 1, 0, 0, 0, 0, time.UTC), slog.LevelInfo, "upload", 0)
	r.AddAttrs(slog.Int("uploaded", 1))
	if err := h2.Handle(context.Background(), r); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	want := "2018-01-01T00:00:00Z\tINFO\trun-1\tupload\tdestination=smashrun\tuploaded=1\n"
	if got := buf.String(); got != want {
		t.Errorf("Handle() output = %q, want %q", got, want)
	}
	if len(h.attrs) != 0 {
		t.Error("WithAttrs() modified the parent handler")
	}
}

func TestRunHandler_Enabled(t *testing.T) {
	h := &runHandler{minLevel: slog.LevelInfo}
	if h.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("Enabled(Debug) = true at Info level")
	}
	if !h.Enabled(context.Background(), slog.LevelWarn) {
		t.Error("Enabled(Warn) = false at Info level")
	}
}

func TestNewLogger(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "log")
	var console bytes.Buffer

	logger, f, err := newLogger(dir, "run-9", &console, false)
	if err != nil {
		t.Fatalf("newLogger() error = %v", err)
	}
	logger.Debug("hidden")
	logger.Info("visible", "k", "v")
	f.Close()

	data, err := os.ReadFile(filepath.Join(dir, LogFileName))
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	for name, out := range map[string]string{"file": string(data), "console": console.String()} {
		if !strings.Contains(out, "\trun-9\tvisible\tk=v\n") {
			t.Errorf("%s output %q missing record", name, out)
		}
		if strings.Contains(out, "hidden") {
			t.Errorf("%s output contains debug record", name)
		}
	}
}
