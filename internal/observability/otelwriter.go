package observability

import (
	"context"
	"encoding/json"
	"io"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// levelCounterWriter wraps the base log writer and increments an OTel
// counter per zerolog level it observes, so log volume by severity across
// C1-C7 (how many "error"/"warn" lines a deployment is emitting) shows up
// next to the trace/metric streams the same collector already ingests,
// without standing up the separate OTel Logs SDK for it.
type levelCounterWriter struct {
	next    io.Writer
	counter metric.Int64Counter
}

// newLevelCounterWriter builds a levelCounterWriter backed by the global
// MeterProvider, which must already be set (InitOTel runs before this).
func newLevelCounterWriter(next io.Writer) (*levelCounterWriter, error) {
	counter, err := otel.Meter("convocore/logging").Int64Counter(
		"log_records_total",
		metric.WithDescription("count of log records emitted, labeled by level"),
	)
	if err != nil {
		return nil, err
	}
	return &levelCounterWriter{next: next, counter: counter}, nil
}

// Write parses just the "level" field out of each zerolog JSON line, counts
// it, and passes the line through unmodified.
func (w *levelCounterWriter) Write(p []byte) (int, error) {
	var entry struct {
		Level string `json:"level"`
	}
	if json.Unmarshal(p, &entry) == nil && entry.Level != "" {
		w.counter.Add(context.Background(), 1, metric.WithAttributes(attribute.String("level", entry.Level)))
	}
	return w.next.Write(p)
}

// EnableLogMetrics rewires the global logger's writer to also count records
// by level via the OTel meter. Call once, after InitOTel has succeeded
// (otherwise otel.Meter falls back to a no-op provider and the counter is
// inert but harmless).
func EnableLogMetrics() error {
	w, err := newLevelCounterWriter(baseLogWriter)
	if err != nil {
		return err
	}
	log.Logger = log.Logger.Output(w)
	return nil
}
