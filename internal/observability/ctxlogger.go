package observability

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/trace"
)

// ChatKey is the subset of chatkey.Key LoggerForChatKey needs. Declared
// locally (instead of importing internal/chatkey) so this low-level package
// stays import-cycle-free from every pipeline stage that wants to log
// against it.
type ChatKey interface {
	String() string
}

// LoggerWithTrace returns a zerolog.Logger enriched with trace_id/span_id
// from ctx whenever ctx carries a trace id, plus trace_sampled=true when that
// span is sampled. internal/llm uses it for its redacted prompt/response log
// lines so they can be correlated back to the OTel trace that produced them;
// the pipeline stages log through LoggerForChatKey instead.
func LoggerWithTrace(ctx context.Context) *zerolog.Logger {
	l := log.Logger
	if ctx == nil {
		return &l
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		l = l.With().Str("trace_id", sc.TraceID().String()).Logger()
		if sc.HasSpanID() {
			l = l.With().Str("span_id", sc.SpanID().String()).Logger()
		}
		if sc.IsSampled() {
			l = l.With().Bool("trace_sampled", true).Logger()
		}
	}
	return &l
}

// LoggerForChatKey layers trace_id/span_id (from ctx) and a chat_key field
// onto base, so a pipeline stage's log lines for one (userId, waAccountId,
// chatId) tuple can be grepped together regardless of which stage or turn
// emitted them, while keeping the stage's own "component" field intact.
func LoggerForChatKey(ctx context.Context, base zerolog.Logger, key ChatKey) *zerolog.Logger {
	l := base
	if ctx != nil {
		if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
			l = l.With().Str("trace_id", sc.TraceID().String()).Logger()
			if sc.HasSpanID() {
				l = l.With().Str("span_id", sc.SpanID().String()).Logger()
			}
		}
	}
	l = l.With().Str("chat_key", key.String()).Logger()
	return &l
}
