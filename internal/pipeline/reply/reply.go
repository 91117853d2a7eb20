// Package reply implements C5, the Reply Stage / Humanizer: segments the
// assistant's text, plays out a human-like typing rhythm, and sends each
// segment through WAHA with retry.
package reply

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"convocore/internal/chatkey"
	"convocore/internal/intervention"
	"convocore/internal/model"
	"convocore/internal/observability"
	"convocore/internal/persistence"
)

// Metrics is the subset of rag/obs.OtelMetrics (or obs.MockMetrics in
// tests) the stage emits delivery telemetry through, independent of the
// per-job metrics persisted in the Job result payload.
type Metrics interface {
	IncCounter(name string, labels map[string]string)
	ObserveHistogram(name string, value float64, labels map[string]string)
}

type noopMetrics struct{}

func (noopMetrics) IncCounter(string, map[string]string)            {}
func (noopMetrics) ObserveHistogram(string, float64, map[string]string) {}

const (
	preferredLen        = 500
	maxLen              = 1000
	shortSegmentMerge   = 100
	typingDurationCap   = 10 * time.Second
	finalPostDelay      = 200 * time.Millisecond
	defaultPostDelay    = 400 * time.Millisecond
	maxSendAttempts     = 3
	baseRetryDelay      = 500 * time.Millisecond
	jitterFraction      = 0.10
)

var (
	paragraphBreak  = regexp.MustCompile(`\n\n+`)
	sentenceBoundary = regexp.MustCompile(`[.!?。！？]+`)
	wordBoundary    = regexp.MustCompile(`[.!?,、，；;\x{3002}\x{ff01}\x{ff1f}\x{ff0c} ]`)
)

// Gate is the subset of intervention.Controller the stage consults.
type Gate interface {
	ShouldAutoReply(ctx context.Context, key chatkey.Key) (intervention.Decision, error)
}

// Sender is the subset of waha.Client the stage needs to drive typing and
// delivery.
type Sender interface {
	StartTyping(ctx context.Context, sessionID, chatID string) error
	StopTyping(ctx context.Context, sessionID, chatID string) error
	SendText(ctx context.Context, sessionID, chatID, text string) error
}

// JobLedger is the subset of jobs.Ledger the stage depends on.
type JobLedger interface {
	Begin(ctx context.Context, key chatkey.Key, turn int, stage model.Stage) (model.Job, bool, error)
	Complete(ctx context.Context, jobID string, result []byte) error
	Fail(ctx context.Context, jobID string, errMsg string) error
	Suppress(ctx context.Context, jobID string) error
}

// Stage wires together everything C5 needs to humanize and deliver one
// ReplyRequest.
type Stage struct {
	jobs          JobLedger
	gate          Gate
	messages      persistence.MessageStore
	sender        Sender
	typingEnabled bool
	sleep         func(context.Context, time.Duration) error // overridden in tests to avoid real sleeps
	metrics       Metrics
	log           zerolog.Logger
}

// sleepCtx waits for d or returns ctx.Err() the instant ctx is canceled,
// whichever comes first, so an in-flight segment can abort promptly on
// deadline/shutdown instead of riding out every thinking/typing/post delay.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Option configures optional Stage dependencies.
type Option func(*Stage)

// WithMetrics wires an OpenTelemetry (or test-double) metrics sink. Without
// it, metrics are only recorded into the Job result payload.
func WithMetrics(m Metrics) Option {
	return func(s *Stage) { s.metrics = m }
}

func New(jobs JobLedger, gate Gate, messages persistence.MessageStore, sender Sender, typingEnabled bool, log zerolog.Logger, opts ...Option) *Stage {
	s := &Stage{
		jobs:          jobs,
		gate:          gate,
		messages:      messages,
		sender:        sender,
		typingEnabled: typingEnabled,
		sleep:         sleepCtx,
		metrics:       noopMetrics{},
		log:           log.With().Str("component", "reply").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// segmentResult tracks one segment's delivery outcome.
type segmentResult struct {
	text string
	sent bool
	err  error
}

// deliveryMetrics is persisted as the Job's result payload.
type deliveryMetrics struct {
	TotalTypingMS      int64   `json:"totalTypingMs"`
	AverageWPM         float64 `json:"averageWpm"`
	SegmentsAttempted  int     `json:"segmentsAttempted"`
	SegmentsSent       int     `json:"segmentsSent"`
	SegmentErrors      []string `json:"segmentErrors,omitempty"`
}

// Handle runs the full C5 algorithm for one ReplyRequest (spec §4.5).
func (s *Stage) Handle(ctx context.Context, req model.ReplyRequest) error {
	clog := observability.LoggerForChatKey(ctx, s.log, req.ChatKey)

	job, skip, err := s.jobs.Begin(ctx, req.ChatKey, req.Turn, model.StageReply)
	if err != nil {
		return fmt.Errorf("begin job: %w", err)
	}
	if skip {
		return nil
	}

	decision, err := s.gate.ShouldAutoReply(ctx, req.ChatKey)
	if err != nil {
		s.jobs.Fail(ctx, job.ID, err.Error())
		return err
	}
	if !decision.Allow {
		if err := s.messages.UpdateStatus(ctx, req.ChatKey, req.Turn, model.RoleAssistant, model.MessageSuppressed, ""); err != nil {
			s.jobs.Fail(ctx, job.ID, err.Error())
			return err
		}
		return s.jobs.Suppress(ctx, job.ID)
	}

	text := intervention.SafetyTrim(req.AIResponse)
	segments := segmentText(text)
	plans := buildRhythmPlan(segments)

	results, cancelErr := s.sendSegments(ctx, req, plans, clog)
	if cancelErr != nil {
		clog.Warn().Err(cancelErr).Int("turn", req.Turn).Msg("reply delivery aborted by context cancellation")
		// ctx is already done; use an uncancelled context so the Job row
		// genuinely gets written as failed instead of this write itself
		// failing against the canceled context.
		s.jobs.Fail(context.WithoutCancel(ctx), job.ID, cancelErr.Error())
		return cancelErr
	}

	status, finalText := summarize(results)
	if err := s.messages.UpdateStatus(ctx, req.ChatKey, req.Turn, model.RoleAssistant, status, finalText); err != nil {
		s.jobs.Fail(ctx, job.ID, err.Error())
		return err
	}

	metrics := aggregateMetrics(plans, results)
	payload, _ := json.Marshal(metrics)

	s.metrics.IncCounter("reply_segments_sent_total", map[string]string{"status": string(status)})
	s.metrics.ObserveHistogram("reply_typing_ms", float64(metrics.TotalTypingMS), nil)
	s.metrics.ObserveHistogram("reply_wpm", metrics.AverageWPM, nil)

	if status == model.MessageFailed {
		err := fmt.Errorf("all segments failed to send")
		s.jobs.Fail(ctx, job.ID, err.Error())
		return err
	}
	return s.jobs.Complete(ctx, job.ID, payload)
}

// sendSegments plays out the rhythm plan and sends each segment in turn. It
// returns early with a non-nil error the instant ctx is canceled mid-sleep
// or mid-retry, per spec §5 "Cancellation": the caller must mark the Job
// failed and leave the queue message unacked so it is redelivered.
func (s *Stage) sendSegments(ctx context.Context, req model.ReplyRequest, plans []segmentPlan, clog *zerolog.Logger) ([]segmentResult, error) {
	results := make([]segmentResult, 0, len(plans))
	for i, plan := range plans {
		if err := s.sleep(ctx, plan.ThinkingDelay); err != nil {
			return results, err
		}

		if s.typingEnabled {
			if err := s.sender.StartTyping(ctx, req.SessionID, req.WhatsAppChatID); err != nil {
				clog.Warn().Err(err).Int("segment", i).Msg("start typing indicator failed")
			}
			typing := plan.TypingDuration
			if typing > typingDurationCap {
				typing = typingDurationCap
			}
			if err := s.sleep(ctx, typing); err != nil {
				if stopErr := s.sender.StopTyping(ctx, req.SessionID, req.WhatsAppChatID); stopErr != nil {
					clog.Warn().Err(stopErr).Int("segment", i).Msg("stop typing indicator failed")
				}
				return results, err
			}
			if err := s.sender.StopTyping(ctx, req.SessionID, req.WhatsAppChatID); err != nil {
				clog.Warn().Err(err).Int("segment", i).Msg("stop typing indicator failed")
			}
		}
		if err := s.sleep(ctx, plan.PostDelay); err != nil {
			return results, err
		}

		sendErr, cancelErr := s.sendWithRetry(ctx, req.SessionID, req.WhatsAppChatID, plan.Text)
		if cancelErr != nil {
			return results, cancelErr
		}
		results = append(results, segmentResult{text: plan.Text, sent: sendErr == nil, err: sendErr})

		if sendErr != nil && i == 0 {
			// First segment failed after retries: abort the remaining plan.
			break
		}
	}
	return results, nil
}

// sendWithRetry attempts delivery up to maxSendAttempts times. The first
// returned error is the exhausted-retries send error (segment-level, not
// fatal); the second is a cancellation error from ctx, which the caller
// must treat as fatal to the whole Handle call.
func (s *Stage) sendWithRetry(ctx context.Context, sessionID, chatID, text string) (error, error) {
	var lastErr error
	for attempt := 0; attempt < maxSendAttempts; attempt++ {
		if attempt > 0 {
			backoff := baseRetryDelay * time.Duration(1<<uint(attempt))
			jitter := time.Duration(rand.Int63n(int64(500 * time.Millisecond)))
			if err := s.sleep(ctx, backoff+jitter); err != nil {
				return nil, err
			}
		}
		if err := s.sender.SendText(ctx, sessionID, chatID, text); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			continue
		}
		return nil, nil
	}
	return lastErr, nil
}

func summarize(results []segmentResult) (model.MessageStatus, string) {
	if len(results) == 0 {
		return model.MessageFailed, ""
	}
	var sentTexts []string
	allSent := true
	for _, r := range results {
		if r.sent {
			sentTexts = append(sentTexts, r.text)
		} else {
			allSent = false
		}
	}
	if len(sentTexts) == 0 {
		return model.MessageFailed, ""
	}
	joined := strings.Join(sentTexts, "\n\n")
	if allSent {
		return model.MessageSent, joined
	}
	return model.MessagePartial, joined
}

func aggregateMetrics(plans []segmentPlan, results []segmentResult) deliveryMetrics {
	m := deliveryMetrics{SegmentsAttempted: len(results)}
	var totalWPM float64
	for i, r := range results {
		if i >= len(plans) {
			break
		}
		if r.sent {
			m.SegmentsSent++
		} else if r.err != nil {
			m.SegmentErrors = append(m.SegmentErrors, r.err.Error())
		}
		typing := plans[i].TypingDuration
		if typing > typingDurationCap {
			typing = typingDurationCap
		}
		m.TotalTypingMS += typing.Milliseconds()
		totalWPM += plans[i].wpm
	}
	if len(plans) > 0 {
		m.AverageWPM = totalWPM / float64(len(plans))
	}
	return m
}

// segmentPlan is one segment's text plus its computed rhythm timings.
type segmentPlan struct {
	Text           string
	ThinkingDelay  time.Duration
	TypingDuration time.Duration
	PostDelay      time.Duration
	wpm            float64
}

// buildRhythmPlan computes thinkingDelay/typingDuration/postDelay for every
// segment, per spec §4.5 "Rhythm plan".
func buildRhythmPlan(segments []string) []segmentPlan {
	plans := make([]segmentPlan, len(segments))
	for i, seg := range segments {
		length := float64(utf8.RuneCountInString(seg))

		var thinking time.Duration
		if i == 0 {
			frac := min1(length / 100)
			thinking = jitter(scaleDuration(500*time.Millisecond, 2000*time.Millisecond, frac))
		} else {
			nextLen := 0.0
			if i+1 < len(segments) {
				nextLen = float64(utf8.RuneCountInString(segments[i+1]))
			}
			frac := min1(nextLen / 200)
			thinking = jitter(scaleDuration(800*time.Millisecond, 2000*time.Millisecond, frac))
		}

		wpm := 20 + rand.Float64()*40 // uniform in [20, 60]
		minutes := (length / 5) / wpm
		typing := jitter(time.Duration(minutes * float64(time.Minute)))

		post := defaultPostDelay
		if i == len(segments)-1 {
			post = finalPostDelay
		}

		plans[i] = segmentPlan{Text: seg, ThinkingDelay: thinking, TypingDuration: typing, PostDelay: post, wpm: wpm}
	}
	return plans
}

func min1(f float64) float64 {
	if f > 1 {
		return 1
	}
	return f
}

func scaleDuration(min, max time.Duration, frac float64) time.Duration {
	return min + time.Duration(float64(max-min)*frac)
}

func jitter(d time.Duration) time.Duration {
	delta := float64(d) * jitterFraction
	offset := (rand.Float64()*2 - 1) * delta
	out := time.Duration(float64(d) + offset)
	if out < 0 {
		return 0
	}
	return out
}

// segmentText implements spec §4.5 "Segmentation".
func segmentText(text string) []string {
	paragraphs := paragraphBreak.Split(strings.TrimSpace(text), -1)
	var segments []string
	current := ""
	for _, p := range paragraphs {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if utf8.RuneCountInString(p) > maxLen {
			if current != "" {
				segments = append(segments, current)
				current = ""
			}
			segments = append(segments, splitLongParagraph(p)...)
			continue
		}
		if current == "" {
			current = p
			continue
		}
		merged := current + "\n\n" + p
		if utf8.RuneCountInString(merged) <= maxLen {
			current = merged
		} else {
			segments = append(segments, current)
			current = p
		}
	}
	if current != "" {
		segments = append(segments, current)
	}
	if len(segments) == 0 {
		return nil
	}
	return mergeShortSegments(segments)
}

// splitLongParagraph splits a too-long paragraph at sentence boundaries,
// further splitting any sentence that still exceeds maxLen.
func splitLongParagraph(p string) []string {
	sentences := splitSentences(p)
	var out []string
	current := ""
	for _, sent := range sentences {
		if utf8.RuneCountInString(sent) > maxLen {
			if current != "" {
				out = append(out, current)
				current = ""
			}
			out = append(out, splitAtNearestBoundary(sent)...)
			continue
		}
		if current == "" {
			current = sent
			continue
		}
		merged := current + " " + sent
		if utf8.RuneCountInString(merged) <= preferredLen {
			current = merged
		} else {
			out = append(out, current)
			current = sent
		}
	}
	if current != "" {
		out = append(out, current)
	}
	return out
}

// splitSentences splits on runs of sentence-terminal punctuation, keeping
// the punctuation attached to the preceding sentence.
func splitSentences(s string) []string {
	idxs := sentenceBoundary.FindAllStringIndex(s, -1)
	if len(idxs) == 0 {
		return []string{s}
	}
	var out []string
	start := 0
	for _, loc := range idxs {
		end := loc[1]
		out = append(out, strings.TrimSpace(s[start:end]))
		start = end
	}
	if start < len(s) {
		rest := strings.TrimSpace(s[start:])
		if rest != "" {
			out = append(out, rest)
		}
	}
	return out
}

// splitAtNearestBoundary breaks a single oversized sentence at the nearest
// punctuation or space boundary within ±100 chars of preferredLen.
func splitAtNearestBoundary(s string) []string {
	runes := []rune(s)
	var out []string
	for len(runes) > maxLen {
		lo := preferredLen - 100
		hi := preferredLen + 100
		if hi > len(runes) {
			hi = len(runes)
		}
		if lo < 0 {
			lo = 0
		}
		cut := -1
		window := string(runes[lo:hi])
		if loc := nearestBoundaryIndex(window, preferredLen-lo); loc >= 0 {
			cut = lo + loc
		}
		if cut <= 0 {
			cut = preferredLen
			if cut > len(runes) {
				cut = len(runes)
			}
		}
		out = append(out, strings.TrimSpace(string(runes[:cut])))
		runes = runes[cut:]
	}
	if len(runes) > 0 {
		out = append(out, strings.TrimSpace(string(runes)))
	}
	return out
}

// nearestBoundaryIndex returns the rune offset just past the boundary match
// in window whose end lies closest to target, or -1 if window has none.
func nearestBoundaryIndex(window string, target int) int {
	best, bestDist := -1, 0
	for _, m := range wordBoundary.FindAllStringIndex(window, -1) {
		pos := utf8.RuneCountInString(window[:m[1]])
		dist := pos - target
		if dist < 0 {
			dist = -dist
		}
		if best < 0 || dist < bestDist {
			best, bestDist = pos, dist
		}
	}
	return best
}

// mergeShortSegments merges adjacent segments shorter than
// shortSegmentMerge chars when the merged length stays within maxLen.
func mergeShortSegments(segments []string) []string {
	out := make([]string, 0, len(segments))
	for _, seg := range segments {
		if len(out) == 0 {
			out = append(out, seg)
			continue
		}
		prev := out[len(out)-1]
		if utf8.RuneCountInString(prev) < shortSegmentMerge || utf8.RuneCountInString(seg) < shortSegmentMerge {
			merged := prev + " " + seg
			if utf8.RuneCountInString(merged) <= maxLen {
				out[len(out)-1] = merged
				continue
			}
		}
		out = append(out, seg)
	}
	return out
}
