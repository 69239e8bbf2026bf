// Package observe holds the OpenTelemetry instruments recorded by the voice
// client. A nil *Metrics is valid and records nothing, so components can be
// built without a meter provider.
package observe

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/bt-bridge/pacer-voice"

var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8, 15,
}

type Metrics struct {
	// ConnectAttempts counts connection attempts. Attribute: result.
	ConnectAttempts metric.Int64Counter

	// ConnectDuration is the time from dial to configuration push.
	ConnectDuration metric.Float64Histogram

	// ActiveSessions tracks connections that reached the active state.
	ActiveSessions metric.Int64UpDownCounter

	// FramesCaptured counts frames produced by the capture engine.
	FramesCaptured metric.Int64Counter

	// FramesDropped counts frames discarded because the consumer lagged.
	FramesDropped metric.Int64Counter

	// AudioSent counts PCM16 bytes appended to the input buffer.
	AudioSent metric.Int64Counter

	// TurnBoundaries counts forced turn boundaries. Attribute: outcome (commit|clear).
	TurnBoundaries metric.Int64Counter

	// EventsReceived counts decoded inbound events. Attribute: type.
	EventsReceived metric.Int64Counter

	// ProtocolErrors counts inbound error events. Attributes: code, class.
	ProtocolErrors metric.Int64Counter

	// ChunksPlayed counts remote audio chunks handed to the sink.
	ChunksPlayed metric.Int64Counter

	// ChunksRejected counts empty or malformed remote audio chunks.
	ChunksRejected metric.Int64Counter

	// Utterances counts finalized utterances. Attribute: speaker.
	Utterances metric.Int64Counter
}

func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.ConnectDuration, err = m.Float64Histogram("pacer_voice.connect.duration",
		metric.WithDescription("Time from dial to session configuration push."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("pacer_voice.sessions.active",
		metric.WithDescription("Connections currently in the active state."),
	); err != nil {
		return nil, err
	}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
		unit string
	}{
		{&met.ConnectAttempts, "pacer_voice.connect.attempts", "Connection attempts by result.", ""},
		{&met.FramesCaptured, "pacer_voice.capture.frames", "Frames produced by the capture engine.", ""},
		{&met.FramesDropped, "pacer_voice.capture.dropped", "Frames dropped because the consumer lagged.", ""},
		{&met.AudioSent, "pacer_voice.audio.sent", "PCM16 bytes appended to the input buffer.", "By"},
		{&met.TurnBoundaries, "pacer_voice.turn.forced", "Forced turn boundaries by outcome.", ""},
		{&met.EventsReceived, "pacer_voice.events.received", "Inbound protocol events by type.", ""},
		{&met.ProtocolErrors, "pacer_voice.errors", "Inbound protocol errors by code and class.", ""},
		{&met.ChunksPlayed, "pacer_voice.playback.chunks", "Remote audio chunks played.", ""},
		{&met.ChunksRejected, "pacer_voice.playback.rejected", "Remote audio chunks rejected as malformed.", ""},
		{&met.Utterances, "pacer_voice.utterances", "Finalized utterances by speaker.", ""},
	}
	for _, c := range counters {
		opts := []metric.Int64CounterOption{metric.WithDescription(c.desc)}
		if c.unit != "" {
			opts = append(opts, metric.WithUnit(c.unit))
		}
		if *c.dst, err = m.Int64Counter(c.name, opts...); err != nil {
			return nil, err
		}
	}
	return met, nil
}

func (m *Metrics) RecordConnect(ctx context.Context, result string, took time.Duration) {
	if m == nil {
		return
	}
	m.ConnectAttempts.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
	if result == "ok" {
		m.ConnectDuration.Record(ctx, took.Seconds())
	}
}

func (m *Metrics) SessionActive(ctx context.Context, delta int64) {
	if m == nil {
		return
	}
	m.ActiveSessions.Add(ctx, delta)
}

func (m *Metrics) RecordFrame(ctx context.Context, dropped bool) {
	if m == nil {
		return
	}
	m.FramesCaptured.Add(ctx, 1)
	if dropped {
		m.FramesDropped.Add(ctx, 1)
	}
}

func (m *Metrics) RecordAudioSent(ctx context.Context, bytes int) {
	if m == nil {
		return
	}
	m.AudioSent.Add(ctx, int64(bytes))
}

func (m *Metrics) RecordTurnBoundary(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.TurnBoundaries.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *Metrics) RecordEvent(ctx context.Context, eventType string) {
	if m == nil {
		return
	}
	m.EventsReceived.Add(ctx, 1, metric.WithAttributes(attribute.String("type", eventType)))
}

func (m *Metrics) RecordProtocolError(ctx context.Context, code, class string) {
	if m == nil {
		return
	}
	m.ProtocolErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("code", code),
		attribute.String("class", class),
	))
}

func (m *Metrics) RecordChunk(ctx context.Context, played bool) {
	if m == nil {
		return
	}
	if played {
		m.ChunksPlayed.Add(ctx, 1)
		return
	}
	m.ChunksRejected.Add(ctx, 1)
}

func (m *Metrics) RecordUtterance(ctx context.Context, speaker string) {
	if m == nil {
		return
	}
	m.Utterances.Add(ctx, 1, metric.WithAttributes(attribute.String("speaker", speaker)))
}
