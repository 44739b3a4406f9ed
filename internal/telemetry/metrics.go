package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "mwclient"

// Frame kinds recorded by StreamMetrics.FrameReceived.
const (
	FrameKindAck   = "ack"
	FrameKindPrice = "price"
)

// StreamMetrics records price-stream activity.
type StreamMetrics struct {
	frames     metric.Int64Counter
	sent       metric.Int64Counter
	keepalives metric.Int64Counter
	failures   metric.Int64Counter
	opened     metric.Int64Counter
}

// HTTPMetrics records site request outcomes.
type HTTPMetrics struct {
	requests metric.Int64Counter
	duration metric.Float64Histogram
}

var (
	streamOnce sync.Once
	streamInst *StreamMetrics
	httpOnce   sync.Once
	httpInst   *HTTPMetrics
)

// Stream returns the process-wide stream instruments. Instruments are bound to the
// global meter provider, so they start exporting once NewProvider installs one.
func Stream() *StreamMetrics {
	streamOnce.Do(func() {
		meter := otel.Meter(meterName)
		m := new(StreamMetrics)
		m.frames, _ = meter.Int64Counter("mwclient_stream_frames_received",
			metric.WithDescription("Frames received on the price stream"),
			metric.WithUnit("{frame}"))
		m.sent, _ = meter.Int64Counter("mwclient_stream_messages_sent",
			metric.WithDescription("Outbound hub commands written to the price stream"),
			metric.WithUnit("{message}"))
		m.keepalives, _ = meter.Int64Counter("mwclient_stream_keepalives",
			metric.WithDescription("Keepalive pings enqueued"),
			metric.WithUnit("{ping}"))
		m.failures, _ = meter.Int64Counter("mwclient_stream_failures",
			metric.WithDescription("Streams terminated by a decode or transport failure"),
			metric.WithUnit("{stream}"))
		m.opened, _ = meter.Int64Counter("mwclient_stream_opened",
			metric.WithDescription("Streams that completed the handshake"),
			metric.WithUnit("{stream}"))
		streamInst = m
	})
	return streamInst
}

// FrameReceived counts one inbound frame of the given kind.
func (m *StreamMetrics) FrameReceived(ctx context.Context, kind string) {
	if m == nil || m.frames == nil {
		return
	}
	m.frames.Add(ctx, 1, metric.WithAttributes(FrameAttributes(kind)...))
}

// MessageSent counts one outbound hub command.
func (m *StreamMetrics) MessageSent(ctx context.Context, method string) {
	if m == nil || m.sent == nil {
		return
	}
	m.sent.Add(ctx, 1, metric.WithAttributes(MethodAttributes(method)...))
}

// KeepaliveQueued counts one keepalive enqueue.
func (m *StreamMetrics) KeepaliveQueued(ctx context.Context) {
	if m == nil || m.keepalives == nil {
		return
	}
	m.keepalives.Add(ctx, 1)
}

// Failed counts one failed stream.
func (m *StreamMetrics) Failed(ctx context.Context) {
	if m == nil || m.failures == nil {
		return
	}
	m.failures.Add(ctx, 1)
}

// Opened counts one stream reaching the streaming state, tagged with its channel count.
func (m *StreamMetrics) Opened(ctx context.Context, channels int) {
	if m == nil || m.opened == nil {
		return
	}
	m.opened.Add(ctx, 1, metric.WithAttributes(AttrChannels.Int(channels)))
}

// HTTP returns the process-wide request instruments.
func HTTP() *HTTPMetrics {
	httpOnce.Do(func() {
		meter := otel.Meter(meterName)
		m := new(HTTPMetrics)
		m.requests, _ = meter.Int64Counter("mwclient_http_requests",
			metric.WithDescription("Site requests by template and status"),
			metric.WithUnit("{request}"))
		m.duration, _ = meter.Float64Histogram("mwclient_http_request_duration",
			metric.WithDescription("Site request latency"),
			metric.WithUnit("ms"))
		httpInst = m
	})
	return httpInst
}

// Observe records one completed request. status 0 marks a transport failure.
func (m *HTTPMetrics) Observe(ctx context.Context, template string, status int, elapsedMillis float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(RequestAttributes(template, status)...)
	if m.requests != nil {
		m.requests.Add(ctx, 1, attrs)
	}
	if m.duration != nil {
		m.duration.Record(ctx, elapsedMillis, metric.WithAttributes(AttrTemplate.String(template)))
	}
}
