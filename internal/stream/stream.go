// Package stream runs the real-time price stream: connection negotiation,
// channel discovery, and the acknowledgement-gated session that turns inbound
// frames into a lazy sequence of price events.
package stream

import (
	"context"
	"errors"
	"iter"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	json "github.com/goccy/go-json"

	"github.com/coachpo/mwclient/errs"
	"github.com/coachpo/mwclient/internal/observability"
	"github.com/coachpo/mwclient/internal/telemetry"
)

// State is the lifecycle position of a Stream.
type State int32

const (
	StateConnecting State = iota
	StateHandshaking
	StateStreaming
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateStreaming:
		return "streaming"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateFailed
}

type options struct {
	verbose  bool
	clock    func() time.Time
	interval time.Duration
	logger   observability.Logger
}

// Option configures Open and Feed.
type Option func(*options)

// WithVerbose logs the endpoint and every frame sent and received.
func WithVerbose(verbose bool) Option {
	return func(o *options) {
		o.verbose = verbose
	}
}

// WithClock replaces time.Now for keepalive scheduling.
func WithClock(clock func() time.Time) Option {
	return func(o *options) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithKeepaliveInterval overrides KeepaliveInterval.
func WithKeepaliveInterval(d time.Duration) Option {
	return func(o *options) {
		o.interval = d
	}
}

// WithLogger routes stream logs to logger instead of the global logger.
func WithLogger(logger observability.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// Stream is one price-stream connection. Events are consumed once, by a single
// goroutine; Close may be called from anywhere.
type Stream struct {
	id       string
	url      string
	channels ChannelSet
	conn     Conn
	cursor   *cursor
	opts     options
	metrics  *telemetry.StreamMetrics

	state     atomic.Int32
	consumed  atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// Open dials url, discards the greeting frame and sends the first queued
// message (a ping stamped with sequence 0). Subscriptions for channels follow,
// one per acknowledgement, once Events is consumed.
func Open(ctx context.Context, dialer Dialer, url string, channels ChannelSet, opts ...Option) (*Stream, error) {
	const op = "stream.open"
	o := options{clock: time.Now, interval: KeepaliveInterval, logger: observability.Log()}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	s := &Stream{
		id:       uuid.NewString(),
		url:      url,
		channels: channels,
		cursor:   newCursor(channels, o.interval),
		opts:     o,
		metrics:  telemetry.Stream(),
	}
	s.state.Store(int32(StateConnecting))
	if o.verbose {
		o.logger.Info("opening price stream", observability.F("stream", s.id), observability.F("url", url),
			observability.F("channels", len(channels)))
	}

	conn, err := dialer.Dial(ctx, url)
	if err != nil {
		s.state.Store(int32(StateFailed))
		s.metrics.Failed(ctx)
		return nil, errs.Stream(op, err, errs.WithMessage("connect"), errs.WithField("stream", s.id))
	}
	s.conn = conn
	s.setState(StateHandshaking)
	if o.verbose {
		o.logger.Info("price stream connected", observability.F("stream", s.id))
	}

	greeting, err := conn.Read(ctx)
	if err != nil {
		return nil, s.abort(ctx, op, err, "read greeting")
	}
	s.logFrame("received", greeting)

	if msg, ok := s.cursor.head(s.opts.clock()); ok {
		if err := s.send(ctx, msg); err != nil {
			return nil, s.abort(ctx, op, err, "send handshake")
		}
	}
	s.setState(StateStreaming)
	s.metrics.Opened(ctx, len(channels))
	return s, nil
}

// ID identifies the stream in logs and errors.
func (s *Stream) ID() string {
	return s.id
}

// URL returns the endpoint the stream is connected to.
func (s *Stream) URL() string {
	return s.url
}

// Channels returns the subscribed channel set.
func (s *Stream) Channels() ChannelSet {
	return s.channels
}

// State returns the current lifecycle state.
func (s *Stream) State() State {
	return State(s.state.Load())
}

// Events returns the price events in network order. The sequence ends without
// an error when ctx is cancelled, the caller stops ranging, or Close is called;
// in every case the connection is closed before the sequence returns. A decode
// or transport failure is yielded once as errs.CodeStream and ends the sequence.
// Events can be ranged over only once.
func (s *Stream) Events(ctx context.Context) iter.Seq2[PriceEvent, error] {
	return func(yield func(PriceEvent, error) bool) {
		const op = "stream.events"
		if !s.consumed.CompareAndSwap(false, true) {
			yield(PriceEvent{}, errs.New(op, errs.CodeInvalid, errs.WithMessage("events already consumed"),
				errs.WithField("stream", s.id)))
			return
		}
		defer s.Close()

		for {
			data, err := s.conn.Read(ctx)
			if err != nil {
				if ctx.Err() != nil || s.State() == StateClosed {
					return
				}
				yield(PriceEvent{}, s.fail(ctx, op, err, "read"))
				return
			}
			s.logFrame("received", data)

			f, err := decodeFrame(data)
			if err != nil {
				yield(PriceEvent{}, s.fail(ctx, op, err, "decode", errs.WithRawMessage(string(data))))
				return
			}
			if f.ack {
				s.metrics.FrameReceived(ctx, telemetry.FrameKindAck)
				s.cursor.ack(f.seq)
			} else {
				s.metrics.FrameReceived(ctx, telemetry.FrameKindPrice)
				if !yield(f.event, nil) {
					return
				}
			}

			if msg, ok := s.cursor.next(); ok {
				if err := s.send(ctx, msg); err != nil {
					if ctx.Err() != nil || s.State() == StateClosed {
						return
					}
					yield(PriceEvent{}, s.fail(ctx, op, err, "send"))
					return
				}
			}

			if s.cursor.keepalive(s.opts.clock()) {
				s.metrics.KeepaliveQueued(ctx)
				if s.opts.verbose {
					s.opts.logger.Info("keepalive queued", observability.F("stream", s.id),
						observability.F("pending", s.cursor.pending()))
				}
			}
		}
	}
}

// Close tears the connection down. It is safe to call more than once and from
// another goroutine than the one ranging over Events.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.setState(StateClosed)
		if s.conn != nil {
			s.closeErr = s.conn.Close()
		}
		if s.opts.verbose {
			s.opts.logger.Info("price stream closed", observability.F("stream", s.id),
				observability.F("state", s.State().String()))
		}
	})
	return s.closeErr
}

func (s *Stream) send(ctx context.Context, msg OutboundMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	s.logFrame("sending", data)
	if err := s.conn.Write(ctx, data); err != nil {
		return err
	}
	s.metrics.MessageSent(ctx, msg.M)
	return nil
}

// setState moves to next unless the stream already reached a terminal state.
func (s *Stream) setState(next State) {
	for {
		cur := s.state.Load()
		if State(cur).Terminal() {
			return
		}
		if s.state.CompareAndSwap(cur, int32(next)) {
			return
		}
	}
}

func (s *Stream) fail(ctx context.Context, op string, cause error, stage string, opts ...errs.Option) error {
	s.setState(StateFailed)
	s.metrics.Failed(ctx)
	_ = s.Close()
	err := errs.Stream(op, cause, append([]errs.Option{
		errs.WithMessage(stage),
		errs.WithField("stream", s.id),
	}, opts...)...)
	s.opts.logger.Error("price stream failed", observability.F("stream", s.id), observability.F("err", err))
	return err
}

// abort ends a stream that never reached Streaming. Cancellation is returned as
// the context error rather than a stream failure.
func (s *Stream) abort(ctx context.Context, op string, cause error, stage string) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		_ = s.Close()
		return errors.Join(ctxErr, cause)
	}
	return s.fail(ctx, op, cause, stage)
}

func (s *Stream) logFrame(direction string, data []byte) {
	if !s.opts.verbose {
		return
	}
	s.opts.logger.Info(direction+" frame", observability.F("stream", s.id), observability.F("frame", data))
}

// Feed is a fully lazy variant of Open followed by Events: nothing is dialled
// until the first value is pulled.
func Feed(ctx context.Context, dialer Dialer, url string, channels ChannelSet, opts ...Option) iter.Seq2[PriceEvent, error] {
	return func(yield func(PriceEvent, error) bool) {
		s, err := Open(ctx, dialer, url, channels, opts...)
		if err != nil {
			if ctx.Err() == nil {
				yield(PriceEvent{}, err)
			}
			return
		}
		for ev, err := range s.Events(ctx) {
			if !yield(ev, err) {
				return
			}
		}
	}
}
