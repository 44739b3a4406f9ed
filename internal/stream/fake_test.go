package stream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/mwclient/internal/observability"
)

// scriptedConn replays inbound frames and records outbound ones. Once the
// script is exhausted Read blocks until ctx is done or the conn is closed.
type scriptedConn struct {
	mu       sync.Mutex
	inbound  chan []byte
	readErr  error
	written  []OutboundMessage
	writeErr error
	closes   int
	closed   chan struct{}
	// onFrame runs after a frame is handed to the reader, with its index.
	onFrame func(i int)
	read    int
}

func newScriptedConn(frames ...string) *scriptedConn {
	c := &scriptedConn{
		inbound: make(chan []byte, len(frames)),
		closed:  make(chan struct{}),
	}
	for _, f := range frames {
		c.inbound <- []byte(f)
	}
	return c
}

func (c *scriptedConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-c.inbound:
		c.mu.Lock()
		i := c.read
		c.read++
		hook := c.onFrame
		c.mu.Unlock()
		if hook != nil {
			hook(i)
		}
		return data, nil
	default:
	}
	c.mu.Lock()
	readErr := c.readErr
	c.mu.Unlock()
	if readErr != nil {
		return nil, readErr
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closed:
		return nil, net.ErrClosed
	}
}

func (c *scriptedConn) Write(_ context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	var msg OutboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("fake conn: %w", err)
	}
	c.written = append(c.written, msg)
	return nil
}

func (c *scriptedConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
	if c.closes == 1 {
		close(c.closed)
	}
	return nil
}

func (c *scriptedConn) sent() []OutboundMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]OutboundMessage(nil), c.written...)
}

func (c *scriptedConn) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

func dialerFor(conn Conn) Dialer {
	return DialerFunc(func(context.Context, string) (Conn, error) {
		return conn, nil
	})
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 14, 30, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type logLine struct {
	level  string
	msg    string
	fields map[string]any
}

type recordingLogger struct {
	mu    sync.Mutex
	lines []logLine
}

func (l *recordingLogger) add(level, msg string, fields []observability.Field) {
	l.mu.Lock()
	defer l.mu.Unlock()
	m := make(map[string]any, len(fields))
	for _, f := range fields {
		m[f.Key] = f.Value
	}
	l.lines = append(l.lines, logLine{level: level, msg: msg, fields: m})
}

func (l *recordingLogger) Debug(msg string, fields ...observability.Field) { l.add("DEBUG", msg, fields) }
func (l *recordingLogger) Info(msg string, fields ...observability.Field)  { l.add("INFO", msg, fields) }
func (l *recordingLogger) Error(msg string, fields ...observability.Field) { l.add("ERROR", msg, fields) }

func (l *recordingLogger) messages() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.lines))
	for _, line := range l.lines {
		out = append(out, line.msg)
	}
	return out
}

func (l *recordingLogger) frames(direction string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for _, line := range l.lines {
		if line.msg == direction+" frame" {
			out = append(out, string(line.fields["frame"].([]byte)))
		}
	}
	return out
}

func collect(t *testing.T, ctx context.Context, s *Stream, n int) ([]PriceEvent, error) {
	t.Helper()
	var events []PriceEvent
	for ev, err := range s.Events(ctx) {
		if err != nil {
			return events, err
		}
		events = append(events, ev)
		if len(events) == n {
			break
		}
	}
	return events, nil
}

var (
	errBoom = errors.New("connection reset by peer")

	_ Conn                 = (*scriptedConn)(nil)
	_ observability.Logger = (*recordingLogger)(nil)
)
