package transport

import (
	"sync"
	"time"

	"github.com/clickerkit/basepoll/protocol"
)

// Loopback is an in-memory Transport backed by a scripted peer. Tests use it
// to stand in for the base station: every frame sent to it is recorded and
// handed to a respond function whose returned frames become available to
// Receive, alongside anything queued directly with QueueReport.
type Loopback struct {
	mu       sync.Mutex
	incoming chan protocol.Frame
	sent     []protocol.Frame
	respond  func(protocol.Frame) []protocol.Frame
	sendErr  error
	recvErr  error
	closed   bool
}

// NewLoopback returns a loopback whose peer acknowledges every command, the
// way a healthy base station does. Use Respond to script other behavior.
func NewLoopback() *Loopback {
	l := &Loopback{incoming: make(chan protocol.Frame, 256)}
	l.respond = func(f protocol.Frame) []protocol.Frame {
		return []protocol.Frame{protocol.AckFor(f)}
	}
	return l
}

// Respond replaces the scripted peer. fn receives each sent frame and
// returns the frames the peer emits in reply; returning nil means silence.
func (l *Loopback) Respond(fn func(protocol.Frame) []protocol.Frame) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.respond = fn
}

// QueueReport makes a frame available to the next Receive, independent of
// any command traffic. Used to inject asynchronous vote reports.
func (l *Loopback) QueueReport(f protocol.Frame) {
	l.incoming <- f
}

// FailSends makes every subsequent Send return a transport error.
func (l *Loopback) FailSends(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sendErr = err
}

// FailReceives makes every subsequent Receive return a transport error.
func (l *Loopback) FailReceives(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.recvErr = err
}

// Sent returns a copy of every frame written so far, in order.
func (l *Loopback) Sent() []protocol.Frame {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]protocol.Frame, len(l.sent))
	copy(out, l.sent)
	return out
}

// Closed reports whether Close has been called.
func (l *Loopback) Closed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func (l *Loopback) Send(f protocol.Frame) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return &Error{Op: "send", Err: ErrClosed}
	}
	if l.sendErr != nil {
		err := l.sendErr
		l.mu.Unlock()
		return &Error{Op: "send", Err: err}
	}
	l.sent = append(l.sent, f)
	respond := l.respond
	l.mu.Unlock()

	if respond != nil {
		for _, r := range respond(f) {
			l.incoming <- r
		}
	}
	return nil
}

func (l *Loopback) Receive(timeout time.Duration) (protocol.Frame, error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, &Error{Op: "receive", Err: ErrClosed}
	}
	if l.recvErr != nil {
		err := l.recvErr
		l.mu.Unlock()
		return nil, &Error{Op: "receive", Err: err}
	}
	l.mu.Unlock()

	select {
	case f := <-l.incoming:
		return f, nil
	case <-time.After(timeout):
		return nil, ErrTimeout
	}
}

func (l *Loopback) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}
