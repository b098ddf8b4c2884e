package session_test

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/clickerkit/basepoll/ledger"
	"github.com/clickerkit/basepoll/protocol"
	"github.com/clickerkit/basepoll/session"
	"github.com/clickerkit/basepoll/transport"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestController(t *testing.T, lb *transport.Loopback, opts session.ControllerOptions) (*session.Controller, *session.Session, *ledger.Ledger) {
	t.Helper()
	led := ledger.New()
	sess := session.New(lb, led, session.Config{
		PollType:   protocol.PollAlpha,
		Frequency:  protocol.FrequencyCode{A: 'a', B: 'a'},
		AckTimeout: 30 * time.Millisecond,
	}, testLogger())
	if opts.ReceiveTimeout == 0 {
		opts.ReceiveTimeout = 10 * time.Millisecond
	}
	return session.NewController(sess, led, testLogger(), opts), sess, led
}

func TestRunStopSignalScenario(t *testing.T) {
	// R1 votes A, R2 votes B, R1 changes to C; the operator stops the poll.
	lb := transport.NewLoopback()
	lb.Respond(func(f protocol.Frame) []protocol.Frame {
		if f[0] == 0x01 && f[1] == 0x11 { // StartPoll
			return []protocol.Frame{
				protocol.VoteFrame([3]byte{1, 1, 1}, 0x81, 1),
				protocol.VoteFrame([3]byte{2, 2, 2}, 0x82, 1),
				protocol.VoteFrame([3]byte{1, 1, 1}, 0x83, 2),
				protocol.AckFor(f),
			}
		}
		return []protocol.Frame{protocol.AckFor(f)}
	})
	ctrl, sess, led := newTestController(t, lb, session.ControllerOptions{})

	// The stop signal is already raised: collection ends on its first check,
	// after the votes arrived during the open exchange.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, ctrl.Run(ctx))
	assert.Equal(t, session.StateClosed, sess.State())

	out := led.Export()
	require.Len(t, out, 2)
	assert.Equal(t, protocol.RemoteIDFromBytes([3]byte{1, 1, 1}).String(), out[0].ID)
	assert.Equal(t, "C", out[0].Answer, "last answer wins")
	assert.Equal(t, protocol.RemoteIDFromBytes([3]byte{2, 2, 2}).String(), out[1].ID)
	assert.Equal(t, "B", out[1].Answer)

	assert.Equal(t, 2, countCommands(lb.Sent(), 0x12), "poll stopped (one StopPoll beyond the init sequence's)")
}

func TestRunDurationExpiry(t *testing.T) {
	lb := transport.NewLoopback()
	ctrl, sess, led := newTestController(t, lb, session.ControllerOptions{
		Duration: 60 * time.Millisecond,
	})

	start := time.Now()
	require.NoError(t, ctrl.Run(context.Background()))
	assert.Equal(t, session.StateClosed, sess.State())
	assert.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)

	// No votes arrived: the export is empty and serializes to a header-only
	// file.
	assert.Zero(t, led.Len())
	var buf bytes.Buffer
	require.NoError(t, ledger.WriteCSV(&buf, led.Export()))
	assert.Equal(t, "id,answer,time\n", buf.String())
}

func TestRunStartRejected(t *testing.T) {
	lb := transport.NewLoopback()
	lb.Respond(func(f protocol.Frame) []protocol.Frame {
		if f[0] == 0x01 && f[1] == 0x11 {
			return []protocol.Frame{nackFor(f)}
		}
		return []protocol.Frame{protocol.AckFor(f)}
	})
	ctrl, sess, _ := newTestController(t, lb, session.ControllerOptions{})

	err := ctrl.Run(context.Background())
	assert.ErrorIs(t, err, session.ErrStartRejected)
	assert.Equal(t, session.StateConfigured, sess.State())

	// The session never opened, so no stop command went out beyond the
	// captured init sequence's.
	assert.Equal(t, 1, countCommands(lb.Sent(), 0x12))
}

func TestRunTransportFailure(t *testing.T) {
	lb := transport.NewLoopback()
	lb.Respond(func(f protocol.Frame) []protocol.Frame {
		if f[0] == 0x01 && f[1] == 0x13 { // first screen update
			lb.FailReceives(io.ErrUnexpectedEOF)
		}
		return []protocol.Frame{protocol.AckFor(f)}
	})
	ctrl, sess, _ := newTestController(t, lb, session.ControllerOptions{})

	err := ctrl.Run(context.Background())
	require.Error(t, err)
	assert.NotErrorIs(t, err, transport.ErrTimeout)
	assert.Equal(t, session.StateFailed, sess.State(), "unrecovered transport fault is terminal")
}

func TestRunNegativeDuration(t *testing.T) {
	lb := transport.NewLoopback()
	ctrl, _, _ := newTestController(t, lb, session.ControllerOptions{Duration: -time.Second})

	err := ctrl.Run(context.Background())
	assert.ErrorIs(t, err, protocol.ErrInvalidParameter)
	assert.Empty(t, lb.Sent(), "rejected before any device traffic")
}

func TestRunLiveOutput(t *testing.T) {
	lb := transport.NewLoopback()
	lb.Respond(func(f protocol.Frame) []protocol.Frame {
		if f[0] == 0x01 && f[1] == 0x11 {
			return []protocol.Frame{
				protocol.VoteFrame([3]byte{1, 1, 1}, 0x81, 1),
				protocol.AckFor(f),
			}
		}
		return []protocol.Frame{protocol.AckFor(f)}
	})
	var live bytes.Buffer
	ctrl, _, _ := newTestController(t, lb, session.ControllerOptions{Live: &live})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, ctrl.Run(ctx))

	id := protocol.RemoteIDFromBytes([3]byte{1, 1, 1}).String()
	assert.Equal(t, id+": A\n", live.String())
}
