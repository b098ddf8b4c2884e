package session_test

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/clickerkit/basepoll/ledger"
	"github.com/clickerkit/basepoll/protocol"
	"github.com/clickerkit/basepoll/session"
	"github.com/clickerkit/basepoll/transport"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestSession(t *testing.T) (*session.Session, *transport.Loopback, *ledger.Ledger) {
	t.Helper()
	lb := transport.NewLoopback()
	led := ledger.New()
	sess := session.New(lb, led, session.Config{
		PollType:   protocol.PollAlpha,
		Frequency:  protocol.FrequencyCode{A: 'a', B: 'a'},
		AckTimeout: 30 * time.Millisecond,
	}, testLogger())
	return sess, lb, led
}

// countCommands counts sent frames with the given command tag byte.
func countCommands(frames []protocol.Frame, tag byte) int {
	n := 0
	for _, f := range frames {
		if len(f) >= 2 && f[0] == 0x01 && f[1] == tag {
			n++
		}
	}
	return n
}

// nackFor builds a rejection report for a command frame.
func nackFor(cmd protocol.Frame) protocol.Frame {
	f := make(protocol.Frame, protocol.FrameLen)
	f[0], f[1], f[2] = cmd[0], cmd[1], 0x01
	return f
}

func TestConfigureHappyPath(t *testing.T) {
	sess, lb, _ := newTestSession(t)

	require.NoError(t, sess.Configure())
	assert.Equal(t, session.StateConfigured, sess.State())

	sent := lb.Sent()
	assert.Equal(t, 1, countCommands(sent, 0x10), "one SetFrequency")
	assert.Equal(t, 1, countCommands(sent, 0x19), "one SetPollType")
	assert.Equal(t, 1, countCommands(sent, 0x2d), "one SetProtocolV2")

	// The frequency frame carries the capture-derived channel bytes for "aa".
	for _, f := range sent {
		if f[1] == 0x10 {
			assert.Equal(t, []byte{0x01, 0x10, 0x21, 0x41}, []byte(f[:4]))
		}
	}
}

func TestConfigureRejected(t *testing.T) {
	sess, lb, _ := newTestSession(t)
	lb.Respond(func(f protocol.Frame) []protocol.Frame {
		if f[0] == 0x01 && f[1] == 0x10 { // SetFrequency
			return []protocol.Frame{nackFor(f)}
		}
		return []protocol.Frame{protocol.AckFor(f)}
	})

	err := sess.Configure()
	assert.ErrorIs(t, err, session.ErrConfigurationRejected)
	assert.Equal(t, session.StateIdle, sess.State())
}

func TestStartRejectedIssuesNoClose(t *testing.T) {
	sess, lb, _ := newTestSession(t)
	lb.Respond(func(f protocol.Frame) []protocol.Frame {
		if f[0] == 0x01 && f[1] == 0x11 { // StartPoll
			return []protocol.Frame{nackFor(f)}
		}
		return []protocol.Frame{protocol.AckFor(f)}
	})

	require.NoError(t, sess.Configure())
	err := sess.Open()
	assert.ErrorIs(t, err, session.ErrStartRejected)
	assert.Equal(t, session.StateConfigured, sess.State())

	before := len(lb.Sent())
	require.NoError(t, sess.Close())
	assert.Equal(t, session.StateClosed, sess.State())
	assert.Len(t, lb.Sent(), before, "close of a never-opened session sends nothing")
}

func TestVoteInterleavedBeforeAck(t *testing.T) {
	sess, lb, led := newTestSession(t)
	lb.Respond(func(f protocol.Frame) []protocol.Frame {
		if f[0] == 0x01 && f[1] == 0x11 { // StartPoll
			return []protocol.Frame{
				protocol.VoteFrame([3]byte{9, 9, 9}, 0x83, 1),
				protocol.AckFor(f),
			}
		}
		return []protocol.Frame{protocol.AckFor(f)}
	})

	require.NoError(t, sess.Configure())
	require.NoError(t, sess.Open())
	assert.Equal(t, session.StateOpen, sess.State())

	require.Equal(t, 1, led.Len(), "vote ahead of the ack lands in the ledger")
	assert.Equal(t, "C", led.Export()[0].Answer)
}

func TestVotePackedWithAck(t *testing.T) {
	sess, lb, led := newTestSession(t)
	lb.Respond(func(f protocol.Frame) []protocol.Frame {
		if f[0] == 0x01 && f[1] == 0x11 { // StartPoll
			// One transfer: ack echo in the first cell, a vote in the second.
			r := protocol.AckFor(f)
			copy(r[protocol.ReportCellLen:], protocol.VoteFrame([3]byte{5, 5, 5}, 0x84, 1)[:protocol.ReportCellLen])
			return []protocol.Frame{r}
		}
		return []protocol.Frame{protocol.AckFor(f)}
	})

	require.NoError(t, sess.Configure())
	require.NoError(t, sess.Open())
	assert.Equal(t, session.StateOpen, sess.State())

	assert.Equal(t, 1, countCommands(lb.Sent(), 0x11), "ack recognized, no retransmission")
	require.Equal(t, 1, led.Len(), "vote sharing the transfer still lands")
	assert.Equal(t, "D", led.Export()[0].Answer)
}

func TestInvalidVoteDropped(t *testing.T) {
	sess, lb, led := newTestSession(t)
	require.NoError(t, sess.Configure())
	require.NoError(t, sess.Open())

	lb.QueueReport(protocol.VoteFrame([3]byte{1, 1, 1}, 0x81, 1))
	n, err := sess.Pump(50 * time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// A digit answer is outside the alpha symbol set: dropped, ledger
	// untouched.
	lb.QueueReport(protocol.VoteFrame([3]byte{2, 2, 2}, '5', 1))
	n, err = sess.Pump(50 * time.Millisecond)
	require.NoError(t, err)
	assert.Zero(t, n)

	require.Equal(t, 1, led.Len())
	assert.Equal(t, "A", led.Export()[0].Answer)
}

func TestPumpTimeoutIsNotAnError(t *testing.T) {
	sess, lb, _ := newTestSession(t)
	lb.Respond(func(protocol.Frame) []protocol.Frame { return nil })

	n, err := sess.Pump(5 * time.Millisecond)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, session.StateIdle, sess.State())
}

func TestAckTimeoutRetransmitsThenFails(t *testing.T) {
	sess, lb, _ := newTestSession(t)
	lb.Respond(func(f protocol.Frame) []protocol.Frame {
		if f[0] == 0x01 && f[1] == 0x19 { // SetPollType: never acked
			return nil
		}
		return []protocol.Frame{protocol.AckFor(f)}
	})

	err := sess.Configure()
	require.Error(t, err)
	assert.ErrorIs(t, err, transport.ErrTimeout)
	assert.Equal(t, session.StateFailed, sess.State())
	assert.Equal(t, 2, countCommands(lb.Sent(), 0x19), "one retransmission after the first ack timeout")
}

func TestCloseIdempotent(t *testing.T) {
	sess, lb, _ := newTestSession(t)
	require.NoError(t, sess.Configure())
	require.NoError(t, sess.Open())

	afterOpen := len(lb.Sent())
	require.NoError(t, sess.Close())
	assert.Equal(t, session.StateClosed, sess.State())
	closeFrames := lb.Sent()[afterOpen:]
	assert.Equal(t, 1, countCommands(closeFrames, 0x12), "exactly one StopPoll")

	// Closing again is a no-op.
	afterClose := len(lb.Sent())
	require.NoError(t, sess.Close())
	assert.Len(t, lb.Sent(), afterClose)
}

func TestTransportFailureDuringPump(t *testing.T) {
	sess, lb, _ := newTestSession(t)
	require.NoError(t, sess.Configure())
	require.NoError(t, sess.Open())

	lb.FailReceives(io.ErrUnexpectedEOF)
	_, err := sess.Pump(10 * time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, session.StateFailed, sess.State())

	// Best-effort close on a failed session never errors.
	assert.NoError(t, sess.Close())
}
