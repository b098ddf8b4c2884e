// Package session drives the base station through one poll lifecycle:
// configure, open, collect, close. It owns the session state and the
// command/acknowledgement discipline; the collection loop itself lives in
// the Controller.
package session

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/clickerkit/basepoll/ledger"
	"github.com/clickerkit/basepoll/protocol"
	"github.com/clickerkit/basepoll/transport"
)

// State is the poll lifecycle position. Failed is terminal.
type State int

const (
	StateIdle State = iota
	StateConfigured
	StateOpen
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConfigured:
		return "configured"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

var (
	// ErrConfigurationRejected means the base declined a configuration
	// command; the session stays idle and may be retried.
	ErrConfigurationRejected = errors.New("session: configuration rejected by base station")
	// ErrStartRejected means the base declined the start-poll command; the
	// session stays configured.
	ErrStartRejected = errors.New("session: poll start rejected by base station")
)

// Config carries the per-session protocol parameters.
type Config struct {
	PollType  protocol.PollType
	Frequency protocol.FrequencyCode

	// AckTimeout bounds the wait for each command acknowledgement.
	AckTimeout time.Duration
	// Retries is the number of retransmissions after an ack timeout before
	// the command escalates to a transport failure.
	Retries int
}

const (
	defaultAckTimeout = 250 * time.Millisecond
	drainTimeout      = 50 * time.Millisecond
	screenMinInterval = 100 * time.Millisecond
)

// Session tracks one poll run against one base station. Not safe for
// concurrent use; the protocol is one conversation at a time.
type Session struct {
	tr     transport.Transport
	led    *ledger.Ledger
	logger *slog.Logger
	cfg    Config

	// OnVote, when set, observes every vote accepted into the ledger.
	OnVote func(protocol.Vote)

	state      State
	opened     bool
	lastScreen [2]time.Time
}

func New(tr transport.Transport, led *ledger.Ledger, cfg Config, logger *slog.Logger) *Session {
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = defaultAckTimeout
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	} else if cfg.Retries == 0 {
		cfg.Retries = 1
	}
	return &Session{tr: tr, led: led, logger: logger, cfg: cfg}
}

func (s *Session) State() State { return s.state }

// Configure moves the session from idle to configured: frequency, protocol
// selection, and poll type, each settled with the base before the next.
// A rejection leaves the session idle.
func (s *Session) Configure() error {
	if s.state != StateIdle {
		return fmt.Errorf("session: cannot configure from state %s", s.state)
	}

	if err := s.writeSequence(protocol.InitSequenceA); err != nil {
		return s.fail(err)
	}
	if err := s.exchange(protocol.Command{Type: protocol.CmdSetFrequency, Freq: s.cfg.Frequency}); err != nil {
		return s.configureErr(err)
	}
	if err := s.exchange(protocol.Command{Type: protocol.CmdCommit}); err != nil {
		return s.configureErr(err)
	}
	if err := s.writeCommand(protocol.Command{Type: protocol.CmdSetProtocolV2}); err != nil {
		return s.fail(err)
	}
	if err := s.writeSequence(protocol.InitSequenceB); err != nil {
		return s.fail(err)
	}
	if err := s.exchange(protocol.Command{Type: protocol.CmdSetPollType, Poll: s.cfg.PollType}); err != nil {
		return s.configureErr(err)
	}

	s.state = StateConfigured
	s.logger.Debug("base station configured",
		"frequency", s.cfg.Frequency.String(),
		"type", s.cfg.PollType.String())
	return nil
}

func (s *Session) configureErr(err error) error {
	if errors.Is(err, errNack) {
		return ErrConfigurationRejected
	}
	return s.fail(err)
}

// Open starts the poll. A rejection leaves the session configured so the
// caller can retry or abort without a close command.
func (s *Session) Open() error {
	if s.state != StateConfigured {
		return fmt.Errorf("session: cannot open from state %s", s.state)
	}
	if err := s.writeSequence(protocol.PreStartSequence); err != nil {
		return s.fail(err)
	}
	if err := s.exchange(protocol.Command{Type: protocol.CmdStartPoll}); err != nil {
		if errors.Is(err, errNack) {
			return ErrStartRejected
		}
		return s.fail(err)
	}
	s.state = StateOpen
	s.opened = true
	return nil
}

// Close ends the poll. Idempotent: closing a closed session is a no-op, and
// a session that never opened sends no stop command. On a failed session
// the close is best-effort and any error is swallowed, since the device may
// already be unreachable.
func (s *Session) Close() error {
	switch s.state {
	case StateClosed:
		return nil
	case StateFailed:
		if s.opened {
			_ = s.tr.Send(protocol.Frame(mustEncode(protocol.Command{Type: protocol.CmdStopPoll})))
		}
		return nil
	case StateOpen:
		if err := s.exchange(protocol.Command{Type: protocol.CmdStopPoll}); err != nil {
			if !errors.Is(err, errNack) {
				return s.fail(err)
			}
			s.logger.Warn("base station rejected stop command")
		}
		if err := s.writeSequence(protocol.PostStopSequence); err != nil {
			return s.fail(err)
		}
		s.state = StateClosed
		return nil
	default: // idle or configured: nothing was started
		s.state = StateClosed
		return nil
	}
}

// Pump performs one bounded receive and routes any votes to the ledger.
// Returns the number of votes recorded; a timeout is the normal idle
// outcome and returns (0, nil).
func (s *Session) Pump(timeout time.Duration) (int, error) {
	f, err := s.tr.Receive(timeout)
	if err != nil {
		if errors.Is(err, transport.ErrTimeout) {
			return 0, nil
		}
		return 0, s.fail(err)
	}
	return s.routeVotes(f), nil
}

// SetScreen writes one 16-character line to the base LCD. Writes are rate
// limited per line; a call landing inside the minimum interval is silently
// skipped, because rapid updates corrupt the display.
func (s *Session) SetScreen(bottom bool, text string) error {
	line := 0
	t := protocol.CmdSetScreenTop
	if bottom {
		line = 1
		t = protocol.CmdSetScreenBottom
	}
	if time.Since(s.lastScreen[line]) < screenMinInterval {
		return nil
	}
	if err := s.writeCommand(protocol.Command{Type: t, Text: text}); err != nil {
		return err
	}
	s.lastScreen[line] = time.Now()
	return nil
}

// errNack distinguishes a device rejection from a transport fault inside
// exchange; callers map it to the transition-specific error.
var errNack = errors.New("session: command nacked")

// exchange sends one command and waits for its acknowledgement. Votes that
// arrive ahead of the ack are routed to the ledger, not mistaken for it.
// One retransmission per ack timeout, then the command escalates to a
// transport failure.
func (s *Session) exchange(c protocol.Command) error {
	f, err := protocol.Encode(c)
	if err != nil {
		return err
	}

	for attempt := 0; attempt <= s.cfg.Retries; attempt++ {
		if attempt > 0 {
			s.logger.Debug("retransmitting command", "command", c.Type.String())
		}
		if err := s.tr.Send(f); err != nil {
			return err
		}

		deadline := time.Now().Add(s.cfg.AckTimeout)
		for {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				break
			}
			r, err := s.tr.Receive(remaining)
			if err != nil {
				if errors.Is(err, transport.ErrTimeout) {
					break
				}
				return err
			}
			// A single transfer can pack a vote cell next to the ack echo,
			// so votes are routed before the frame is classified.
			if protocol.IsVoteReport(r) {
				s.routeVotes(r)
			}
			switch {
			case protocol.IsAck(r, f):
				return nil
			case protocol.IsNack(r, f):
				return fmt.Errorf("%w: %s", errNack, c.Type)
			case protocol.IsVoteReport(r):
			default:
				if len(r) >= 2 {
					s.logger.Debug("unexpected report while awaiting ack",
						"command", c.Type.String(), "tag", fmt.Sprintf("%#02x %#02x", r[0], r[1]))
				}
			}
		}
	}
	return &transport.Error{Op: "ack " + c.Type.String(), Err: transport.ErrTimeout}
}

// writeCommand sends a command that elicits no acknowledgement.
func (s *Session) writeCommand(c protocol.Command) error {
	f, err := protocol.Encode(c)
	if err != nil {
		return err
	}
	return s.tr.Send(f)
}

// writeSequence replays a captured fire-and-forget command sequence,
// draining (and vote-routing) whatever the base emits after each frame.
func (s *Session) writeSequence(seq [][]byte) error {
	for _, raw := range seq {
		if err := s.tr.Send(protocol.Raw(raw)); err != nil {
			return err
		}
		for {
			r, err := s.tr.Receive(drainTimeout)
			if err != nil {
				if errors.Is(err, transport.ErrTimeout) {
					break
				}
				return err
			}
			s.routeVotes(r)
		}
	}
	return nil
}

func (s *Session) routeVotes(f protocol.Frame) int {
	n := 0
	for _, cell := range protocol.VoteCells(f) {
		v, err := protocol.DecodeVote(cell, s.cfg.PollType)
		if err != nil {
			s.logger.Warn("dropping undecodable vote", "error", err)
			continue
		}
		s.led.Record(v, time.Now())
		if s.OnVote != nil {
			s.OnVote(v)
		}
		n++
	}
	return n
}

func (s *Session) fail(err error) error {
	s.state = StateFailed
	return err
}

func mustEncode(c protocol.Command) protocol.Frame {
	f, err := protocol.Encode(c)
	if err != nil {
		panic(err)
	}
	return f
}
