// Package protocol implements the frame codec for the iClicker base station.
//
// Every transfer in either direction is a fixed 64-byte packet. Outbound
// command frames start with 0x01 followed by a one-byte command tag; inbound
// report frames start with 0x02. The base acknowledges a command by echoing
// its two-byte prefix followed by 0xaa. Byte values were recovered from USB
// captures of the vendor software.
package protocol

import (
	"errors"
	"fmt"
	"strings"
)

// FrameLen is the size of every packet exchanged with the base station.
const FrameLen = 64

// ReportCellLen is the size of one report cell; a single 64-byte inbound
// transfer can carry two independent cells.
const ReportCellLen = 32

// Decode and encode failure modes.
var (
	ErrInvalidParameter = errors.New("protocol: invalid parameter")
	ErrShortFrame       = errors.New("protocol: short frame")
	ErrUnknownFrameType = errors.New("protocol: unknown frame type")
	ErrLengthMismatch   = errors.New("protocol: frame length mismatch")
	ErrInvalidVoteValue = errors.New("protocol: invalid vote value")
)

// Frame is one fixed-layout packet. Frames produced by this package are
// always FrameLen bytes; frames read off the wire are validated on decode.
type Frame []byte

const (
	commandPrefix = 0x01
	reportPrefix  = 0x02
	ackByte       = 0xaa
)

// CommandType enumerates the outbound command frames the codec can build.
type CommandType uint8

const (
	CmdSetFrequency CommandType = iota
	CmdStartPoll
	CmdStopPoll
	CmdSetScreenTop
	CmdSetScreenBottom
	CmdCommit
	CmdResetBase
	CmdSetPollType
	CmdSetProtocolV2
)

func (t CommandType) String() string {
	switch t {
	case CmdSetFrequency:
		return "SetFrequency"
	case CmdStartPoll:
		return "StartPoll"
	case CmdStopPoll:
		return "StopPoll"
	case CmdSetScreenTop:
		return "SetScreenTop"
	case CmdSetScreenBottom:
		return "SetScreenBottom"
	case CmdCommit:
		return "Commit"
	case CmdResetBase:
		return "ResetBase"
	case CmdSetPollType:
		return "SetPollType"
	case CmdSetProtocolV2:
		return "SetProtocolV2"
	}
	return fmt.Sprintf("CommandType(%d)", uint8(t))
}

// PollType governs which answer symbols the base accepts and how answers are
// rendered on export.
type PollType uint8

const (
	PollAlpha PollType = iota
	PollNumeric
	PollAlphanumeric
)

// ParsePollType maps the CLI spelling of a poll type to its wire value.
func ParsePollType(s string) (PollType, error) {
	switch strings.ToLower(s) {
	case "alpha":
		return PollAlpha, nil
	case "numeric":
		return PollNumeric, nil
	case "alphanumeric":
		return PollAlphanumeric, nil
	}
	return 0, fmt.Errorf("%w: poll type %q", ErrInvalidParameter, s)
}

func (p PollType) String() string {
	switch p {
	case PollAlpha:
		return "alpha"
	case PollNumeric:
		return "numeric"
	case PollAlphanumeric:
		return "alphanumeric"
	}
	return fmt.Sprintf("PollType(%d)", uint8(p))
}

// FrequencyCode is the pair of channel letters the base listens on.
// Each letter is in 'a'..'h'; the pair is always set together.
type FrequencyCode struct {
	A, B byte
}

const (
	freqFirst = 'a'
	freqLast  = 'h'
)

// ParseFrequencyCode validates a two-letter frequency string such as "aa" or
// "bd". Letters are case-insensitive.
func ParseFrequencyCode(s string) (FrequencyCode, error) {
	s = strings.ToLower(s)
	if len(s) != 2 {
		return FrequencyCode{}, fmt.Errorf("%w: frequency %q must be two letters", ErrInvalidParameter, s)
	}
	for i := 0; i < 2; i++ {
		if s[i] < freqFirst || s[i] > freqLast {
			return FrequencyCode{}, fmt.Errorf("%w: frequency letter %q out of range %c-%c", ErrInvalidParameter, s[i], freqFirst, freqLast)
		}
	}
	return FrequencyCode{A: s[0], B: s[1]}, nil
}

func (f FrequencyCode) String() string {
	return string([]byte{f.A, f.B})
}

// Command is the decoded form of an outbound frame: a type plus the
// parameters the type carries. Unused fields are ignored by Encode.
type Command struct {
	Type CommandType
	Freq FrequencyCode // CmdSetFrequency
	Poll PollType      // CmdSetPollType
	Text string        // CmdSetScreenTop / CmdSetScreenBottom
}

// Per-type byte offsets recovered from protocol capture.
const (
	freqBaseA    = 0x21 // byte 2 of SetFrequency is 0x21 + (letter - 'a')
	freqBaseB    = 0x41 // byte 3 of SetFrequency is 0x41 + (letter - 'a')
	pollTypeBase = 0x66 // byte 2 of SetPollType is 0x66 + poll type
	screenWidth  = 16   // the base LCD is two 16-character lines
)

// layout binds a command type to its two-byte tag and its parameter codec.
// enc fills the payload of a zeroed full-length frame; dec is its inverse.
type layout struct {
	tag [2]byte
	enc func(Command, Frame) error
	dec func(Frame, *Command) error
}

var layouts = map[CommandType]layout{
	CmdSetFrequency: {
		tag: [2]byte{commandPrefix, 0x10},
		enc: func(c Command, f Frame) error {
			if c.Freq.A < freqFirst || c.Freq.A > freqLast || c.Freq.B < freqFirst || c.Freq.B > freqLast {
				return fmt.Errorf("%w: frequency %q", ErrInvalidParameter, c.Freq)
			}
			f[2] = freqBaseA + (c.Freq.A - freqFirst)
			f[3] = freqBaseB + (c.Freq.B - freqFirst)
			return nil
		},
		dec: func(f Frame, c *Command) error {
			a, b := f[2]-freqBaseA, f[3]-freqBaseB
			if a > freqLast-freqFirst || b > freqLast-freqFirst {
				return fmt.Errorf("%w: frequency bytes %#02x %#02x", ErrInvalidParameter, f[2], f[3])
			}
			c.Freq = FrequencyCode{A: freqFirst + a, B: freqFirst + b}
			return nil
		},
	},
	CmdStartPoll:     {tag: [2]byte{commandPrefix, 0x11}},
	CmdStopPoll:      {tag: [2]byte{commandPrefix, 0x12}},
	CmdSetScreenTop:  {tag: [2]byte{commandPrefix, 0x13}, enc: encScreen, dec: decScreen},
	CmdSetScreenBottom: {
		tag: [2]byte{commandPrefix, 0x14}, enc: encScreen, dec: decScreen,
	},
	CmdCommit:    {tag: [2]byte{commandPrefix, 0x16}},
	CmdResetBase: {tag: [2]byte{commandPrefix, 0x18}, enc: func(_ Command, f Frame) error { f[2], f[3] = 0x01, 0x00; return nil }},
	CmdSetPollType: {
		tag: [2]byte{commandPrefix, 0x19},
		enc: func(c Command, f Frame) error {
			if c.Poll > PollAlphanumeric {
				return fmt.Errorf("%w: poll type %d", ErrInvalidParameter, c.Poll)
			}
			f[2] = pollTypeBase + byte(c.Poll)
			f[3], f[4] = 0x0a, 0x01
			return nil
		},
		dec: func(f Frame, c *Command) error {
			v := f[2] - pollTypeBase
			if v > byte(PollAlphanumeric) {
				return fmt.Errorf("%w: poll type byte %#02x", ErrInvalidParameter, f[2])
			}
			c.Poll = PollType(v)
			return nil
		},
	},
	CmdSetProtocolV2: {tag: [2]byte{commandPrefix, 0x2d}},
}

func encScreen(c Command, f Frame) error {
	if len(c.Text) > screenWidth {
		return fmt.Errorf("%w: screen text %q exceeds %d characters", ErrInvalidParameter, c.Text, screenWidth)
	}
	for i := 0; i < len(c.Text); i++ {
		if c.Text[i] < 0x20 || c.Text[i] > 0x7e {
			return fmt.Errorf("%w: screen text contains non-printable byte %#02x", ErrInvalidParameter, c.Text[i])
		}
	}
	copy(f[2:], c.Text)
	for i := 2 + len(c.Text); i < 2+screenWidth; i++ {
		f[i] = ' '
	}
	return nil
}

func decScreen(f Frame, c *Command) error {
	c.Text = strings.TrimRight(string(f[2:2+screenWidth]), " ")
	return nil
}

var layoutByTag = func() map[[2]byte]CommandType {
	m := make(map[[2]byte]CommandType, len(layouts))
	for t, l := range layouts {
		m[l.tag] = t
	}
	return m
}()

// Encode builds the full-length frame for a command, validating every
// parameter against its declared domain.
func Encode(c Command) (Frame, error) {
	l, ok := layouts[c.Type]
	if !ok {
		return nil, fmt.Errorf("%w: command type %d", ErrInvalidParameter, c.Type)
	}
	f := make(Frame, FrameLen)
	f[0], f[1] = l.tag[0], l.tag[1]
	if l.enc != nil {
		if err := l.enc(c, f); err != nil {
			return nil, err
		}
	}
	return f, nil
}

// DecodeCommand recovers the command type and parameters from a raw frame.
// It is the inverse of Encode for every valid command.
func DecodeCommand(raw []byte) (Command, error) {
	if len(raw) < 2 {
		return Command{}, fmt.Errorf("%w: %d bytes", ErrShortFrame, len(raw))
	}
	t, ok := layoutByTag[[2]byte{raw[0], raw[1]}]
	if !ok {
		return Command{}, fmt.Errorf("%w: tag %#02x %#02x", ErrUnknownFrameType, raw[0], raw[1])
	}
	if len(raw) != FrameLen {
		return Command{}, fmt.Errorf("%w: %s expects %d bytes, got %d", ErrLengthMismatch, t, FrameLen, len(raw))
	}
	c := Command{Type: t}
	if dec := layouts[t].dec; dec != nil {
		if err := dec(Frame(raw), &c); err != nil {
			return Command{}, err
		}
	}
	return c, nil
}

// Raw pads a captured byte sequence out to a full-length frame. Used for the
// opaque initialization exchanges that have no parameter structure.
func Raw(b []byte) Frame {
	f := make(Frame, FrameLen)
	copy(f, b)
	return f
}

// AckFor returns the report frame the base sends to acknowledge cmd.
func AckFor(cmd Frame) Frame {
	f := make(Frame, FrameLen)
	if len(cmd) >= 2 {
		f[0], f[1] = cmd[0], cmd[1]
	}
	f[2] = ackByte
	return f
}

// IsAck reports whether f acknowledges cmd: the base echoes the command's
// two-byte prefix followed by 0xaa.
func IsAck(f, cmd Frame) bool {
	return len(f) >= 3 && len(cmd) >= 2 && f[0] == cmd[0] && f[1] == cmd[1] && f[2] == ackByte
}

// IsNack reports whether f is a rejection of cmd: the command prefix echoed
// with anything other than the ack byte.
func IsNack(f, cmd Frame) bool {
	return len(f) >= 3 && len(cmd) >= 2 && f[0] == cmd[0] && f[1] == cmd[1] && f[2] != ackByte
}

// Captured command sequences the vendor software sends around a session.
// They elicit no acknowledgement and are written fire-and-forget, with any
// replies drained.
var (
	InitSequenceA = [][]byte{
		{0x01, 0x2a, 0x21, 0x41, 0x05},
		{0x01, 0x12},
		{0x01, 0x15},
		{0x01, 0x16},
	}
	InitSequenceB = [][]byte{
		{0x01, 0x29, 0xa1, 0x8f, 0x96, 0x8d, 0x99, 0x97, 0x8f},
		{0x01, 0x17, 0x04},
		{0x01, 0x17, 0x03},
		{0x01, 0x16},
	}
	PreStartSequence = [][]byte{
		{0x01, 0x17, 0x03},
		{0x01, 0x17, 0x05},
	}
	PostStopSequence = [][]byte{
		{0x01, 0x16},
		{0x01, 0x17, 0x01},
		{0x01, 0x17, 0x03},
		{0x01, 0x17, 0x04},
	}
)
