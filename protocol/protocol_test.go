package protocol_test

import (
	"testing"

	"github.com/clickerkit/basepoll/protocol"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	var cases []protocol.Command
	for a := byte('a'); a <= 'h'; a++ {
		for b := byte('a'); b <= 'h'; b++ {
			cases = append(cases, protocol.Command{
				Type: protocol.CmdSetFrequency,
				Freq: protocol.FrequencyCode{A: a, B: b},
			})
		}
	}
	for _, pt := range []protocol.PollType{protocol.PollAlpha, protocol.PollNumeric, protocol.PollAlphanumeric} {
		cases = append(cases, protocol.Command{Type: protocol.CmdSetPollType, Poll: pt})
	}
	cases = append(cases,
		protocol.Command{Type: protocol.CmdStartPoll},
		protocol.Command{Type: protocol.CmdStopPoll},
		protocol.Command{Type: protocol.CmdCommit},
		protocol.Command{Type: protocol.CmdResetBase},
		protocol.Command{Type: protocol.CmdSetProtocolV2},
		protocol.Command{Type: protocol.CmdSetScreenTop, Text: "1:05          12"},
		protocol.Command{Type: protocol.CmdSetScreenBottom, Text: "20 40 0 40 0"},
	)

	for _, c := range cases {
		f, err := protocol.Encode(c)
		require.NoError(t, err, "encode %s", c.Type)
		require.Len(t, f, protocol.FrameLen)

		got, err := protocol.DecodeCommand(f)
		require.NoError(t, err, "decode %s", c.Type)
		assert.Equal(t, c, got)
	}
}

func TestEncodeKnownBytes(t *testing.T) {
	// Byte values from protocol capture: frequency "aa" encodes as 0x21/0x41.
	f, err := protocol.Encode(protocol.Command{
		Type: protocol.CmdSetFrequency,
		Freq: protocol.FrequencyCode{A: 'a', B: 'a'},
	})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x10, 0x21, 0x41}, []byte(f[:4]))

	f, err = protocol.Encode(protocol.Command{Type: protocol.CmdSetPollType, Poll: protocol.PollNumeric})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x19, 0x67, 0x0a, 0x01}, []byte(f[:5]))
}

func TestEncodeInvalidParameter(t *testing.T) {
	cases := []protocol.Command{
		{Type: protocol.CmdSetFrequency, Freq: protocol.FrequencyCode{A: 'z', B: 'a'}},
		{Type: protocol.CmdSetFrequency}, // zero value letters
		{Type: protocol.CmdSetPollType, Poll: protocol.PollType(9)},
		{Type: protocol.CmdSetScreenTop, Text: "seventeen chars!!"},
		{Type: protocol.CmdSetScreenTop, Text: "bad\nbyte"},
		{Type: protocol.CommandType(99)},
	}
	for _, c := range cases {
		_, err := protocol.Encode(c)
		assert.ErrorIs(t, err, protocol.ErrInvalidParameter, "command %+v", c)
	}
}

func TestDecodeCommandErrors(t *testing.T) {
	_, err := protocol.DecodeCommand([]byte{0x01})
	assert.ErrorIs(t, err, protocol.ErrShortFrame)

	unknown := make([]byte, protocol.FrameLen)
	unknown[0], unknown[1] = 0x07, 0x42
	_, err = protocol.DecodeCommand(unknown)
	assert.ErrorIs(t, err, protocol.ErrUnknownFrameType)

	f, err := protocol.Encode(protocol.Command{Type: protocol.CmdStartPoll})
	require.NoError(t, err)
	_, err = protocol.DecodeCommand(f[:10])
	assert.ErrorIs(t, err, protocol.ErrLengthMismatch)
}

func TestParseFrequencyCode(t *testing.T) {
	fc, err := protocol.ParseFrequencyCode("BD")
	require.NoError(t, err)
	assert.Equal(t, protocol.FrequencyCode{A: 'b', B: 'd'}, fc)
	assert.Equal(t, "bd", fc.String())

	for _, bad := range []string{"", "a", "abc", "ai", "z!"} {
		_, err := protocol.ParseFrequencyCode(bad)
		assert.ErrorIs(t, err, protocol.ErrInvalidParameter, "input %q", bad)
	}
}

func TestParsePollType(t *testing.T) {
	for s, want := range map[string]protocol.PollType{
		"alpha":        protocol.PollAlpha,
		"Numeric":      protocol.PollNumeric,
		"alphanumeric": protocol.PollAlphanumeric,
	} {
		got, err := protocol.ParsePollType(s)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := protocol.ParsePollType("essay")
	assert.ErrorIs(t, err, protocol.ErrInvalidParameter)
}

func TestAckNackClassification(t *testing.T) {
	cmd, err := protocol.Encode(protocol.Command{Type: protocol.CmdStartPoll})
	require.NoError(t, err)

	ack := protocol.AckFor(cmd)
	assert.True(t, protocol.IsAck(ack, cmd))
	assert.False(t, protocol.IsNack(ack, cmd))

	nack := make(protocol.Frame, protocol.FrameLen)
	nack[0], nack[1], nack[2] = cmd[0], cmd[1], 0x01
	assert.True(t, protocol.IsNack(nack, cmd))
	assert.False(t, protocol.IsAck(nack, cmd))

	other, err := protocol.Encode(protocol.Command{Type: protocol.CmdStopPoll})
	require.NoError(t, err)
	assert.False(t, protocol.IsAck(ack, other))
}
