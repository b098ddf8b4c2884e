package protocol

import (
	"fmt"
)

// Vote report cell layout: 02 13 <answer> <id0 id1 id2> <seq>.
const (
	voteTag     = 0x13
	voteMinLen  = 7
	alphaBase   = 0x81 // answer byte for 'A'; subsequent letters follow
	alphaLast   = 0x86 // 'F', which remotes send to retract an answer
	digitFirst  = '0'
	digitLast   = '9'
	RetractMark = "F"
)

// RemoteID identifies one physical remote. The wire carries three bytes; the
// fourth is their xor, appended so the rendered identity matches the eight
// hex digits printed on the remote's label.
type RemoteID [4]byte

// RemoteIDFromBytes builds a RemoteID from the three identity bytes of a
// vote cell.
func RemoteIDFromBytes(b [3]byte) RemoteID {
	return RemoteID{b[0], b[1], b[2], b[0] ^ b[1] ^ b[2]}
}

func (id RemoteID) String() string {
	return fmt.Sprintf("%02X%02X%02X%02X", id[0], id[1], id[2], id[3])
}

// Vote is one decoded remote transmission.
type Vote struct {
	ID     RemoteID
	Answer string
	Seq    uint8
}

// IsVoteReport reports whether f carries at least one vote cell.
func IsVoteReport(f Frame) bool {
	return len(VoteCells(f)) > 0
}

// VoteCells splits an inbound report frame into its vote-tagged cells. A
// 64-byte transfer can carry two 32-byte cells; cells without the vote tag
// (status chatter, ack echoes) are skipped.
func VoteCells(f Frame) [][]byte {
	var cells [][]byte
	for off := 0; off+voteMinLen <= len(f); off += ReportCellLen {
		if f[off] == reportPrefix && f[off+1] == voteTag {
			end := off + ReportCellLen
			if end > len(f) {
				end = len(f)
			}
			cells = append(cells, f[off:end])
		}
	}
	return cells
}

// DecodeVote decodes one vote cell under the active poll type. An answer
// byte outside the poll type's symbol set is an ErrInvalidVoteValue; the
// caller drops the single vote and carries on.
func DecodeVote(cell []byte, pt PollType) (Vote, error) {
	if len(cell) < voteMinLen {
		return Vote{}, fmt.Errorf("%w: vote cell %d bytes", ErrShortFrame, len(cell))
	}
	if cell[0] != reportPrefix || cell[1] != voteTag {
		return Vote{}, fmt.Errorf("%w: tag %#02x %#02x", ErrUnknownFrameType, cell[0], cell[1])
	}
	answer, err := decodeAnswer(cell[2], pt)
	if err != nil {
		return Vote{}, err
	}
	return Vote{
		ID:     RemoteIDFromBytes([3]byte{cell[3], cell[4], cell[5]}),
		Answer: answer,
		Seq:    cell[6],
	}, nil
}

// decodeAnswer maps the raw answer byte to its display symbol and checks it
// against the poll type's symbol set. Letters arrive offset from alphaBase;
// digits arrive as plain ASCII.
func decodeAnswer(b byte, pt PollType) (string, error) {
	var sym string
	var letter bool
	switch {
	case b >= alphaBase && b <= alphaLast:
		sym, letter = string('A'+rune(b-alphaBase)), true
	case b >= digitFirst && b <= digitLast:
		sym = string(rune(b))
	default:
		return "", fmt.Errorf("%w: answer byte %#02x", ErrInvalidVoteValue, b)
	}
	switch pt {
	case PollAlpha:
		if !letter {
			return "", fmt.Errorf("%w: %q in an alpha poll", ErrInvalidVoteValue, sym)
		}
	case PollNumeric:
		if letter {
			return "", fmt.Errorf("%w: %q in a numeric poll", ErrInvalidVoteValue, sym)
		}
	case PollAlphanumeric:
	default:
		return "", fmt.Errorf("%w: poll type %d", ErrInvalidParameter, pt)
	}
	return sym, nil
}

// VoteFrame builds a report frame carrying a single vote cell. The inverse
// of DecodeVote, used by loopback tests and the protocol round-trip checks.
func VoteFrame(id [3]byte, answer byte, seq uint8) Frame {
	f := make(Frame, FrameLen)
	f[0], f[1] = reportPrefix, voteTag
	f[2] = answer
	f[3], f[4], f[5] = id[0], id[1], id[2]
	f[6] = seq
	return f
}
