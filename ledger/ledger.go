// Package ledger keeps the live tally of one answer per remote and exports
// it as an ordered record sequence.
package ledger

import (
	"time"

	"github.com/clickerkit/basepoll/protocol"
)

// Record is one exported row: the remote's identity, its final answer, and
// when that answer was received.
type Record struct {
	ID     string
	Answer string
	Time   time.Time
}

// Ledger holds at most one live record per remote. A later vote from the
// same remote overwrites the earlier answer but keeps the remote's original
// position, so export order is stable by first insertion.
type Ledger struct {
	order   []string
	records map[string]*Record
}

func New() *Ledger {
	return &Ledger{records: make(map[string]*Record)}
}

// Record inserts or overwrites the entry for the vote's remote.
func (l *Ledger) Record(v protocol.Vote, at time.Time) {
	id := v.ID.String()
	if r, ok := l.records[id]; ok {
		r.Answer = v.Answer
		r.Time = at
		return
	}
	l.order = append(l.order, id)
	l.records[id] = &Record{ID: id, Answer: v.Answer, Time: at}
}

// Len returns the number of distinct remotes that have voted.
func (l *Ledger) Len() int {
	return len(l.order)
}

// Export returns the records in first-insertion order. The slice is a copy;
// mutating it does not affect the ledger.
func (l *Ledger) Export() []Record {
	out := make([]Record, 0, len(l.order))
	for _, id := range l.order {
		out = append(out, *l.records[id])
	}
	return out
}

// Distribution counts current answers by symbol. Retractions are excluded,
// matching what the base display shows during an alpha poll.
func (l *Ledger) Distribution() map[string]int {
	counts := make(map[string]int)
	for _, id := range l.order {
		if a := l.records[id].Answer; a != protocol.RetractMark {
			counts[a]++
		}
	}
	return counts
}
