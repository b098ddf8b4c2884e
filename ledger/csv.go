package ledger

import (
	"encoding/csv"
	"io"
	"time"
)

var csvHeader = []string{"id", "answer", "time"}

// WriteCSV writes records as comma-separated rows with a header line.
// Timestamps are RFC 3339; encoding/csv quotes any field that would
// otherwise break the row format.
func WriteCSV(w io.Writer, records []Record) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, r := range records {
		if err := cw.Write([]string{r.ID, r.Answer, r.Time.Format(time.RFC3339)}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
