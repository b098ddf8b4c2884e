package cmd

import (
	"errors"
	"log/slog"
	"time"

	"github.com/clickerkit/basepoll/internal/log"
	"github.com/clickerkit/basepoll/protocol"
	"github.com/clickerkit/basepoll/transport"
)

// Reset sends the base-reset command and exits. Useful when a crashed run
// left the base mid-poll.
type Reset struct{}

func (r *Reset) Run(logger *slog.Logger, raw log.RawLogger) error {
	tr, err := transport.Open(logger, raw)
	if err != nil {
		return err
	}
	defer func() { _ = tr.Close() }()

	f, err := protocol.Encode(protocol.Command{Type: protocol.CmdResetBase})
	if err != nil {
		return err
	}
	if err := tr.Send(f); err != nil {
		return err
	}
	// Drain whatever the base emits while it restarts.
	for {
		if _, err := tr.Receive(200 * time.Millisecond); err != nil {
			if errors.Is(err, transport.ErrTimeout) {
				break
			}
			return err
		}
	}
	logger.Info("base station reset")
	return nil
}
