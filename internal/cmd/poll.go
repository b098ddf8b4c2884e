package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/clickerkit/basepoll/internal/log"
	"github.com/clickerkit/basepoll/ledger"
	"github.com/clickerkit/basepoll/protocol"
	"github.com/clickerkit/basepoll/session"
	"github.com/clickerkit/basepoll/transport"
)

// Poll runs one voting session: configure the base, collect votes until the
// duration elapses or the operator interrupts, then export the tally.
type Poll struct {
	Type      string        `help:"Poll type" enum:"alpha,numeric,alphanumeric" default:"alpha" env:"BASEPOLL_TYPE"`
	Duration  time.Duration `help:"Poll duration (e.g. 10m30s); 0 runs until interrupted" default:"0s" env:"BASEPOLL_DURATION"`
	Dest      string        `help:"CSV file to write the results to" env:"BASEPOLL_DEST"`
	Frequency string        `help:"Two base-station frequency letters (a-h), e.g. 'aa' or 'bd'" default:"aa" env:"BASEPOLL_FREQUENCY"`

	AckTimeout     time.Duration `help:"Per-command acknowledgement timeout" default:"250ms" env:"BASEPOLL_ACK_TIMEOUT"`
	ReceiveTimeout time.Duration `help:"Receive-loop timeout; bounds stop latency" default:"100ms" env:"BASEPOLL_RECEIVE_TIMEOUT"`
}

// Run is called by kong when the poll command is executed.
func (p *Poll) Run(logger *slog.Logger, raw log.RawLogger) error {
	pollType, err := protocol.ParsePollType(p.Type)
	if err != nil {
		return err
	}
	freq, err := protocol.ParseFrequencyCode(p.Frequency)
	if err != nil {
		return err
	}
	if p.Duration < 0 {
		return fmt.Errorf("%w: negative duration", protocol.ErrInvalidParameter)
	}

	logger.Info("searching for base station")
	tr, err := transport.Open(logger, raw)
	if err != nil {
		return err
	}
	defer func() { _ = tr.Close() }()

	// The operator interrupt becomes the stop signal; cleanup always runs.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	led := ledger.New()
	sess := session.New(tr, led, session.Config{
		PollType:   pollType,
		Frequency:  freq,
		AckTimeout: p.AckTimeout,
	}, logger)

	var live io.Writer
	if term.IsTerminal(int(os.Stdout.Fd())) {
		live = os.Stdout
	}

	ctrl := session.NewController(sess, led, logger, session.ControllerOptions{
		Duration:       p.Duration,
		ReceiveTimeout: p.ReceiveTimeout,
		Live:           live,
	})

	runErr := ctrl.Run(ctx)
	if runErr != nil && !isRejection(runErr) {
		logger.Error("poll session failed", "error", runErr)
	}

	// Whatever ended the run, flush what was collected.
	if p.Dest != "" && (runErr == nil || led.Len() > 0) {
		if werr := writeResults(p.Dest, led); werr != nil {
			logger.Error("writing results failed", "file", p.Dest, "error", werr)
			if runErr == nil {
				runErr = werr
			}
		} else {
			logger.Info("results written", "file", p.Dest, "remotes", led.Len())
		}
	}
	return runErr
}

// isRejection reports whether the error is a device decline rather than an
// I/O fault, so it is not double-logged as a failure.
func isRejection(err error) bool {
	return errors.Is(err, session.ErrConfigurationRejected) || errors.Is(err, session.ErrStartRejected)
}

func writeResults(path string, led *ledger.Ledger) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := ledger.WriteCSV(f, led.Export()); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
