package session

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/clickerkit/basepoll/ledger"
	"github.com/clickerkit/basepoll/protocol"
)

// ControllerOptions tune the collection loop.
type ControllerOptions struct {
	// Duration is the poll's elapsed-time budget; 0 runs until the context
	// is cancelled.
	Duration time.Duration
	// ReceiveTimeout bounds each blocking read. It is the loop's stop
	// latency: the context and the deadline are only re-checked between
	// reads.
	ReceiveTimeout time.Duration
	// ScreenInterval is how often the base LCD is refreshed.
	ScreenInterval time.Duration
	// Live, when set, gets one line per accepted vote.
	Live io.Writer
}

const (
	defaultReceiveTimeout = 100 * time.Millisecond
	defaultScreenInterval = time.Second
)

// Controller orchestrates one poll run: configure, open, collect until the
// stop signal or the duration expires, then close. Whatever path ends the
// run, the session is closed before Run returns.
type Controller struct {
	sess   *Session
	led    *ledger.Ledger
	logger *slog.Logger
	opts   ControllerOptions
}

func NewController(sess *Session, led *ledger.Ledger, logger *slog.Logger, opts ControllerOptions) *Controller {
	if opts.ReceiveTimeout <= 0 {
		opts.ReceiveTimeout = defaultReceiveTimeout
	}
	if opts.ScreenInterval <= 0 {
		opts.ScreenInterval = defaultScreenInterval
	}
	return &Controller{sess: sess, led: led, logger: logger, opts: opts}
}

// Run executes the whole lifecycle. Cancelling ctx is the operator stop
// signal; it ends collection but still runs the close and returns nil.
// Configuration and start rejections return before any poll is open, so no
// close command is issued for them.
func (c *Controller) Run(ctx context.Context) error {
	if c.opts.Duration < 0 {
		return fmt.Errorf("%w: negative duration", protocol.ErrInvalidParameter)
	}

	if c.opts.Live != nil && c.sess.OnVote == nil {
		c.sess.OnVote = func(v protocol.Vote) {
			fmt.Fprintf(c.opts.Live, "%s: %s\n", v.ID, v.Answer)
		}
	}

	if err := c.sess.Configure(); err != nil {
		c.closeIfFailed()
		return err
	}
	if err := c.sess.Open(); err != nil {
		c.closeIfFailed()
		return err
	}

	start := time.Now()
	var deadline time.Time
	if c.opts.Duration > 0 {
		deadline = start.Add(c.opts.Duration)
	}
	c.logger.Info("poll open",
		"type", c.sess.cfg.PollType.String(),
		"frequency", c.sess.cfg.Frequency.String(),
		"duration", c.opts.Duration)

	runErr := c.collect(ctx, start, deadline)

	if err := c.sess.Close(); err != nil {
		c.logger.Error("closing poll failed", "error", err)
		if runErr == nil {
			runErr = err
		}
	}
	c.logger.Info("poll closed", "remotes", c.led.Len(), "elapsed", time.Since(start).Round(time.Second))
	return runErr
}

// closeIfFailed runs the best-effort close for a session that failed before
// opening. Rejections are not failures: they leave no poll to close.
func (c *Controller) closeIfFailed() {
	if c.sess.State() == StateFailed {
		_ = c.sess.Close()
	}
}

func (c *Controller) collect(ctx context.Context, start, deadline time.Time) error {
	lastScreen := time.Time{}
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("stop requested")
			return nil
		default:
		}
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			c.logger.Info("poll duration elapsed")
			return nil
		}

		if _, err := c.sess.Pump(c.opts.ReceiveTimeout); err != nil {
			return err
		}

		if time.Since(lastScreen) >= c.opts.ScreenInterval {
			c.updateScreen(start)
			lastScreen = time.Now()
		}
	}
}

// updateScreen mirrors what the vendor software shows while a poll is open:
// elapsed time and vote count on the top line, the answer distribution on
// the bottom. Screen writes are best-effort.
func (c *Controller) updateScreen(start time.Time) {
	dist := c.led.Distribution()
	total := 0
	for _, n := range dist {
		total += n
	}

	elapsed := int(time.Since(start).Seconds())
	clock := fmt.Sprintf("%d:%02d", elapsed/60, elapsed%60)
	top := fmt.Sprintf("%s%*d", clock, 16-len(clock), total)
	if err := c.sess.SetScreen(false, top); err != nil {
		c.logger.Debug("screen update failed", "error", err)
		return
	}

	if c.sess.cfg.PollType != protocol.PollAlpha {
		return
	}
	bottom := " 0  0  0  0  0 "
	if total > 0 {
		bottom = fmt.Sprintf("%d %d %d %d %d",
			100*dist["A"]/total,
			100*dist["B"]/total,
			100*dist["C"]/total,
			100*dist["D"]/total,
			100*dist["E"]/total)
	}
	if err := c.sess.SetScreen(true, bottom); err != nil {
		c.logger.Debug("screen update failed", "error", err)
	}
}
