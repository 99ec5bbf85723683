// Package supervisor keeps a broker session and its consumer loop running,
// reconnecting after a fixed delay whenever either fails.
package supervisor

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/austindbirch/hookdispatch/internal/broker"
	"github.com/austindbirch/hookdispatch/internal/logging"
	"github.com/austindbirch/hookdispatch/internal/metrics"
	"github.com/austindbirch/hookdispatch/internal/shutdown"
)

// DefaultRestartDelay is the wait between a failed session and the next attempt.
const DefaultRestartDelay = 5 * time.Second

// Runner consumes one session. It returns nil only after a requested stop.
type Runner interface {
	Run(ctx context.Context, sess broker.Session, stop *shutdown.Listener) error
}

type Supervisor struct {
	connector broker.Connector
	runner    Runner
	coord     *shutdown.Coordinator
	backoff   backoff.BackOff
	logger    *logging.Logger

	connected atomic.Bool
}

func New(connector broker.Connector, runner Runner, coord *shutdown.Coordinator, delay time.Duration, logger *logging.Logger) *Supervisor {
	if delay <= 0 {
		delay = DefaultRestartDelay
	}
	if logger == nil {
		logger = logging.New("hookdispatch")
	}
	return &Supervisor{
		connector: connector,
		runner:    runner,
		coord:     coord,
		backoff:   backoff.NewConstantBackOff(delay),
		logger:    logger,
	}
}

// Connected reports whether a session is currently open.
func (s *Supervisor) Connected() bool {
	return s.connected.Load()
}

// Run blocks until shutdown is requested or ctx is cancelled. Failures of
// the session are logged and retried; Run itself only returns nil.
func (s *Supervisor) Run(ctx context.Context) error {
	stop := s.coord.Subscribe()
	for {
		if stop.Requested() || ctx.Err() != nil {
			return nil
		}

		err := s.session(ctx)
		if err == nil {
			s.logger.Plain().Info("consumer stopped")
			return nil
		}
		// Shutdown takes precedence over whatever broke while it was pending.
		if stop.Requested() {
			s.logger.Plain().WithError(err).Info("session ended during shutdown")
			return nil
		}

		metrics.RecordRestart()
		delay := s.backoff.NextBackOff()
		s.logger.Plain().WithError(err).WithField("retry_in", delay.String()).Error("session failed, restarting")

		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-stop.Done():
			t.Stop()
			return nil
		case <-ctx.Done():
			t.Stop()
			return nil
		}
	}
}

func (s *Supervisor) session(ctx context.Context) error {
	// Connecting is abandoned on shutdown; consuming drains on its own.
	connectCtx, cancel := s.coord.Context(ctx)
	sess, err := s.connector.Connect(connectCtx)
	cancel()
	if err != nil {
		return err
	}

	s.connected.Store(true)
	s.logger.Plain().Info("broker session established")
	defer func() {
		s.connected.Store(false)
		if cerr := sess.Close(); cerr != nil {
			s.logger.Plain().WithError(cerr).Warn("closing broker session")
		}
	}()

	return s.runner.Run(ctx, sess, s.coord.Subscribe())
}
