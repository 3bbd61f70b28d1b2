// Package conn tracks the health of a remote dependency so callers can wait
// for it instead of each re-checking and re-dialing on their own.
package conn

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"syscall"
	"time"

	"judgeflow/pkg/utils/logger"

	"go.uber.org/zap"
)

// PingFunc checks the dependency once. A nil error means it is usable.
type PingFunc func(ctx context.Context) error

// Config controls how often the dependency is checked.
type Config struct {
	CheckInterval time.Duration `yaml:"checkInterval"`
	CheckTimeout  time.Duration `yaml:"checkTimeout"`
	MinBackoff    time.Duration `yaml:"minBackoff"`
	MaxBackoff    time.Duration `yaml:"maxBackoff"`
}

func (c *Config) setDefaults() {
	if c.CheckInterval <= 0 {
		c.CheckInterval = 15 * time.Second
	}
	if c.CheckTimeout <= 0 {
		c.CheckTimeout = 3 * time.Second
	}
	if c.MinBackoff <= 0 {
		c.MinBackoff = 200 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 10 * time.Second
	}
	if c.MaxBackoff < c.MinBackoff {
		c.MaxBackoff = c.MinBackoff
	}
}

// Supervisor owns the ready/not-ready state of one adapter.
// A nil *Supervisor is always ready.
type Supervisor struct {
	name string
	ping PingFunc
	cfg  Config

	mu      sync.Mutex
	ready   bool
	readyCh chan struct{}
	lastErr error

	kick    chan struct{}
	stopCh  chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

func NewSupervisor(name string, ping PingFunc, cfg Config) *Supervisor {
	cfg.setDefaults()
	return &Supervisor{
		name:    name,
		ping:    ping,
		cfg:     cfg,
		readyCh: make(chan struct{}),
		kick:    make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
	}
}

// Start checks once synchronously and then keeps checking in the background.
// The returned error is the first check result; the supervisor keeps running either way.
func (s *Supervisor) Start(ctx context.Context) error {
	err := s.check(ctx)
	s.wg.Add(1)
	go s.loop()
	return err
}

// Stop ends background checking. Waiters are released with their own context errors.
func (s *Supervisor) Stop() {
	if s == nil {
		return
	}
	s.stopped.Do(func() {
		close(s.stopCh)
	})
	s.wg.Wait()
}

// Ready reports the last known state.
func (s *Supervisor) Ready() bool {
	if s == nil {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

// LastError returns the most recent check or reported failure.
func (s *Supervisor) LastError() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Wait blocks until the dependency is ready or ctx is done.
func (s *Supervisor) Wait(ctx context.Context) error {
	if s == nil {
		return nil
	}
	for {
		s.mu.Lock()
		if s.ready {
			s.mu.Unlock()
			return nil
		}
		ch := s.readyCh
		s.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// ReportFailure marks the dependency not ready and schedules an immediate re-check.
func (s *Supervisor) ReportFailure(err error) {
	if s == nil || err == nil {
		return
	}
	s.setState(false, err)
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *Supervisor) loop() {
	defer s.wg.Done()
	backoff := s.cfg.MinBackoff
	for {
		wait := s.cfg.CheckInterval
		if !s.Ready() {
			wait = backoff
		}
		timer := time.NewTimer(wait)
		select {
		case <-s.stopCh:
			timer.Stop()
			return
		case <-s.kick:
			timer.Stop()
		case <-timer.C:
		}

		if err := s.check(context.Background()); err != nil {
			backoff *= 2
			if backoff > s.cfg.MaxBackoff {
				backoff = s.cfg.MaxBackoff
			}
			continue
		}
		backoff = s.cfg.MinBackoff
	}
}

func (s *Supervisor) check(parent context.Context) error {
	ctx, cancel := context.WithTimeout(parent, s.cfg.CheckTimeout)
	defer cancel()
	err := s.ping(ctx)
	s.setState(err == nil, err)
	return err
}

func (s *Supervisor) setState(ready bool, err error) {
	s.mu.Lock()
	changed := s.ready != ready
	s.ready = ready
	s.lastErr = err
	if changed {
		if ready {
			close(s.readyCh)
		} else {
			s.readyCh = make(chan struct{})
		}
	}
	s.mu.Unlock()

	if !changed {
		return
	}
	if ready {
		logger.Info(context.Background(), "dependency ready", zap.String("dependency", s.name))
	} else {
		logger.Warn(context.Background(), "dependency not ready", zap.String("dependency", s.name), zap.Error(err))
	}
}

// IsNetworkError reports whether err looks like a transport failure rather than a
// request-level rejection.
func IsNetworkError(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
