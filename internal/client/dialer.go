package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/snowfight/snowfight/internal/security"
)

// Dialer connects to a server with retries, wrapped in a circuit breaker so
// that an unreachable server stops being hammered.
type Dialer struct {
	Security *security.Context
	Logger   logrus.FieldLogger
	// Attempts is the number of connection attempts before giving up.
	Attempts int
	// Backoff is the delay after the first failed attempt. Each later
	// attempt waits one Backoff longer.
	Backoff time.Duration

	breaker *gobreaker.CircuitBreaker
}

// NewDialer returns a Dialer whose breaker opens after three consecutive
// failed attempts and lets a trial attempt through after openTimeout.
func NewDialer(sec *security.Context, logger logrus.FieldLogger, attempts int, backoff, openTimeout time.Duration) *Dialer {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if attempts < 1 {
		attempts = 1
	}

	settings := gobreaker.Settings{
		Name:        "snowfight-dial",
		MaxRequests: 1,
		Timeout:     openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		// The server answering with a rejection is reachable.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrRejected)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Infof("[CLIENT] %s breaker changed from %s to %s", name, from, to)
		},
	}

	return &Dialer{
		Security: sec,
		Logger:   logger,
		Attempts: attempts,
		Backoff:  backoff,
		breaker:  gobreaker.NewCircuitBreaker(settings),
	}
}

// State returns the state of the dial circuit breaker.
func (d *Dialer) State() gobreaker.State {
	return d.breaker.State()
}

// Dial connects to address, retrying failed attempts with a linear backoff.
// A rejection by the server is returned immediately.
func (d *Dialer) Dial(ctx context.Context, address string) (*Client, error) {
	var lastErr error
	for attempt := 1; attempt <= d.Attempts; attempt++ {
		result, err := d.breaker.Execute(func() (interface{}, error) {
			return Dial(ctx, d.Security, address, d.Logger)
		})
		if err == nil {
			return result.(*Client), nil
		}
		if errors.Is(err, ErrRejected) || errors.Is(err, gobreaker.ErrOpenState) {
			return nil, err
		}
		lastErr = err

		if attempt == d.Attempts {
			break
		}
		delay := time.Duration(attempt) * d.Backoff
		d.Logger.Warnf("[CLIENT] connection attempt %d/%d failed, retrying in %v: %v", attempt, d.Attempts, delay, err)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, fmt.Errorf("dial cancelled: %w", ctx.Err())
		}
	}
	return nil, fmt.Errorf("failed to connect after %d attempts: %w", d.Attempts, lastErr)
}
