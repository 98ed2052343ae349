package clouddeploy

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/juju/clock"
)

// DefaultPollInterval is the pause between operation status polls.
const DefaultPollInterval = 5 * time.Second

// Waiter polls long-running operations until they reach a terminal state.
// There is no bound on the number of polls; waiting ends on success,
// failure, context cancellation or the optional timeout.
type Waiter struct {
	clock       clock.Clock
	interval    time.Duration
	timeout     time.Duration
	credentials *CredentialProvider
	logger      *slog.Logger
}

// NewWaiter creates a waiter. credentials may be nil, in which case the
// session token is never refreshed between polls.
func NewWaiter(clk clock.Clock, interval, timeout time.Duration, credentials *CredentialProvider, logger *slog.Logger) *Waiter {
	if clk == nil {
		clk = clock.WallClock
	}
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Waiter{
		clock:       clk,
		interval:    interval,
		timeout:     timeout,
		credentials: credentials,
		logger:      logger,
	}
}

// Wait blocks until the operation succeeds or fails. A failed operation
// yields an error wrapping *OperationError with the remote code and message.
func (w *Waiter) Wait(ctx context.Context, s *Session, operationID string) error {
	if w.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.timeout)
		defer cancel()
	}

	status, err := s.Compute.GetOperationStatus(ctx, operationID)
	if err != nil {
		return w.pollErr(ctx, operationID, err)
	}
	for status.Status == OperationInProgress {
		w.logger.Info("Waiting for operation to finish...", "operation", operationID)

		select {
		case <-ctx.Done():
			return w.pollErr(ctx, operationID, ctx.Err())
		case <-w.clock.After(w.interval):
		}

		if w.credentials != nil {
			if err := w.credentials.Refresh(ctx, s.Subscription, s.Credentials); err != nil {
				return err
			}
		}

		status, err = s.Compute.GetOperationStatus(ctx, operationID)
		if err != nil {
			return w.pollErr(ctx, operationID, err)
		}
	}

	if status.Status == OperationFailed {
		opErr := status.Error
		if opErr == nil {
			opErr = &OperationError{Code: "Unknown", Message: "operation failed without error details"}
		}
		return ErrOperation(operationID, opErr)
	}
	return nil
}

func (w *Waiter) pollErr(ctx context.Context, operationID string, err error) error {
	if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return ErrTimeout("gave up waiting for operation").
			WithResource("operation", operationID).
			WithCause(err)
	}
	return remoteErr("get-operation-status", err)
}
