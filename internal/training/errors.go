package training

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrInvalidArchitecture = errors.New("invalid architecture")
	ErrInvalidParameters   = errors.New("invalid model parameters")
	ErrDatasetNotFound     = errors.New("dataset not found")
	ErrNameTaken           = errors.New("a classifier with this name already exists")
	ErrInvalidName         = errors.New("classifier name must not be empty")
	ErrClassifierNotFound  = errors.New("classifier not found")
	ErrInsufficientClasses = errors.New("at least 2 distinct labels are required to train")
	ErrAlreadyTraining     = errors.New("classifier is already training")
	ErrNotRetryable        = errors.New("classifier is not in a retryable state")
	ErrNumericalFailure    = errors.New("training diverged")
)

type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient marks err as worth retrying regardless of its type.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err looks like a timeout or a lost connection,
// as opposed to a problem with the data or the request.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var te *transientError
	if errors.As(err, &te) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgerrcode.IsConnectionException(pgErr.Code) ||
			pgErr.Code == pgerrcode.AdminShutdown ||
			pgErr.Code == pgerrcode.CannotConnectNow
	}
	return pgconn.SafeToRetry(err)
}
