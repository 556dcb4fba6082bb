package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// RemoteKind tells the reconciler whether a remote failure is worth retrying.
type RemoteKind string

const (
	RemoteNetwork    RemoteKind = "network"
	RemoteAuth       RemoteKind = "auth"
	RemoteConstraint RemoteKind = "constraint"
)

type RemoteError struct {
	Kind RemoteKind
	Op   string
	Err  error
}

func (e *RemoteError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("remote %s (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *RemoteError) Unwrap() error {
	return e.Err
}

// Retryable is true for failures that may succeed on a later attempt.
func (e *RemoteError) Retryable() bool {
	return e.Kind == RemoteNetwork
}

// ConflictError is returned by a conditional upsert when the stored record
// moved past the version the caller read. A zero Expected means the caller
// tried to create a report whose id already exists.
type ConflictError struct {
	ReportID string
	Expected time.Time
}

func (e *ConflictError) Error() string {
	if e.Expected.IsZero() {
		return fmt.Sprintf("report %s already exists remotely", e.ReportID)
	}
	return fmt.Sprintf("report %s changed remotely since %s", e.ReportID, e.Expected.UTC().Format(time.RFC3339Nano))
}

var (
	ErrNotFound          = errors.New("not found")
	ErrInsufficientPool  = errors.New("admin points pool balance too low")
	ErrAlreadyAwarded    = errors.New("points already awarded")
	ErrUsernameTaken     = errors.New("username already registered")
	ErrAlreadyApproved   = errors.New("user already approved")
	ErrBeneficiaryAbsent = errors.New("points beneficiary not found")
)

// AsRemote wraps err in a RemoteError unless it is nil, a domain sentinel, or
// already a RemoteError.
func AsRemote(op string, err error) error {
	if err == nil {
		return nil
	}
	var remote *RemoteError
	if errors.As(err, &remote) {
		return err
	}
	var conflict *ConflictError
	if errors.As(err, &conflict) {
		return err
	}
	for _, sentinel := range []error{ErrNotFound, ErrInsufficientPool, ErrAlreadyAwarded, ErrUsernameTaken, ErrAlreadyApproved, ErrBeneficiaryAbsent} {
		if errors.Is(err, sentinel) {
			return err
		}
	}
	return &RemoteError{Kind: classify(err), Op: op, Err: err}
}

func classify(err error) RemoteKind {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return RemoteNetwork
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "28"), pgErr.Code == "42501":
			return RemoteAuth
		case strings.HasPrefix(pgErr.Code, "08"), strings.HasPrefix(pgErr.Code, "57"), strings.HasPrefix(pgErr.Code, "53"):
			return RemoteNetwork
		default:
			return RemoteConstraint
		}
	}
	if errors.Is(err, sql.ErrNoRows) {
		return RemoteConstraint
	}
	return RemoteNetwork
}
