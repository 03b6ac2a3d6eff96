package fieldscript

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"
)

// Common errors returned by the fieldscript client.
var (
	// ErrNotFound is returned when a local record is not found.
	ErrNotFound = errors.New("record not found")

	// ErrInvalidTemplate is returned when a record has no template.
	ErrInvalidTemplate = errors.New("invalid script template")

	// ErrNameTooLong is returned when the display name exceeds MaxNameLength.
	ErrNameTooLong = errors.New("name exceeds maximum length")

	// ErrContentTooLong is returned when rendered text exceeds MaxContentLength.
	ErrContentTooLong = errors.New("content exceeds maximum length")

	// ErrTooManyFields is returned when a field map exceeds MaxFieldCount.
	ErrTooManyFields = errors.New("too many fields")

	// ErrRecordDeleted is returned when mutating a soft-deleted record.
	ErrRecordDeleted = errors.New("record is deleted")

	// ErrNotConflicted is returned when resolving a record that is not in
	// conflict.
	ErrNotConflicted = errors.New("record is not in conflict")

	// ErrStaleVersion is returned when a write would lower a record's version.
	ErrStaleVersion = errors.New("record version would decrease")

	// ErrStoreClosed is returned when operating on a closed store.
	ErrStoreClosed = errors.New("store is closed")

	// ErrOffline is returned when a remote operation is attempted without a
	// configured document store.
	ErrOffline = errors.New("operation unavailable in offline mode")

	// ErrSyncInProgress is returned when a full sync is already running.
	ErrSyncInProgress = errors.New("sync already in progress")

	// ErrSyncCancelled is returned when a full sync stops early after Cancel.
	ErrSyncCancelled = errors.New("sync cancelled")
)

// Sentinels for each ErrorKind. A *SyncError matches the sentinel of its
// kind with errors.Is.
var (
	ErrNoConnection       = errors.New("no network connection")
	ErrTimeout            = errors.New("remote operation timed out")
	ErrRemoteUnavailable  = errors.New("remote store unavailable")
	ErrPermissionDenied   = errors.New("permission denied")
	ErrRemoteNotFound     = errors.New("remote document not found")
	ErrUnauthenticated    = errors.New("no authenticated owner")
	ErrLocalStoreFailure  = errors.New("local store failure")
	ErrConflictUnresolved = errors.New("conflict awaiting manual review")
)

// ErrorKind classifies sync failures for retry decisions.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindNoConnection
	KindTimeout
	KindRemoteUnavailable
	KindPermissionDenied
	KindNotFound
	KindUnauthenticated
	KindLocalStoreFailure
	KindConflictUnresolved
)

var kindNames = map[ErrorKind]string{
	KindUnknown:            "Unknown",
	KindNoConnection:       "NoConnection",
	KindTimeout:            "Timeout",
	KindRemoteUnavailable:  "RemoteUnavailable",
	KindPermissionDenied:   "PermissionDenied",
	KindNotFound:           "NotFound",
	KindUnauthenticated:    "Unauthenticated",
	KindLocalStoreFailure:  "LocalStoreFailure",
	KindConflictUnresolved: "ConflictUnresolved",
}

func (k ErrorKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

// Retryable reports whether failures of this kind are retried with backoff.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindNoConnection, KindTimeout, KindRemoteUnavailable:
		return true
	default:
		return false
	}
}

func (k ErrorKind) sentinel() error {
	switch k {
	case KindNoConnection:
		return ErrNoConnection
	case KindTimeout:
		return ErrTimeout
	case KindRemoteUnavailable:
		return ErrRemoteUnavailable
	case KindPermissionDenied:
		return ErrPermissionDenied
	case KindNotFound:
		return ErrRemoteNotFound
	case KindUnauthenticated:
		return ErrUnauthenticated
	case KindLocalStoreFailure:
		return ErrLocalStoreFailure
	case KindConflictUnresolved:
		return ErrConflictUnresolved
	default:
		return nil
	}
}

// ValidationError is returned when configuration validation fails.
// Extractable via errors.As().
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// SyncError is returned when a sync operation fails with details.
// Extractable via errors.As(). Supports Unwrap().
type SyncError struct {
	Kind       ErrorKind
	Operation  string
	LocalID    string
	StatusCode int
	Err        error
}

func (e *SyncError) Error() string {
	msg := "sync: " + e.Operation + " failed"
	if e.LocalID != "" {
		msg += " for record " + e.LocalID
	}
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	return fmt.Sprintf("%s [%s]: %v", msg, e.Kind, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

// Is matches the sentinel error of the failure kind.
func (e *SyncError) Is(target error) bool {
	s := e.Kind.sentinel()
	return s != nil && target == s
}

// Retryable reports whether the failure should be retried with backoff.
func (e *SyncError) Retryable() bool { return e.Kind.Retryable() }

// newSyncError wraps err with operation context, classifying it unless it
// already carries a kind.
func newSyncError(op, localID string, err error) *SyncError {
	var se *SyncError
	if errors.As(err, &se) {
		out := *se
		if out.Operation == "" {
			out.Operation = op
		}
		if out.LocalID == "" {
			out.LocalID = localID
		}
		return &out
	}
	return &SyncError{Kind: KindOf(err), Operation: op, LocalID: localID, Err: err}
}

// storeError marks a Record Store failure.
func storeError(op, localID string, err error) *SyncError {
	return &SyncError{Kind: KindLocalStoreFailure, Operation: op, LocalID: localID, Err: err}
}

// KindOf classifies an error into the sync failure taxonomy.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}

	var se *SyncError
	if errors.As(err, &se) && se.Kind != KindUnknown {
		return se.Kind
	}

	for kind := KindNoConnection; kind <= KindConflictUnresolved; kind++ {
		if errors.Is(err, kind.sentinel()) {
			return kind
		}
	}

	switch {
	case errors.Is(err, ErrStoreClosed), errors.Is(err, ErrNotFound), errors.Is(err, ErrStaleVersion):
		return KindLocalStoreFailure
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}

	var dnsErr *net.DNSError
	var opErr *net.OpError
	switch {
	case errors.As(err, &dnsErr), errors.As(err, &opErr):
		return KindNoConnection
	case errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ENETUNREACH), errors.Is(err, syscall.EHOSTUNREACH):
		return KindNoConnection
	}

	return KindUnknown
}

// KindFromStatus maps an HTTP status code onto the failure taxonomy.
func KindFromStatus(code int) ErrorKind {
	switch {
	case code == http.StatusUnauthorized:
		return KindUnauthenticated
	case code == http.StatusForbidden:
		return KindPermissionDenied
	case code == http.StatusNotFound:
		return KindNotFound
	case code == http.StatusConflict:
		return KindConflictUnresolved
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		return KindTimeout
	case code == http.StatusTooManyRequests || code >= 500:
		return KindRemoteUnavailable
	default:
		return KindUnknown
	}
}
