package fieldscript_test

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"

	"github.com/hyperengineering/fieldscript"
)

func TestSentinelErrors_ErrorsIs(t *testing.T) {
	tests := []struct {
		name     string
		sentinel error
	}{
		{"ErrNotFound", fieldscript.ErrNotFound},
		{"ErrOffline", fieldscript.ErrOffline},
		{"ErrRecordDeleted", fieldscript.ErrRecordDeleted},
		{"ErrSyncInProgress", fieldscript.ErrSyncInProgress},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := fmt.Errorf("operation failed: %w", tt.sentinel)
			if !errors.Is(wrapped, tt.sentinel) {
				t.Errorf("errors.Is(wrapped, %v) = false, want true", tt.sentinel)
			}
		})
	}
}

func TestValidationError_ErrorFormat(t *testing.T) {
	err := &fieldscript.ValidationError{Field: "LocalPath", Message: "required: path to SQLite database"}
	want := "config: LocalPath: required: path to SQLite database"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestSyncError_ErrorsAs(t *testing.T) {
	inner := errors.New("connection refused")
	err := fmt.Errorf("wrapped: %w", &fieldscript.SyncError{
		Kind:       fieldscript.KindRemoteUnavailable,
		Operation:  "create",
		LocalID:    "01J0",
		StatusCode: 503,
		Err:        inner,
	})

	var se *fieldscript.SyncError
	if !errors.As(err, &se) {
		t.Fatal("errors.As failed to extract SyncError")
	}
	if se.Operation != "create" || se.StatusCode != 503 {
		t.Errorf("SyncError = %+v", se)
	}
	if !errors.Is(err, inner) {
		t.Error("errors.Is(err, inner) = false, want true via Unwrap")
	}
}

func TestSyncError_IsKindSentinel(t *testing.T) {
	err := &fieldscript.SyncError{Kind: fieldscript.KindUnauthenticated, Operation: "full_sync", Err: errors.New("x")}
	if !errors.Is(err, fieldscript.ErrUnauthenticated) {
		t.Error("errors.Is(err, ErrUnauthenticated) = false, want true")
	}
	if errors.Is(err, fieldscript.ErrTimeout) {
		t.Error("errors.Is(err, ErrTimeout) = true, want false")
	}
}

func TestSyncError_ErrorFormat(t *testing.T) {
	err := &fieldscript.SyncError{
		Kind:       fieldscript.KindNotFound,
		Operation:  "get",
		LocalID:    "abc",
		StatusCode: 404,
		Err:        errors.New("gone"),
	}
	want := "sync: get failed for record abc (status 404) [NotFound]: gone"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestErrorKind_Retryable(t *testing.T) {
	retryable := map[fieldscript.ErrorKind]bool{
		fieldscript.KindNoConnection:       true,
		fieldscript.KindTimeout:            true,
		fieldscript.KindRemoteUnavailable:  true,
		fieldscript.KindPermissionDenied:   false,
		fieldscript.KindNotFound:           false,
		fieldscript.KindUnauthenticated:    false,
		fieldscript.KindLocalStoreFailure:  false,
		fieldscript.KindConflictUnresolved: false,
		fieldscript.KindUnknown:            false,
	}
	for kind, want := range retryable {
		if got := kind.Retryable(); got != want {
			t.Errorf("%s.Retryable() = %v, want %v", kind, got, want)
		}
	}
}

func TestKindFromStatus(t *testing.T) {
	tests := []struct {
		code int
		want fieldscript.ErrorKind
	}{
		{401, fieldscript.KindUnauthenticated},
		{403, fieldscript.KindPermissionDenied},
		{404, fieldscript.KindNotFound},
		{408, fieldscript.KindTimeout},
		{429, fieldscript.KindRemoteUnavailable},
		{500, fieldscript.KindRemoteUnavailable},
		{503, fieldscript.KindRemoteUnavailable},
		{504, fieldscript.KindTimeout},
		{400, fieldscript.KindUnknown},
	}
	for _, tt := range tests {
		if got := fieldscript.KindFromStatus(tt.code); got != tt.want {
			t.Errorf("KindFromStatus(%d) = %s, want %s", tt.code, got, tt.want)
		}
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want fieldscript.ErrorKind
	}{
		{"nil", nil, fieldscript.KindUnknown},
		{"deadline", context.DeadlineExceeded, fieldscript.KindTimeout},
		{"wrapped deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), fieldscript.KindTimeout},
		{"dns", &net.DNSError{Err: "no such host", Name: "example.invalid"}, fieldscript.KindNoConnection},
		{"op error", &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("refused")}, fieldscript.KindNoConnection},
		{"refused", fmt.Errorf("dial: %w", syscall.ECONNREFUSED), fieldscript.KindNoConnection},
		{"store closed", fieldscript.ErrStoreClosed, fieldscript.KindLocalStoreFailure},
		{"sentinel", fmt.Errorf("x: %w", fieldscript.ErrPermissionDenied), fieldscript.KindPermissionDenied},
		{"plain", errors.New("boom"), fieldscript.KindUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := fieldscript.KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %s, want %s", got, tt.want)
			}
		})
	}
}
