package ssh

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestRetry(t *testing.T) {
	temporary := &TransportError{Op: OpUpload, Err: errors.New("connection reset"), Temporary: true}
	permanent := &TransportError{Op: OpUpload, Err: errors.New("permission denied")}

	tests := []struct {
		name      string
		attempts  int
		failures  []error
		wantCalls int
		wantErr   error
	}{
		{name: "first try", attempts: 3, wantCalls: 1},
		{name: "recovers", attempts: 3, failures: []error{temporary, temporary}, wantCalls: 3},
		{name: "gives up", attempts: 2, failures: []error{temporary, temporary, temporary}, wantCalls: 2, wantErr: temporary},
		{name: "permanent stops", attempts: 3, failures: []error{permanent}, wantCalls: 1, wantErr: permanent},
		{name: "zero attempts runs once", attempts: 0, failures: []error{temporary}, wantCalls: 1, wantErr: temporary},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := retry(context.Background(), tt.attempts, time.Millisecond, func() error {
				calls++
				if calls <= len(tt.failures) {
					return tt.failures[calls-1]
				}
				return nil
			})

			if calls != tt.wantCalls {
				t.Errorf("expected %d calls, got %d", tt.wantCalls, calls)
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected error %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestRetryStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	err := retry(ctx, 5, time.Hour, func() error {
		calls++
		cancel()
		return &TransportError{Op: OpDownload, Err: errors.New("timeout"), Temporary: true}
	})

	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
	if !IsTemporary(err) {
		t.Errorf("expected the last transport error, got %v", err)
	}
}

func TestTransportError(t *testing.T) {
	cause := errors.New("no such file")
	err := &TransportError{Op: OpDownload, Path: "/srv/p.zip", Err: cause}

	if got := err.Error(); got != "download /srv/p.zip: no such file" {
		t.Errorf("unexpected message: %s", got)
	}
	if !errors.Is(err, cause) {
		t.Error("expected the cause to unwrap")
	}
	if IsTemporary(err) {
		t.Error("expected a permanent error")
	}

	bare := &TransportError{Op: OpSession, Err: errNotConnected}
	if !strings.HasPrefix(bare.Error(), "session: ") {
		t.Errorf("unexpected message: %s", bare.Error())
	}
	if IsTemporary(errors.New("plain")) {
		t.Error("expected plain errors to be permanent")
	}
}
