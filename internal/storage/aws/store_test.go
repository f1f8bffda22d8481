package aws

import (
	"context"
	"errors"
	"net"
	"syscall"
	"testing"

	smithy "github.com/aws/smithy-go"

	"pkt.systems/warden/internal/storage"
)

type fakeAPIError struct {
	code string
}

func (f fakeAPIError) Error() string                 { return f.code }
func (f fakeAPIError) ErrorCode() string             { return f.code }
func (f fakeAPIError) ErrorMessage() string          { return f.code }
func (f fakeAPIError) ErrorFault() smithy.ErrorFault { return smithy.FaultUnknown }

func TestErrorClassification(t *testing.T) {
	if !isNotFound(fakeAPIError{code: "NoSuchKey"}) {
		t.Fatalf("NoSuchKey should classify as not found")
	}
	if !isNotFound(fakeAPIError{code: "NoSuchBucket"}) {
		t.Fatalf("NoSuchBucket should classify as not found")
	}
	if isNotFound(fakeAPIError{code: "AccessDenied"}) {
		t.Fatalf("AccessDenied should not classify as not found")
	}
	if !isPreconditionFailed(fakeAPIError{code: "PreconditionFailed"}) {
		t.Fatalf("PreconditionFailed should classify as CAS failure")
	}
	if !isPreconditionFailed(fakeAPIError{code: "ConditionalRequestConflict"}) {
		t.Fatalf("ConditionalRequestConflict should classify as CAS failure")
	}
	if isPreconditionFailed(fakeAPIError{code: "SlowDown"}) {
		t.Fatalf("SlowDown should not classify as CAS failure")
	}
}

func TestWrapErrorMarksRetryable(t *testing.T) {
	s := &Store{}
	err := s.wrapError(syscall.ECONNRESET, "aws: put record")
	if !storage.IsTransient(err) {
		t.Fatalf("connection reset should wrap as transient, got %v", err)
	}
	err = s.wrapError(errors.New("boom"), "aws: put record")
	if storage.IsTransient(err) {
		t.Fatalf("plain error should not be transient, got %v", err)
	}
}

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"deadline", context.DeadlineExceeded, true},
		{"dns temporary", &net.DNSError{IsTemporary: true}, true},
		{"refused", syscall.ECONNREFUSED, true},
		{"plain", errors.New("boom"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := isRetryable(tc.err); got != tc.want {
				t.Fatalf("isRetryable(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}
