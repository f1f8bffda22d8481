package azure

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"

	"pkt.systems/warden/internal/storage"
)

func respError(status int) error {
	return &azcore.ResponseError{StatusCode: status}
}

func TestErrorClassification(t *testing.T) {
	if !isNotFound(respError(http.StatusNotFound)) {
		t.Fatalf("404 should classify as not found")
	}
	if isNotFound(respError(http.StatusForbidden)) {
		t.Fatalf("403 should not classify as not found")
	}
	if !isPreconditionFailed(respError(http.StatusPreconditionFailed)) {
		t.Fatalf("412 should classify as CAS failure")
	}
	if !isPreconditionFailed(respError(http.StatusConflict)) {
		t.Fatalf("409 should classify as CAS failure")
	}
	if isPreconditionFailed(respError(http.StatusNotFound)) {
		t.Fatalf("404 should not classify as CAS failure")
	}
}

func TestWrapErrorTransient(t *testing.T) {
	if err := wrapError(respError(http.StatusServiceUnavailable), "azure: upload record"); !storage.IsTransient(err) {
		t.Fatalf("503 should wrap as transient, got %v", err)
	}
	if err := wrapError(respError(http.StatusTooManyRequests), "azure: upload record"); !storage.IsTransient(err) {
		t.Fatalf("429 should wrap as transient, got %v", err)
	}
	if err := wrapError(context.DeadlineExceeded, "azure: upload record"); !storage.IsTransient(err) {
		t.Fatalf("deadline should wrap as transient, got %v", err)
	}
	if err := wrapError(respError(http.StatusBadRequest), "azure: upload record"); storage.IsTransient(err) {
		t.Fatalf("400 should not be transient, got %v", err)
	}
	if err := wrapError(errors.New("boom"), "azure: upload record"); storage.IsTransient(err) {
		t.Fatalf("plain error should not be transient, got %v", err)
	}
}

func TestAppendSASToken(t *testing.T) {
	got, err := appendSASToken("https://acct.blob.core.windows.net", "?sv=2024&sig=abc")
	if err != nil {
		t.Fatalf("append sas: %v", err)
	}
	want := "https://acct.blob.core.windows.net?sv=2024&sig=abc"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
	got, err = appendSASToken("https://acct.blob.core.windows.net?existing=1", "sv=2024")
	if err != nil {
		t.Fatalf("append sas: %v", err)
	}
	want = "https://acct.blob.core.windows.net?existing=1&sv=2024"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestDescriptorRoundTrip(t *testing.T) {
	desc := []byte{0x01, 0x02, 0xff}
	encoded := encodeDescriptor(desc)
	meta := map[string]*string{"Warden_descriptor": &encoded}
	decoded, err := decodeDescriptor(meta)
	if err != nil {
		t.Fatalf("decode descriptor: %v", err)
	}
	if string(decoded) != string(desc) {
		t.Fatalf("descriptor mismatch: %x vs %x", decoded, desc)
	}
	if decoded, err = decodeDescriptor(nil); err != nil || decoded != nil {
		t.Fatalf("nil metadata should decode to nil, got %x %v", decoded, err)
	}
}
