package fbsp

import (
	"strings"
	"testing"
)

func TestServiceErrorMessage(t *testing.T) {
	err := &ServiceError{
		Code:      ErrCodeNotImplemented,
		RelatesTo: Request,
		Descriptions: []ErrorDescription{
			{Code: 4, Description: "api code 9 is not implemented"},
			{Code: 4, Description: "supported codes: 1, 2"},
		},
	}

	msg := err.Error()
	for _, want := range []string{"NOT_IMPLEMENTED", "REQUEST", "api code 9 is not implemented", "supported codes: 1, 2"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("error message %q missing %q", msg, want)
		}
	}
}

func TestErrorCodeFatalThreshold(t *testing.T) {
	if ErrCodeInsufficientStorage.Fatal() {
		t.Fatal("INSUFFICIENT_STORAGE must not be fatal")
	}
	if !ErrCodeServiceUnavailable.Fatal() {
		t.Fatal("SERVICE_UNAVAILABLE must be fatal")
	}
	if !ErrCodeVersionNotSupported.Fatal() {
		t.Fatal("FBSP_VERSION_NOT_SUPPORTED must be fatal")
	}
}

func TestLocalPeerIdentity(t *testing.T) {
	a := LocalPeer()
	b := LocalPeer()

	if a.UID == "" || a.UID == b.UID {
		t.Fatalf("peer uids must be fresh per call: %q vs %q", a.UID, b.UID)
	}
	if a.PID == 0 {
		t.Fatal("peer pid not set")
	}
	if a.Host == "" {
		t.Fatal("peer host not set")
	}
}
