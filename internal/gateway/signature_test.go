package gateway

import (
	"errors"
	"strconv"
	"testing"
	"time"
)

func TestVerifySignature(t *testing.T) {
	now := time.Unix(1760000000, 0)
	body := []byte(`{"gateway_transaction_id":"txn_1","status":"COMPLETED"}`)
	sig := ComputeSignature("whsec_test", now.Unix(), body)
	header := "t=" + strconv.FormatInt(now.Unix(), 10) + ",v1=" + sig

	if err := VerifySignature("whsec_test", header, body, now, 5*time.Minute); err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if err := VerifySignature("whsec_other", header, body, now, 5*time.Minute); !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("want ErrSignatureInvalid got %v", err)
	}
	if err := VerifySignature("whsec_test", header, []byte(`{}`), now, 5*time.Minute); !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("want ErrSignatureInvalid for tampered body got %v", err)
	}
	if err := VerifySignature("whsec_test", header, body, now.Add(time.Hour), 5*time.Minute); !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("want ErrSignatureInvalid for stale timestamp got %v", err)
	}
}

func TestParseSignatureHeaderRejectsMalformed(t *testing.T) {
	cases := []string{"", "v1=abc", "t=abc,v1=def", "t=1760000000"}
	for _, header := range cases {
		if _, _, err := parseSignatureHeader(header); err == nil {
			t.Fatalf("header %q should fail", header)
		}
	}
}
