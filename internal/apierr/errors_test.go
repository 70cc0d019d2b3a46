package apierr

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorClassification(t *testing.T) {
	base := New(422, nil, map[string]any{
		"Code":  float64(9001),
		"Error": "Human verification required",
		"Details": map[string]any{
			"HumanVerificationToken":   "tok",
			"HumanVerificationMethods": []any{"captcha", "email"},
		},
	})
	if base.Code() != 9001 {
		t.Fatalf("code got=%d", base.Code())
	}
	if base.Error() != "[HTTP/422, 9001] Human verification required" {
		t.Fatalf("message got=%q", base.Error())
	}
	if !errors.Is(base, ErrAPI) {
		t.Fatalf("expected ErrAPI")
	}
	if errors.Is(base, ErrHumanVerificationNeeded) {
		t.Fatalf("unclassified error should not match kind")
	}

	classified := fmt.Errorf("request: %w", base.WithKind(ErrHumanVerificationNeeded))
	if !errors.Is(classified, ErrHumanVerificationNeeded) || !errors.Is(classified, ErrAPI) {
		t.Fatalf("expected classified error to match both kinds")
	}
	apiErr, ok := AsAPIError(classified)
	if !ok {
		t.Fatalf("expected api error")
	}
	if apiErr.HumanVerificationToken() != "tok" {
		t.Fatalf("token got=%q", apiErr.HumanVerificationToken())
	}
	if methods := apiErr.HumanVerificationMethods(); len(methods) != 2 || methods[1] != "email" {
		t.Fatalf("methods got=%v", methods)
	}
}

func TestWrappedSentinels(t *testing.T) {
	if !errors.Is(ErrPinningFailed, ErrNotReachable) {
		t.Fatalf("pinning failure must be a reachability failure")
	}
	if !errors.Is(ErrUnsupportedAuthVersion, ErrCrypto) {
		t.Fatalf("unsupported auth version must be a crypto failure")
	}
	if errors.Is(ErrNotAvailable, ErrNotReachable) {
		t.Fatalf("not available must stay distinct from not reachable")
	}
}
