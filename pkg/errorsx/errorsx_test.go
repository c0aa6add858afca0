package errorsx

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestWrapAndReason(t *testing.T) {
	err := Wrap(errors.New("boom"), ReasonAnalyzeRequest)
	if !HasReason(err, ReasonAnalyzeRequest) {
		t.Fatalf("expected %s, got %s", ReasonAnalyzeRequest, Reason(err))
	}
	if err.Error() != "boom" {
		t.Fatalf("message changed: %q", err.Error())
	}
}

func TestFirstReasonWins(t *testing.T) {
	inner := New(ReasonSuggestStatus, "suggest: status 503")
	outer := Wrap(fmt.Errorf("tick: %w", inner), ReasonAnalyzeRequest)
	if Reason(outer) != ReasonSuggestStatus {
		t.Fatalf("expected reason preserved, got %s", Reason(outer))
	}
}

func TestErrorfKeepsChain(t *testing.T) {
	err := Errorf(ReasonCancellation, "final analysis: %w", context.Canceled)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled in chain")
	}
	if Reason(fmt.Errorf("stop: %w", err)) != ReasonCancellation {
		t.Fatalf("reason lost through %%w")
	}
}

func TestTransportFamily(t *testing.T) {
	for _, r := range []ReasonCode{ReasonSuggestConnect, ReasonAnalyzeDecode, ReasonPersist, ReasonAnalyzeCircuit} {
		if !IsTransport(r) {
			t.Fatalf("%s should count as a transport failure", r)
		}
	}
	for _, r := range []ReasonCode{ReasonCancellation, ReasonCaptureUnavailable, ReasonUnknown} {
		if IsTransport(r) {
			t.Fatalf("%s must not count as a transport failure", r)
		}
	}
}

func TestNilAndUntagged(t *testing.T) {
	if Reason(nil) != ReasonUnknown || Reason(errors.New("plain")) != ReasonUnknown {
		t.Fatalf("expected unknown for nil and untagged errors")
	}
	if Wrap(nil, ReasonPersist) != nil {
		t.Fatalf("expected nil passthrough")
	}
}
