package lease

import (
	"errors"
	"testing"
)

func TestValidateTransition(t *testing.T) {
	allowed := [][2]Status{
		{StatusDraft, StatusPendingTenant},
		{StatusDraft, StatusPendingLandlord},
		{StatusPendingTenant, StatusFullySigned},
		{StatusPendingLandlord, StatusFullySigned},
		{StatusFullySigned, StatusActive},
		{StatusActive, StatusTerminated},
		{StatusActive, StatusCompleted},
		{StatusDraft, StatusExpired},
		{StatusFullySigned, StatusExpired},
	}
	for _, pair := range allowed {
		if err := ValidateTransition(pair[0], pair[1]); err != nil {
			t.Fatalf("expected %s -> %s to be allowed: %v", pair[0], pair[1], err)
		}
	}

	rejected := [][2]Status{
		{StatusDraft, StatusActive},
		{StatusDraft, StatusFullySigned},
		{StatusPendingTenant, StatusActive},
		{StatusActive, StatusExpired},
		{StatusActive, StatusActive},
		{StatusTerminated, StatusActive},
		{StatusExpired, StatusDraft},
		{StatusCompleted, StatusTerminated},
	}
	for _, pair := range rejected {
		err := ValidateTransition(pair[0], pair[1])
		if !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("expected %s -> %s to be rejected, got %v", pair[0], pair[1], err)
		}
	}
}

func TestStatusPredicates(t *testing.T) {
	for _, status := range []Status{StatusTerminated, StatusExpired, StatusCompleted} {
		if !status.Terminal() {
			t.Fatalf("%s should be terminal", status)
		}
	}
	if StatusActive.Terminal() {
		t.Fatalf("active is not terminal")
	}
	if !StatusDraft.AcceptsSignatures() || StatusFullySigned.AcceptsSignatures() {
		t.Fatalf("unexpected signature acceptance")
	}
}
