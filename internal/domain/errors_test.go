package domain

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsVersionConflict(t *testing.T) {
	if !IsVersionConflict(ErrCartVersionConflict) {
		t.Fatal("direct sentinel not detected")
	}
	if !IsVersionConflict(fmt.Errorf("save cart: %w", ErrCartVersionConflict)) {
		t.Fatal("wrapped sentinel not detected")
	}
	if IsVersionConflict(errors.New("other")) {
		t.Fatal("unrelated error detected as conflict")
	}
}

func TestErrorReasonFor(t *testing.T) {
	cases := []struct {
		err    error
		reason ErrorReason
	}{
		{ErrCartInvalidPromoCode, ErrorReasonInvalidPromoCode},
		{ErrCartInvalidCurrency, ErrorReasonInvalidCurrency},
		{ErrCartEligibilityMismatch, ErrorReasonCartEligibility},
		{ErrCartTotalMismatch, ErrorReasonCartTotalMismatch},
		{ErrCheckoutPayment, ErrorReasonPaymentDeclined},
		{ErrCartVersionConflict, ErrorReasonProcessingConflict},
		{ErrCartStateProcessing, ErrorReasonProcessingConflict},
		{errors.New("boom"), ErrorReasonUnknown},
		{fmt.Errorf("checkout: %w", ErrCheckoutPayment), ErrorReasonPaymentDeclined},
	}

	for _, tc := range cases {
		if got := ErrorReasonFor(tc.err); got != tc.reason {
			t.Errorf("ErrorReasonFor(%v): expected %s, got %s", tc.err, tc.reason, got)
		}
	}
}
