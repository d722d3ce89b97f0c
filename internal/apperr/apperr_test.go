package apperr

import (
	"errors"
	"fmt"
	"testing"
)

func TestStoreWrapsOnce(t *testing.T) {
	base := errors.New("connection reset")
	err := Store("executor", base)
	if !IsStore(err) {
		t.Fatalf("IsStore(%v) = false, want true", err)
	}
	if !errors.Is(err, base) {
		t.Fatalf("errors.Is(%v, base) = false", err)
	}
	again := Store("assembler", fmt.Errorf("scan: %w", err))
	var storeErr *StoreError
	if !errors.As(again, &storeErr) || storeErr.Stage != "executor" {
		t.Fatalf("stage = %v, want executor", storeErr)
	}
	if Store("x", nil) != nil {
		t.Fatal("Store(nil) should stay nil")
	}
}

func TestConstructorsMatchSentinels(t *testing.T) {
	cases := []struct {
		err  error
		want error
	}{
		{InvalidFilter("unknown field %d", 7), ErrInvalidFilter},
		{NotAuthorized("ticket %d", 1), ErrNotAuthorized},
		{NotFound("ticket %d", 1), ErrNotFound},
		{InvalidValue("status %q", "x"), ErrInvalidValue},
	}
	for _, tc := range cases {
		if !errors.Is(tc.err, tc.want) {
			t.Fatalf("errors.Is(%v, %v) = false", tc.err, tc.want)
		}
		if IsStore(tc.err) {
			t.Fatalf("IsStore(%v) = true, want false", tc.err)
		}
	}
}
