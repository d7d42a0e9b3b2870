package fault

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestKind_Valid(t *testing.T) {
	valid := []Kind{
		KindTransient, KindSemantic, KindUnrecoverable, KindValidation,
		KindStateConflict, KindAuditUnavailable, KindReplanBudget,
	}
	for _, k := range valid {
		if !k.Valid() {
			t.Errorf("expected %s to be valid", k)
		}
	}
	if Kind("fatal").Valid() {
		t.Error("expected fatal to be invalid")
	}
}

func TestError_Message(t *testing.T) {
	e := Newf(KindSemantic, "instance type %s not available in region", "ml.g5.xlarge")
	want := "semantic: instance type ml.g5.xlarge not available in region"
	if e.Error() != want {
		t.Errorf("got %q, want %q", e.Error(), want)
	}

	bare := &Error{Kind: KindTransient}
	if bare.Error() != "transient" {
		t.Errorf("got %q", bare.Error())
	}
}

func TestError_Unwrap(t *testing.T) {
	inner := errors.New("boom")
	e := New(KindUnrecoverable, inner)
	if !errors.Is(e, inner) {
		t.Error("expected errors.Is to reach the wrapped error")
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, Kind("")},
		{"tagged semantic", New(KindSemantic, errors.New("x")), KindSemantic},
		{"tagged unrecoverable", New(KindUnrecoverable, errors.New("x")), KindUnrecoverable},
		{"wrapped tag", fmt.Errorf("call failed: %w", New(KindStateConflict, errors.New("x"))), KindStateConflict},
		{"deadline", context.DeadlineExceeded, KindTransient},
		{"canceled", context.Canceled, KindTransient},
		{"untagged", errors.New("connection reset"), KindTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestKind_Retryable(t *testing.T) {
	if !KindTransient.Retryable() {
		t.Error("transient must be retryable")
	}
	for _, k := range []Kind{KindSemantic, KindUnrecoverable, KindValidation, KindStateConflict, KindReplanBudget} {
		if k.Retryable() {
			t.Errorf("%s must not be retryable", k)
		}
	}
}
