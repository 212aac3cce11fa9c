package csperr

import (
	"testing"

	"github.com/pkg/errors"
)

func TestCodeFollowsWrappedErrors(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{nil, CodeNone},
		{ErrTimedOut, CodeTimeout},
		{errors.Wrap(ErrUsed, "port 10"), CodeUsed},
		{errors.Wrapf(errors.Wrap(ErrHMAC, "inner"), "outer %d", 1), CodeHMAC},
		{ErrNoConnections, CodeNoMem},
		{ErrNoRoute, CodeTx},
		{errors.New("something else"), CodeInval},
	}
	for _, tc := range cases {
		if got := Code(tc.err); got != tc.want {
			t.Fatalf("Code(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}

func TestFromCodeRoundTrip(t *testing.T) {
	for _, c := range codes {
		if got := FromCode(c.code); !errors.Is(got, c.err) {
			t.Fatalf("FromCode(%d) = %v, want %v", c.code, got, c.err)
		}
	}
	if FromCode(CodeNone) != nil {
		t.Fatalf("FromCode(CodeNone) should be nil")
	}
	if err := FromCode(-77); !errors.Is(err, ErrInvalid) {
		t.Fatalf("unknown code should map to ErrInvalid, got %v", err)
	}
}
