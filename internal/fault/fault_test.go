package fault

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	t.Parallel()

	base := errors.New("boom")
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, ""},
		{"plain", base, KindInternal},
		{"direct", New(KindMalformed, "resolve", base), KindMalformed},
		{"wrapped", fmt.Errorf("outer: %w", New(KindClosed, "send", base)), KindClosed},
		{"foreign kind", fmt.Errorf("read: %w", kindedErr{}), KindCorruptStream},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := KindOf(tc.err); got != tc.want {
				t.Errorf("KindOf() = %q, want %q", got, tc.want)
			}
		})
	}
}

type kindedErr struct{}

func (kindedErr) Error() string     { return "bad frame header" }
func (kindedErr) ErrorKind() string { return string(KindCorruptStream) }

func TestCategory(t *testing.T) {
	t.Parallel()

	cases := map[Kind]string{
		KindUpstreamUnavailable:  "ResolutionError",
		KindCorruptStream:        "DecodeError",
		KindInvalidParameter:     "FilterError",
		KindUnsupportedOperation: "PlayerError",
		KindSessionExpired:       "SessionError",
		KindWouldBlock:           "TransportError",
		KindUnknownOp:            "ProtocolError",
		KindInternal:             "InternalError",
	}
	for k, want := range cases {
		if got := Category(k); got != want {
			t.Errorf("Category(%q) = %q, want %q", k, got, want)
		}
	}
}

func TestError_UnwrapAndMessage(t *testing.T) {
	t.Parallel()

	sentinel := errors.New("not seekable")
	err := New(KindUnsupportedOperation, "player: seek", sentinel)
	if !errors.Is(err, sentinel) {
		t.Error("errors.Is should find the wrapped sentinel")
	}
	if got, want := err.Error(), "player: seek: not seekable"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if got := Newf(KindBadRequest, "", "missing %s", "guildId").Error(); got != "missing guildId" {
		t.Errorf("Newf message = %q", got)
	}
}
