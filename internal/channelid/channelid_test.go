package channelid

import (
	"errors"
	"strings"
	"testing"
)

func TestNormalize(t *testing.T) {
	if got := Normalize("  #general  "); got != "#general" {
		t.Fatalf("Normalize() = %q, want %q", got, "#general")
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		id      string
		wantErr error
	}{
		{"empty", "", ErrMissing},
		{"ordinary", "#general", nil},
		{"opaque utf8", "ロビー", nil},
		{"too long", strings.Repeat("a", MaxLen+1), ErrTooLong},
		{"exactly max", strings.Repeat("a", MaxLen), nil},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := Validate(c.id)
			if c.wantErr == nil {
				if err != nil {
					t.Fatalf("Validate(%q) = %v, want nil", c.id, err)
				}
				return
			}
			if !errors.Is(err, c.wantErr) {
				t.Fatalf("Validate(%q) = %v, want error wrapping %v", c.id, err, c.wantErr)
			}
		})
	}
}
