package dispatch

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateContent(t *testing.T) {
	cases := []struct {
		name    string
		content string
		ok      bool
	}{
		{"simple", "hello", true},
		{"unicode", "héllo wörld 你好", true},
		{"max chars", strings.Repeat("a", MaxContentChars), true},
		{"empty", "", false},
		{"too many chars", strings.Repeat("a", MaxContentChars+1), false},
		{"too many bytes", strings.Repeat("你", MaxMessageBytes/3+1), false},
		{"invalid utf8", string([]byte{0xff, 0xfe}), false},
	}

	for _, c := range cases {
		err := ValidateContent(c.content)
		if c.ok && err != nil {
			t.Errorf("%s: unexpected error: %v", c.name, err)
		}
		if !c.ok {
			if err == nil {
				t.Errorf("%s: expected error", c.name)
			} else if !errors.Is(err, ErrValidation) {
				t.Errorf("%s: error should wrap ErrValidation, got %v", c.name, err)
			}
		}
	}
}
