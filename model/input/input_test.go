package input

import (
	"errors"
	"testing"
)

func TestParseMode(t *testing.T) {
	cases := []struct {
		in   string
		want Mode
		err  error
	}{
		{"", ModeTrain, nil},
		{"train", ModeTrain, nil},
		{"sample", ModeSample, nil},
		{"forward", "", ErrInvalidMode},
		{"Sample", "", ErrInvalidMode},
	}

	for _, tt := range cases {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseMode(tt.in)
			if !errors.Is(err, tt.err) {
				t.Fatalf("expected error %v, got %v", tt.err, err)
			}

			if got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}
