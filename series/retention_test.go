package series

import (
	"testing"
	"time"
)

func TestParseRetention(t *testing.T) {
	tests := []struct {
		literal string
		want    time.Duration
		wantErr bool
	}{
		{literal: "36h", want: 36 * time.Hour},
		{literal: "90m", want: 90 * time.Minute},
		{literal: "14d", want: 14 * 24 * time.Hour},
		{literal: "2w", want: 14 * 24 * time.Hour},
		{literal: "1w", want: 7 * 24 * time.Hour},
		{literal: " 2w ", want: 14 * 24 * time.Hour},
		{literal: "", wantErr: true},
		{literal: "0", wantErr: true},
		{literal: "0s", wantErr: true},
		{literal: "-1h", wantErr: true},
		{literal: "-2d", wantErr: true},
		{literal: "14", wantErr: true},
		{literal: "2weeks", wantErr: true},
		{literal: "d", wantErr: true},
	}

	for _, test := range tests {
		t.Run(test.literal, func(t *testing.T) {
			got, err := ParseRetention(test.literal)
			if test.wantErr {
				if err == nil {
					t.Fatalf("ParseRetention(%q) = %v, want error", test.literal, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseRetention(%q): %v", test.literal, err)
			}
			if got != test.want {
				t.Errorf("ParseRetention(%q) = %v, want %v", test.literal, got, test.want)
			}
		})
	}
}
