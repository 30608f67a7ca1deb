package main

import "testing"

func TestParseArbID(t *testing.T) {
	cases := []struct {
		raw     string
		want    uint32
		wantErr bool
	}{
		{raw: "0x7E0", want: 0x7E0},
		{raw: "7E0", want: 0x7E0},
		{raw: "0x1FFFFFFF", want: 0x1FFFFFFF},
		{raw: "1a", want: 0x1A},
		{raw: "", wantErr: true},
		{raw: "0x", wantErr: true},
		{raw: "zz", wantErr: true},
		{raw: "0x1FFFFFFFF", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.raw, func(t *testing.T) {
			got, err := parseArbID(tc.raw)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("parseArbID(%q) accepted", tc.raw)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseArbID(%q): %v", tc.raw, err)
			}
			if got != tc.want {
				t.Errorf("parseArbID(%q) = %#x, want %#x", tc.raw, got, tc.want)
			}
		})
	}
}

func TestRunRejectsUnknownCommand(t *testing.T) {
	if err := run([]string{"bogus"}); err == nil {
		t.Error("unknown command accepted")
	}
	if err := run(nil); err == nil {
		t.Error("empty command line accepted")
	}
}
