package daraja

import "testing"

func TestNormalizeMSISDN(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"0712345678", "254712345678"},
		{"+254712345678", "254712345678"},
		{"254712345678", "254712345678"},
		{"+254 712 345 678", "254712345678"},
		{" 0712345678 ", "254712345678"},
	}

	for _, tc := range cases {
		got, err := NormalizeMSISDN(tc.in)
		if err != nil {
			t.Errorf("NormalizeMSISDN(%q) returned error: %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("NormalizeMSISDN(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestNormalizeMSISDN_Invalid(t *testing.T) {
	for _, in := range []string{"", "12345", "07123456789", "44712345678", "07123abc78"} {
		if got, err := NormalizeMSISDN(in); err == nil {
			t.Errorf("NormalizeMSISDN(%q) = %q, expected error", in, got)
		}
	}
}
