package usbdev

import "testing"

func TestSanitizeSerial(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"plain ascii passes through", "E00FCE68D0F7A1E7A8E6B9A1", "E00FCE68D0F7A1E7A8E6B9A1"},
		{"control byte escaped", "abc\x01def", `abc\x01def`},
		{"DEL escaped", "abc\x7fdef", `abc\x7Fdef`},
		{"non-ascii rune replaced with question mark", "abcédef", "abc?def"},
		{"empty string", "", ""},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := SanitizeSerial(c.in); got != c.want {
				t.Errorf("SanitizeSerial(%q) = %q, want %q", c.in, got, c.want)
			}
		})
	}
}
