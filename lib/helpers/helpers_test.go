package helpers

import "testing"

func TestEscapeMarkdownV2(t *testing.T) {
	got := EscapeMarkdownV2("2330.TW (+1.5%)")
	want := `2330\.TW \(\+1\.5%\)`
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestFormatPrice(t *testing.T) {
	cases := []struct {
		in   float64
		want string
	}{
		{1085, "1,085"},
		{898.5, "898.50"},
		{0.1234, "0.1234"},
	}
	for _, c := range cases {
		if got := FormatPrice(c.in, false); got != c.want {
			t.Errorf("FormatPrice(%v) = %q, want %q", c.in, got, c.want)
		}
	}
	if got := FormatPrice(898.5, true); got != `898\.50` {
		t.Errorf("escaped price = %q", got)
	}
}

func TestFormatSignedAndVolume(t *testing.T) {
	if got := FormatSigned(-12.345, false); got != "-12.35" {
		t.Errorf("FormatSigned = %q", got)
	}
	if got := FormatSigned(3, false); got != "+3.00" {
		t.Errorf("FormatSigned = %q", got)
	}
	if got := FormatVolume(1234567); got != "1,234,567" {
		t.Errorf("FormatVolume = %q", got)
	}
}
