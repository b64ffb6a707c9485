package translation

import "testing"

func TestTranslateOrFallsBack(t *testing.T) {
	Configure(t.TempDir(), "zh_TW.UTF-8")

	got := TranslateOr("no.such.message", "Job %s failed", "margin")
	if got != "Job margin failed" {
		t.Errorf("got %q", got)
	}
}

func TestTranslateOrUsesCatalog(t *testing.T) {
	Configure("../../locales", "en")

	got := TranslateOr("alert.above", "fallback")
	if got != "at or above" {
		t.Errorf("got %q", got)
	}
	if GetLanguage() != "en" {
		t.Errorf("unexpected language %s", GetLanguage())
	}
}

func TestTranslateOrKeepsFallbackForPercentIDs(t *testing.T) {
	Configure(t.TempDir(), "en")

	got := TranslateOr("100%s.unknown", "%d%% done", 50)
	if got != "50% done" {
		t.Errorf("got %q", got)
	}
}
