package helpers

import (
	"strings"

	"github.com/dustin/go-humanize"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var printer = message.NewPrinter(language.English)

func EscapeMarkdownV2(text string) string {
	charactersToEscape := []string{"\\", ".", "-", "_", "*", "[", "]", "(", ")", "~", "`", ">", "#", "+", "=", "|", "{", "}", "!"}

	for _, char := range charactersToEscape {
		text = strings.ReplaceAll(text, char, "\\"+char)
	}
	return text
}

// FormatPrice renders a quote price with precision matched to its magnitude.
func FormatPrice(price float64, escapeMarkdown bool) string {
	decimals := 2
	switch {
	case price >= 1000:
		decimals = 0
	case price < 1 && price > 0:
		decimals = 4
	}

	formatted := printer.Sprintf("%.*f", decimals, price)
	if escapeMarkdown {
		return EscapeMarkdownV2(formatted)
	}
	return formatted
}

// FormatSigned renders v with an explicit sign and two decimals.
func FormatSigned(v float64, escapeMarkdown bool) string {
	sign := "+"
	if v < 0 {
		sign, v = "-", -v
	}
	formatted := sign + printer.Sprintf("%.2f", v)
	if escapeMarkdown {
		return EscapeMarkdownV2(formatted)
	}
	return formatted
}

// FormatVolume renders share counts with thousands separators.
func FormatVolume(v int64) string {
	return EscapeMarkdownV2(humanize.Comma(v))
}

// FormatAmount renders large currency amounts compactly (e.g. 1.2 B).
func FormatAmount(v float64) string {
	value, prefix := humanize.ComputeSI(v)
	return EscapeMarkdownV2(humanize.FtoaWithDigits(value, 2) + " " + prefix)
}
