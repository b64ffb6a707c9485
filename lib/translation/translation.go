package translation

import (
	"fmt"
	"strings"

	"github.com/leonelquinteros/gotext"
)

// Configure loads the message catalog for lang from dir. Locale strings
// such as "zh_TW.UTF-8" are reduced to their language part.
func Configure(dir, lang string) {
	lang, _, _ = strings.Cut(lang, ".")
	if lang == "" || lang == "c" || lang == "posix" {
		lang = "en"
	}
	gotext.Configure(dir, lang, "default")
}

func GetLanguage() string {
	lang := gotext.GetLanguage()

	if lang == "und" || lang == "" {
		return "en"
	}

	return lang
}

// TranslateOr formats fallback when the catalog has no entry for msgID.
func TranslateOr(msgID, fallback string, vars ...interface{}) string {
	if !gotext.IsTranslated(msgID) {
		return fmt.Sprintf(fallback, vars...)
	}
	return gotext.Get(msgID, vars...)
}
