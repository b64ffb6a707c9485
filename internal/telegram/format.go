package telegram

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"stock-cockpit/internal/jobs"
	"stock-cockpit/internal/notify"
	"stock-cockpit/internal/types"
	"stock-cockpit/lib/helpers"
	"stock-cockpit/lib/translation"
)

// Fallbacks mirror locales/en/default.po and are used when no catalog is loaded.
const (
	fallbackTriggered     = "🚨 *Price Alert Triggered*\n\n*%s \\(%s\\)* is %s the target of *%s*\nCurrent price: *%s*"
	fallbackAbove         = "at or above"
	fallbackBelow         = "at or below"
	fallbackInstitutional = "🏦 *Institutional flow %s*\nForeign: *%s* 億\nTrust: *%s* 億\nDealer: *%s* 億\nTotal: *%s* 億\nWatchlist symbols: %d"
	fallbackMargin        = "📊 *Margin data %s*\nStored %d watchlist symbols"
	fallbackTDCC          = "👥 *Large holder census*\nStored %d holding rows for %d symbols"
	fallbackReview        = "🤖 *Daily review %s*\n\n%s"
	fallbackFailed        = "⚠️ *Job %s failed*\n%s"
	fallbackQuote         = "*%s* %s  %s \\(%s%%\\)  vol %s"
	fallbackNoAlerts      = "No active alerts\\."
	fallbackAlertItem     = "• *%s* %s *%s*"
	fallbackHelp          = "Commands:\n/p <symbol> quote\n/c <symbol> chart\n/alerts active alerts"
	fallbackNoQuote       = "No quote for that symbol yet\\."
)

// Telegram rejects messages over 4096 characters.
const maxReviewRunes = 3500

// formatEvent renders ev as MarkdownV2. ok is false for events that are not
// worth a chat message.
func formatEvent(ev notify.Event) (text string, ok bool) {
	if ev.Error != "" {
		return translation.TranslateOr("job.failed", fallbackFailed,
			helpers.EscapeMarkdownV2(ev.Job), helpers.EscapeMarkdownV2(ev.Error)), true
	}

	switch ev.Kind {
	case notify.AlertTriggered:
		t, ok := ev.Payload.(types.TriggerEvent)
		if !ok {
			return "", false
		}
		return formatTrigger(t), true

	case notify.InstitutionalCompleted:
		s, ok := ev.Payload.(jobs.InstitutionalSummary)
		if !ok || s.Skipped != "" || s.Market == nil {
			return "", false
		}
		m := s.Market
		return translation.TranslateOr("job.institutional", fallbackInstitutional,
			helpers.EscapeMarkdownV2(s.Date),
			helpers.FormatSigned(m.ForeignNet, true),
			helpers.FormatSigned(m.TrustNet, true),
			helpers.FormatSigned(m.DealerNet, true),
			helpers.FormatSigned(m.TotalNet(), true),
			len(s.Stocks)), true

	case notify.MarginCompleted:
		s, ok := ev.Payload.(jobs.MarginSummary)
		if !ok || s.Skipped != "" {
			return "", false
		}
		return translation.TranslateOr("job.margin", fallbackMargin,
			helpers.EscapeMarkdownV2(s.Date), len(s.Rows)), true

	case notify.TDCCCompleted:
		s, ok := ev.Payload.(jobs.TDCCSummary)
		if !ok {
			return "", false
		}
		return translation.TranslateOr("job.tdcc", fallbackTDCC, s.Rows, s.Symbols), true

	case notify.AIReviewCompleted:
		s, ok := ev.Payload.(jobs.ReviewSummary)
		if !ok || s.Skipped != "" {
			return "", false
		}
		return translation.TranslateOr("job.review", fallbackReview,
			helpers.EscapeMarkdownV2(s.Date), helpers.EscapeMarkdownV2(truncate(s.Content, maxReviewRunes))), true
	}
	return "", false
}

func formatTrigger(t types.TriggerEvent) string {
	dir := translation.TranslateOr("alert.above", fallbackAbove)
	if t.Direction == types.Below {
		dir = translation.TranslateOr("alert.below", fallbackBelow)
	}
	name := t.Name
	if name == "" {
		name = t.Symbol
	}
	return translation.TranslateOr("alert.triggered", fallbackTriggered,
		helpers.EscapeMarkdownV2(name),
		helpers.EscapeMarkdownV2(t.Symbol),
		dir,
		helpers.FormatPrice(t.TargetPrice, true),
		helpers.FormatPrice(t.CurrentPrice, true),
	)
}

func formatQuote(s types.Snapshot) string {
	return translation.TranslateOr("quote.line", fallbackQuote,
		helpers.EscapeMarkdownV2(s.Symbol),
		helpers.FormatPrice(s.Price, true),
		helpers.FormatSigned(s.Change, true),
		helpers.FormatSigned(s.ChangePercent, true),
		helpers.FormatVolume(s.TotalVolume),
	)
}

func formatAlerts(alerts []types.Alert) string {
	if len(alerts) == 0 {
		return translation.TranslateOr("alerts.none", fallbackNoAlerts)
	}
	var b strings.Builder
	for i, a := range alerts {
		if i > 0 {
			b.WriteString("\n")
		}
		dir := translation.TranslateOr("alert.above", fallbackAbove)
		if a.Direction == types.Below {
			dir = translation.TranslateOr("alert.below", fallbackBelow)
		}
		b.WriteString(translation.TranslateOr("alerts.item", fallbackAlertItem,
			helpers.EscapeMarkdownV2(a.Symbol), dir, helpers.FormatPrice(a.TargetPrice, true)))
	}
	return b.String()
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return fmt.Sprintf("%s…", string(r[:n]))
}
