package notify

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/assuredefi/mason-autopilot/internal/domain"
)

// FormatEvent renders an event as a title, body, and attachment color. The
// switch is exhaustive over the event payload union; an unknown payload
// falls back to the bare event type.
func FormatEvent(ev *domain.NotificationEvent) (title, body, color string) {
	switch data := ev.Data.(type) {
	case domain.AnalysisCompletedData:
		title = "Analysis completed"
		body = fmt.Sprintf("%d items created, %d auto-approved", data.ItemsCreated, data.ItemsApproved)
		color = "#439FE0"

	case domain.HighPriorityFindingData:
		title = "High-priority finding"
		body = fmt.Sprintf("%s (impact %d, %s)", data.Title, data.Impact, data.Category)
		color = "warning"

	case domain.ExecutionCompletedData:
		title = "Execution completed"
		body = fmt.Sprintf("%s finished in %s", data.Title, data.Duration.Round(time.Second))
		if data.PRURL != "" {
			body += "\n" + data.PRURL
		}
		color = "good"

	case domain.ExecutionFailedData:
		title = "Execution failed"
		body = fmt.Sprintf("[%s] %s", data.ErrorCode, data.Error)
		if data.Title != "" {
			body = data.Title + ": " + body
		}
		color = "danger"

	case domain.DailyDigestData:
		title = "Daily digest"
		body = fmt.Sprintf("%s completed, %s failed, %s pending",
			countItems(data.ItemsCompleted), countItems(data.ItemsFailed), countItems(data.ItemsPending))
		color = "#439FE0"

	default:
		title = string(ev.Type)
		color = "#439FE0"
	}
	return title, body, color
}

func countItems(n int) string {
	return fmt.Sprintf("%s %s", humanize.Comma(int64(n)), plural(n, "item", "items"))
}

func plural(n int, singular, plural string) string {
	if n == 1 {
		return singular
	}
	return plural
}
