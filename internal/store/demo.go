package store

import (
	"fmt"

	"github.com/flowmint/flowmint/pkg/models"
)

// DemoStats are the counters installed alongside DemoPatterns.
var DemoStats = models.UserStats{
	ActionsCaptured:  1247,
	PatternsDetected: 3,
	AgentsDeployed:   1,
	TimeSavedHours:   12.5,
	ADAEarned:        0,
}

// DemoPatterns returns the three sample patterns used by demo mode, all
// DETECTED. now is epoch milliseconds for the sample actions.
func DemoPatterns(now int64) []models.Pattern {
	return []models.Pattern{
		{
			ID:          "p1",
			Name:        "Weekly Report Scraper",
			Description: "Login to Analytics Dashboard > Navigate to Reports > Set Date Range > Export CSV > Email to Team",
			Frequency:   12,
			Confidence:  0.96,
			TimeSaved:   45,
			Actions:     repeatAction("p1", 5, models.ActionClick, "button.export", now),
			Status:      models.StatusDetected,
			CreatedAt:   now,
		},
		{
			ID:          "p2",
			Name:        "Competitor Price Monitor",
			Description: "Visit Competitor A > Scrape Product Price > Visit Competitor B > Scrape Price > Update Google Sheet",
			Frequency:   28,
			Confidence:  0.89,
			TimeSaved:   120,
			Actions:     repeatAction("p2", 8, models.ActionScrape, "div.price", now),
			Status:      models.StatusDetected,
			CreatedAt:   now,
		},
		{
			ID:          "p3",
			Name:        "Invoice Processor",
			Description: "Open Email Attachment > Extract PDF Data > Match PO Number > Upload to SAP > Archive Email",
			Frequency:   45,
			Confidence:  0.92,
			TimeSaved:   180,
			Actions:     repeatAction("p3", 6, models.ActionInput, "input.po-number", now),
			Status:      models.StatusDetected,
			CreatedAt:   now,
		},
	}
}

func repeatAction(prefix string, n int, typ models.ActionType, target string, ts int64) []models.Action {
	out := make([]models.Action, n)
	for i := range out {
		out[i] = models.Action{
			ID:        fmt.Sprintf("%s-a%d", prefix, i+1),
			UserID:    models.DefaultUserID,
			Type:      typ,
			Target:    target,
			Timestamp: ts,
		}
	}
	return out
}
