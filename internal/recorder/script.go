package recorder

import (
	"context"
	"time"

	"github.com/flowmint/flowmint/pkg/models"
)

// Step is one scripted interaction.
type Step struct {
	Kind        models.RawEventKind
	Target      models.Element
	Description string
}

// DemoURL is the page every DemoWorkflow step is recorded against.
const DemoURL = "https://crm.example.com/leads"

// DemoWorkflow is a sales lead export that the analysis service recognizes
// as a single automatable pattern.
var DemoWorkflow = []Step{
	{Kind: models.RawClick, Target: models.Element{Tag: "BUTTON", ID: "login"}, Description: "Login to CRM"},
	{Kind: models.RawClick, Target: models.Element{Tag: "A", ClassName: "nav-leads"}, Description: "Navigate to Leads"},
	{Kind: models.RawChange, Target: models.Element{Tag: "INPUT", ID: "industry-filter", Value: "Software"}, Description: `Filter: "Software"`},
	{Kind: models.RawClick, Target: models.Element{Tag: "BUTTON", ClassName: "apply"}, Description: "Apply Filter"},
	{Kind: models.RawClick, Target: models.Element{Tag: "BUTTON", ClassName: "select-all"}, Description: "Select All Rows"},
	{Kind: models.RawClick, Target: models.Element{Tag: "BUTTON", ClassName: "export-csv"}, Description: "Export to CSV"},
	{Kind: models.RawClick, Target: models.Element{Tag: "BUTTON", ClassName: "confirm"}, Description: "Confirm Download"},
}

// Play records steps in order, pausing pace between them. onStep, when set,
// is called after each step is handed off. Play stops early if ctx is done
// and returns the number of steps recorded.
func (r *Recorder) Play(ctx context.Context, steps []Step, url string, pace time.Duration, onStep func(Step, models.Action)) int {
	played := 0
	for i, step := range steps {
		if i > 0 && pace > 0 {
			select {
			case <-ctx.Done():
				return played
			case <-time.After(pace):
			}
		}
		if ctx.Err() != nil {
			return played
		}

		target := step.Target
		meta := map[string]any{"description": step.Description}
		switch step.Kind {
		case models.RawClick:
			meta["text"] = target.Text
		case models.RawChange:
			meta["value"] = target.Value
		}
		action, ok := r.Record(models.RawEvent{Kind: step.Kind, Target: &target, URL: url, Metadata: meta})
		if !ok {
			continue
		}
		played++
		if onStep != nil {
			onStep(step, action)
		}
	}
	return played
}
