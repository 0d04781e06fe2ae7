package research

import (
	"fmt"
	"strings"
)

// Report styles. Unrecognized styles fall back to academic.
const (
	StyleAcademic   = "academic"
	StyleNews       = "news"
	StyleSocial     = "social"
	StyleInvestment = "investment"
)

// styleLayout controls the headings and framing of a rendered report.
type styleLayout struct {
	findingsHeading string
	closingHeading  string
	closingLine     string
}

var styleLayouts = map[string]styleLayout{
	StyleAcademic: {
		findingsHeading: "Findings",
		closingHeading:  "Conclusion",
		closingLine:     "The findings above summarize the evidence gathered for this question.",
	},
	StyleNews: {
		findingsHeading: "What We Know",
		closingHeading:  "The Bottom Line",
		closingLine:     "This story reflects the information available at the time of research.",
	},
	StyleSocial: {
		findingsHeading: "Key Takeaways",
		closingHeading:  "TL;DR",
		closingLine:     "That's the short version. Sources below if you want to dig deeper.",
	},
	StyleInvestment: {
		findingsHeading: "Analysis",
		closingHeading:  "Outlook",
		closingLine:     "This analysis is informational and not investment advice.",
	},
}

// MarkdownReporter renders the terminal report. It is a pure function of its
// inputs: identical query, plan, observations, resources and style always
// produce identical text.
type MarkdownReporter struct{}

func NewMarkdownReporter() *MarkdownReporter { return &MarkdownReporter{} }

func (r *MarkdownReporter) Render(query string, plan *Plan, observations []Observation, resources []Resource, style string) string {
	layout, ok := styleLayouts[style]
	if !ok {
		layout = styleLayouts[StyleAcademic]
	}

	var b strings.Builder

	title := query
	if plan != nil && strings.TrimSpace(plan.Title) != "" {
		title = plan.Title
	}
	fmt.Fprintf(&b, "# %s\n\n", title)
	fmt.Fprintf(&b, "**Research question:** %s\n\n", query)

	if plan != nil && strings.TrimSpace(plan.Thought) != "" {
		fmt.Fprintf(&b, "## Approach\n\n%s\n\n", plan.Thought)
	}

	fmt.Fprintf(&b, "## %s\n\n", layout.findingsHeading)
	if len(observations) == 0 {
		b.WriteString("No findings were gathered for this question.\n\n")
	}
	for _, ob := range observations {
		origin := "Background investigation"
		if ob.StepIndex >= 0 {
			origin = fmt.Sprintf("Step %d", ob.StepIndex+1)
			if plan != nil && ob.StepIndex < len(plan.Steps) {
				origin = fmt.Sprintf("Step %d: %s", ob.StepIndex+1, plan.Steps[ob.StepIndex].Title)
			}
		}
		fmt.Fprintf(&b, "### %s\n\n%s\n\n", origin, ob.Content)
	}

	fmt.Fprintf(&b, "## %s\n\n%s\n\n", layout.closingHeading, layout.closingLine)

	if len(resources) > 0 {
		b.WriteString("## Sources\n\n")
		for _, res := range resources {
			title := res.Title
			if title == "" {
				title = res.URL
			}
			fmt.Fprintf(&b, "- [%s](%s)\n", title, res.URL)
		}
	}

	return b.String()
}
