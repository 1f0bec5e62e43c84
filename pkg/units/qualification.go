package units

import (
	"context"
	"fmt"
	"strings"

	"github.com/calm329/SDR-Agent/pkg/workspace"
)

// Lead priorities.
const (
	PriorityHigh   = "High"
	PriorityMedium = "Medium"
	PriorityLow    = "Low"
)

// LeadQualificationUnit scores a researched company from technology,
// buying, growth and funding signals.
type LeadQualificationUnit struct {
	caller *Caller
}

// NewLeadQualification returns the lead_qualification unit.
func NewLeadQualification(caller *Caller) *LeadQualificationUnit {
	return &LeadQualificationUnit{caller: caller}
}

// Name implements Unit.
func (u *LeadQualificationUnit) Name() string { return LeadQualification }

type signals struct {
	tech    []string
	buying  []string
	growth  []string
	funding []string
}

// Invoke implements Unit. It needs a successful company_research result.
func (u *LeadQualificationUnit) Invoke(ctx context.Context, snapshot *workspace.Workspace) (workspace.Delta, error) {
	company, ok := upstream(snapshot, CompanyResearch)
	if !ok {
		return workspace.ResultDelta(workspace.ErrorResult(LeadQualification, "no company research available", nil)), nil
	}
	name := stringValue(company.Payload, "name")
	product := productContext(snapshot.Input(workspace.InputQuery))

	var (
		sig       signals
		citations []string
		warnings  []string
	)

	if host := hostOf(stringValue(company.Payload, "website")); host != "" {
		for _, path := range []string{"/careers", "/jobs"} {
			url := "https://" + host + path
			text, err := u.caller.Scrape(ctx, url)
			if err != nil {
				continue
			}
			for _, tech := range techStack(text) {
				sig.tech = append(sig.tech, "Uses "+tech)
			}
			sig.growth = append(sig.growth, "Actively hiring")
			citations = append(citations, url)
			break
		}
	}

	techRes, err := u.caller.Search(ctx, fmt.Sprintf("%s technology stack engineering blog", name))
	if err != nil {
		warnings = append(warnings, fmt.Sprintf("technology search: %v", err))
	} else {
		for _, tech := range techStack(techRes.Text) {
			sig.tech = append(sig.tech, "Uses "+tech)
		}
		citations = append(citations, hitURLs(techRes.Hits, 2)...)
	}

	fundRes, err := u.caller.Search(ctx, fmt.Sprintf("%s funding round series investment raised million", name))
	if err != nil {
		warnings = append(warnings, fmt.Sprintf("funding search: %v", err))
	} else {
		events := fundingEvents(fundRes.Text, 3)
		sig.funding = append(sig.funding, events...)
		if len(events) > 0 {
			sig.buying = append(sig.buying, "Recent funding indicates budget availability")
		}
		sig.growth = append(sig.growth, growthSignals(fundRes.Text)...)
		citations = append(citations, hitURLs(fundRes.Hits, 2)...)
	}

	for _, tech := range stringsValue(company.Payload, "tech_stack") {
		sig.tech = append(sig.tech, "Uses "+tech)
	}
	sig.funding = append(sig.funding, stringsValue(company.Payload, "funding_rounds")...)

	if strings.Contains(strings.ToLower(product), "devops") {
		if n, ok := intValue(company.Payload, "employee_count"); ok {
			if n > 1000 {
				sig.buying = append(sig.buying, "Large engineering organization needs DevOps automation")
			}
			if n > 5000 {
				sig.buying = append(sig.buying, "Enterprise-scale company requires robust CI/CD")
			}
		}
	}

	sig.tech = dedupe(sig.tech, 10)
	sig.growth = dedupe(sig.growth, 5)
	sig.buying = dedupe(sig.buying, 5)
	sig.funding = dedupe(sig.funding, 3)

	score := qualificationScore(sig, product)
	priority, approach := prioritize(score)
	payload := map[string]any{
		"company":              name,
		"product_context":      product,
		"qualification_score":  score,
		"technology_signals":   sig.tech,
		"buying_signals":       sig.buying,
		"growth_signals":       sig.growth,
		"funding_events":       sig.funding,
		"priority":             priority,
		"recommended_approach": approach,
	}
	if len(warnings) > 0 {
		payload["warnings"] = warnings
	}
	return workspace.ResultDelta(workspace.NewResult(LeadQualification, payload, dedupe(citations, 0))), nil
}

// productContext guesses what is being sold from the request wording.
func productContext(query string) string {
	q := strings.ToLower(query)
	switch {
	case containsAny(q, []string{"devops", "ci/cd", "deployment"}):
		return "DevOps tools and CI/CD solutions"
	case strings.Contains(q, "data") && containsAny(q, []string{"analytics", "warehouse"}):
		return "Data analytics and warehousing solutions"
	case strings.Contains(q, "security"):
		return "Security solutions"
	default:
		return "technology solutions"
	}
}

func growthSignals(text string) []string {
	lower := strings.ToLower(text)
	var out []string
	for _, rule := range []struct{ word, signal string }{
		{"hiring", "Actively hiring"},
		{"expan", "Expanding operations"},
		{"new office", "Opening new offices"},
		{"acqui", "Recent acquisition activity"},
		{"headcount", "Growing headcount"},
	} {
		if strings.Contains(lower, rule.word) {
			out = append(out, rule.signal)
		}
	}
	return out
}

// qualificationScore starts at 50 and adds capped points per signal kind,
// plus a bonus when a DevOps product meets a matching stack. The result is
// at most 100.
func qualificationScore(sig signals, product string) int {
	score := 50
	score += min(len(sig.tech)*5, 25)
	score += min(len(sig.buying)*10, 20)
	score += min(len(sig.growth)*5, 15)
	score += min(len(sig.funding)*10, 20)
	if strings.Contains(strings.ToLower(product), "devops") {
		stack := strings.ToLower(strings.Join(sig.tech, " "))
		switch {
		case containsAny(stack, []string{"kubernetes", "docker", "aws", "cloud", "microservices"}):
			score += 15
		case len(sig.tech) > 0:
			score += 10
		}
	}
	return min(score, 100)
}

func prioritize(score int) (priority, approach string) {
	switch {
	case score >= 80:
		return PriorityHigh, "Hot lead - Schedule demo immediately"
	case score >= 60:
		return PriorityMedium, "Warm lead - Personalized outreach within 24 hours"
	default:
		return PriorityLow, "Cool lead - Add to nurture campaign. Monitor for buying signals."
	}
}
