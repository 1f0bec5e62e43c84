package units

import (
	"context"
	"fmt"
	"strings"

	"github.com/calm329/SDR-Agent/pkg/workspace"
)

// OutreachPersonalizationUnit drafts an email, a LinkedIn note and a call
// talk track for the primary contact.
type OutreachPersonalizationUnit struct {
	caller *Caller
}

// NewOutreachPersonalization returns the outreach_personalization unit.
func NewOutreachPersonalization(caller *Caller) *OutreachPersonalizationUnit {
	return &OutreachPersonalizationUnit{caller: caller}
}

// Name implements Unit.
func (u *OutreachPersonalizationUnit) Name() string { return OutreachPersonalization }

// Invoke implements Unit. Without company research or a named contact it
// returns an error-flagged result instead of inventing a recipient.
func (u *OutreachPersonalizationUnit) Invoke(ctx context.Context, snapshot *workspace.Workspace) (workspace.Delta, error) {
	company, ok := upstream(snapshot, CompanyResearch)
	if !ok {
		return workspace.ResultDelta(workspace.ErrorResult(OutreachPersonalization, "no company research available", nil)), nil
	}
	name := stringValue(company.Payload, "name")

	var contact map[string]any
	if res, ok := upstream(snapshot, ContactDiscovery); ok {
		contact = mapValue(res.Payload, "primary_contact")
	}
	if strings.TrimSpace(stringValue(contact, "name")) == "" {
		return workspace.ResultDelta(workspace.ErrorResult(OutreachPersonalization, "no contact information available", map[string]any{
			"message": fmt.Sprintf("Unable to personalize outreach for %s: no contact found in search results", name),
			"suggestions": []string{
				"Name a different role in the request",
				"Search conference speaker lists or GitHub profiles",
				"Confirm the company name",
			},
		})), nil
	}

	var qualification map[string]any
	if res, ok := upstream(snapshot, LeadQualification); ok {
		qualification = res.Payload
	}

	var (
		citations       []string
		warnings        []string
		contactInsights []string
		companyInsights []string
	)
	if li := stringValue(contact, "linkedin"); li != "" {
		if text, err := u.caller.Scrape(ctx, li); err == nil {
			contactInsights = profileInsights(text)
			citations = append(citations, li)
		}
	}
	news, err := u.caller.Search(ctx, fmt.Sprintf("%s latest news announcement", name))
	if err != nil {
		warnings = append(warnings, fmt.Sprintf("news search: %v", err))
	} else {
		companyInsights = newsInsights(news.Text)
		citations = append(citations, hitURLs(news.Hits, 3)...)
	}

	payload := draftOutreach(company.Payload, contact, qualification, companyInsights)
	if len(contactInsights) > 0 {
		payload["contact_insights"] = contactInsights
	}
	if len(warnings) > 0 {
		payload["warnings"] = warnings
	}
	return workspace.ResultDelta(workspace.NewResult(OutreachPersonalization, payload, dedupe(citations, 0))), nil
}

func profileInsights(text string) []string {
	lower := strings.ToLower(text)
	var out []string
	if containsAny(lower, []string{"posted", "shared"}) {
		out = append(out, "Active on LinkedIn")
	}
	for _, topic := range []string{"machine learning", "devops", "cloud", "automation", "digital transformation"} {
		if strings.Contains(lower, topic) {
			out = append(out, "Interested in "+topic)
		}
	}
	if containsAny(lower, []string{"promoted", "new role"}) {
		out = append(out, "Recent role change")
	}
	return out
}

func newsInsights(text string) []string {
	lower := strings.ToLower(text)
	var out []string
	for _, rule := range []struct {
		words   []string
		insight string
	}{
		{[]string{"announced", "launches"}, "Recent product announcement"},
		{[]string{"funding", "raised"}, "Recent funding activity"},
		{[]string{"partnership", "collaboration"}, "New partnership"},
		{[]string{"expansion", "growth"}, "Company expansion"},
	} {
		if containsAny(lower, rule.words) {
			out = append(out, rule.insight)
		}
	}
	return out
}

// draftOutreach assembles the outreach payload from upstream results.
// qualification may be nil.
func draftOutreach(company, contact, qualification map[string]any, insights []string) map[string]any {
	companyName := stringValue(company, "name")
	fullName := stringValue(contact, "name")
	first := strings.Fields(fullName)[0]

	score, _ := intValue(qualification, "qualification_score")
	tech := stringsValue(qualification, "technology_signals")
	if len(tech) == 0 {
		for _, t := range stringsValue(company, "tech_stack") {
			tech = append(tech, "Uses "+t)
		}
	}

	var subjects []string
	if score >= 80 {
		subjects = append(subjects,
			fmt.Sprintf("Quick question about %s's engineering initiatives", companyName),
			fmt.Sprintf("%s - solving delivery bottlenecks at %s", first, companyName))
	} else {
		subjects = append(subjects,
			fmt.Sprintf("%s - quick question about %s's engineering", first, companyName),
			fmt.Sprintf("Ideas for %s's tech stack", companyName))
	}
	if len(insights) > 0 {
		subjects = append(subjects, fmt.Sprintf("Congrats on %s's %s", companyName, strings.ToLower(insights[0])))
	}

	var hooks []string
	if len(insights) > 0 {
		hooks = append(hooks, fmt.Sprintf("I noticed %s's %s", companyName, strings.ToLower(insights[0])))
	}
	if len(tech) > 0 {
		hooks = append(hooks, fmt.Sprintf("I see you're using %s", strings.TrimPrefix(tech[0], "Uses ")))
	}
	if news := stringsValue(company, "recent_news"); len(news) > 0 {
		hooks = append(hooks, fmt.Sprintf("Saw the news: %s", truncate(news[0], 80)))
	}
	opening := fmt.Sprintf("I came across %s and was impressed by what you're building", companyName)
	if len(hooks) > 0 {
		opening = hooks[0]
	}

	value := "streamline your engineering workflows and accelerate delivery"
	stack := strings.Join(tech, " ")
	switch {
	case strings.Contains(stack, "Kubernetes") || strings.Contains(stack, "Docker"):
		value = "optimize your container orchestration and reduce infrastructure costs"
	case strings.Contains(stack, "Jenkins") || strings.Contains(stack, "GitHub Actions"):
		value = "automate your deployment pipeline and shorten release cycles"
	}

	return map[string]any{
		"target":                fullName,
		"target_title":          stringValue(contact, "title"),
		"company":               companyName,
		"email_subject_lines":   limit(subjects, 3),
		"email_opening":         opening,
		"value_proposition":     "We can " + value,
		"social_proof":          fmt.Sprintf("We've helped companies similar to %s %s", companyName, value),
		"call_to_action":        "Would you be open to a brief 15-minute call next week to explore if we could help?",
		"personalization_hooks": limit(hooks, 3),
		"linkedin_message":      fmt.Sprintf("Hi %s, %s. I'd love to connect and share some ideas on how we could %s. Open to a quick chat?", first, opening, value),
		"talk_track": map[string]any{
			"opening": fmt.Sprintf("Thanks for taking my call, %s. %s.", first, opening),
			"qualifying_questions": []string{
				fmt.Sprintf("How is %s currently handling deployments?", companyName),
				"What's the biggest bottleneck in your engineering workflow?",
				"How much time does your team spend on manual processes?",
			},
			"value_points": []string{
				"We can " + value,
				"Most clients see ROI within 90 days",
				"No disruption to your existing workflow",
			},
		},
	}
}

func limit(in []string, n int) []string {
	if len(in) > n {
		return in[:n]
	}
	if in == nil {
		return []string{}
	}
	return in
}
