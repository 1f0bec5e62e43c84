package units

import (
	"context"
	"fmt"
	"strings"

	sdrerrors "github.com/calm329/SDR-Agent/pkg/errors"
	"github.com/calm329/SDR-Agent/pkg/workspace"
)

var fundingWords = []string{"funding", "raised", "investment", "investor", "series", "valuation"}

// CompanyResearchUnit builds a company profile from the homepage and web
// search: website, description, size, location, tech stack, news and
// funding.
type CompanyResearchUnit struct {
	caller *Caller
}

// NewCompanyResearch returns the company_research unit.
func NewCompanyResearch(caller *Caller) *CompanyResearchUnit {
	return &CompanyResearchUnit{caller: caller}
}

// Name implements Unit.
func (u *CompanyResearchUnit) Name() string { return CompanyResearch }

// Invoke implements Unit.
func (u *CompanyResearchUnit) Invoke(ctx context.Context, snapshot *workspace.Workspace) (workspace.Delta, error) {
	company := strings.TrimSpace(snapshot.Input(workspace.InputCompany))
	if company == "" {
		return workspace.ResultDelta(workspace.ErrorResult(CompanyResearch, "no company named in request", nil)), nil
	}

	var (
		texts     []string
		citations []string
		warnings  []string
		hits      []Hit
		calls     int
		failures  int
	)
	search := func(query string) SearchResult {
		calls++
		res, err := u.caller.Search(ctx, query)
		if err != nil {
			failures++
			warnings = append(warnings, fmt.Sprintf("search %q: %v", query, err))
			return res
		}
		texts = append(texts, res.Text)
		hits = append(hits, res.Hits...)
		citations = append(citations, hitURLs(res.Hits, 3)...)
		return res
	}

	overview := search(fmt.Sprintf("%s company overview headquarters founded", company))

	candidates := guessWebsites(company)
	if site := pickWebsite(company, overview.Hits); site != "" {
		candidates = append([]string{site}, candidates...)
	}
	website := ""
	var page Page
	for _, candidate := range dedupe(candidates, 0) {
		calls++
		p, err := u.caller.ScrapeWithFallback(ctx, candidate, company)
		if err != nil {
			failures++
			warnings = append(warnings, fmt.Sprintf("scrape %s: %v", candidate, err))
			if ctx.Err() != nil {
				break
			}
			continue
		}
		page = p
		if !p.Fallback {
			website = candidate
		}
		break
	}
	if page.Content != "" {
		texts = append([]string{page.Content}, texts...)
		citations = append(page.Citations, citations...)
	}

	search(fmt.Sprintf("%s number of employees headcount", company))

	query := strings.ToLower(snapshot.Input(workspace.InputQuery))
	if containsAny(query, fundingWords) {
		search(fmt.Sprintf("%s funding round raised million series", company))
	}

	if failures == calls {
		return workspace.Delta{}, sdrerrors.New(sdrerrors.CodeUnit, "every research call failed", nil).
			WithContext("company", company).
			WithContext("calls", calls)
	}

	all := strings.Join(texts, "\n\n")
	payload := map[string]any{
		"name":           company,
		"website":        orUnknown(website),
		"description":    describe(page, all),
		"size":           "Unknown",
		"location":       orUnknown(firstMatch(hqPattern, all)),
		"tech_stack":     techStack(all),
		"recent_news":    newsSnippets(hits, 3),
		"funding_rounds": fundingEvents(all, 3),
	}
	if raw := firstMatch(employeesPattern, all); raw != "" {
		if n, ok := parseEmployeeCount(raw); ok {
			payload["size"] = fmt.Sprintf("%s employees", raw)
			payload["employee_count"] = n
		}
	}
	if year := firstMatch(foundedPattern, all); year != "" {
		payload["founded"] = year
	}
	if round := firstMatch(roundPattern, all); round != "" {
		payload["latest_round"] = roundLabel(round)
	}
	if li := linkedInCompany(hits); li != "" {
		payload["linkedin"] = li
	}
	if page.Method != "" {
		payload["source_method"] = page.Method
	}
	if len(warnings) > 0 {
		payload["warnings"] = warnings
	}
	return workspace.ResultDelta(workspace.NewResult(CompanyResearch, payload, dedupe(citations, 0))), nil
}

func describe(page Page, all string) string {
	if page.Content != "" && !page.Fallback {
		return summary(page.Content, 300)
	}
	return summary(all, 300)
}

func linkedInCompany(hits []Hit) string {
	for _, h := range hits {
		if strings.Contains(h.URL, "linkedin.com/company/") {
			return h.URL
		}
	}
	return ""
}

// roundLabel normalizes "series b" to "Series B" and "ipo" to "IPO".
func roundLabel(round string) string {
	words := strings.Fields(strings.ToLower(round))
	for i, w := range words {
		switch {
		case w == "ipo":
			words[i] = "IPO"
		case len(w) == 1:
			words[i] = strings.ToUpper(w)
		default:
			words[i] = strings.ToUpper(w[:1]) + w[1:]
		}
	}
	return strings.Join(words, " ")
}

func orUnknown(s string) string {
	if s == "" {
		return "Unknown"
	}
	return s
}
