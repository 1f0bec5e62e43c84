package units

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	sdrerrors "github.com/calm329/SDR-Agent/pkg/errors"
	"github.com/calm329/SDR-Agent/pkg/workspace"
)

// DefaultRole is searched for when the request names none.
const DefaultRole = "VP of Engineering"

// ContactDiscoveryUnit looks for the decision maker holding a role at the
// target company and proposes an email address for them.
type ContactDiscoveryUnit struct {
	caller *Caller
}

// NewContactDiscovery returns the contact_discovery unit.
func NewContactDiscovery(caller *Caller) *ContactDiscoveryUnit {
	return &ContactDiscoveryUnit{caller: caller}
}

// Name implements Unit.
func (u *ContactDiscoveryUnit) Name() string { return ContactDiscovery }

// Invoke implements Unit. The searches run concurrently; a failed search
// only costs its own results.
func (u *ContactDiscoveryUnit) Invoke(ctx context.Context, snapshot *workspace.Workspace) (workspace.Delta, error) {
	company := strings.TrimSpace(snapshot.Input(workspace.InputCompany))
	if company == "" {
		return workspace.ResultDelta(workspace.ErrorResult(ContactDiscovery, "no company named in request", nil)), nil
	}
	role := strings.TrimSpace(snapshot.Input(workspace.InputRole))
	if role == "" {
		role = DefaultRole
	}

	queries := contactQueries(company, role)
	results := make([]SearchResult, len(queries))
	errs := make([]error, len(queries))
	var g errgroup.Group
	for i, q := range queries {
		g.Go(func() error {
			results[i], errs[i] = u.caller.Search(ctx, q)
			return nil
		})
	}
	_ = g.Wait()

	var (
		hits      []Hit
		warnings  []string
		citations []string
		failed    int
	)
	for i, res := range results {
		if errs[i] != nil {
			failed++
			warnings = append(warnings, fmt.Sprintf("search %q: %v", queries[i], errs[i]))
			continue
		}
		hits = append(hits, res.Hits...)
	}
	if failed == len(queries) {
		return workspace.Delta{}, sdrerrors.New(sdrerrors.CodeUnit, "every contact search failed", nil).
			WithContext("company", company).
			WithContext("role", role)
	}

	domain := companyDomain(snapshot, company)
	people := findPeople(hits, role)
	contacts := make([]map[string]any, 0, len(people))
	for _, p := range people {
		c := map[string]any{
			"name":   p.Name,
			"title":  p.Title,
			"source": p.Source,
		}
		if p.LinkedIn != "" {
			c["linkedin"] = p.LinkedIn
		}
		if email := emailFor(p.Name, domain); email != "" {
			c["email"] = email
		}
		contacts = append(contacts, c)
		citations = append(citations, p.Source)
	}

	payload := map[string]any{
		"company":        company,
		"requested_role": role,
		"contacts_found": len(contacts),
		"contacts":       contacts,
	}
	if domain != "" {
		payload["email_pattern"] = "first.last@" + domain
	}
	if len(contacts) > 0 {
		payload["primary_contact"] = contacts[0]
	} else {
		warnings = append(warnings, fmt.Sprintf("no %s found for %s in search results", role, company))
	}
	if len(warnings) > 0 {
		payload["warnings"] = warnings
	}
	return workspace.ResultDelta(workspace.NewResult(ContactDiscovery, payload, dedupe(citations, 0))), nil
}

func contactQueries(company, role string) []string {
	return []string{
		fmt.Sprintf("%q %q site:linkedin.com/in/", company, role),
		fmt.Sprintf("%q %q \"announces\" OR \"appoints\" OR \"promotes\"", company, role),
		fmt.Sprintf("%q %q -jobs -careers", role, company),
	}
}

// companyDomain prefers the website found by company research and falls
// back to the first guessed homepage.
func companyDomain(snapshot *workspace.Workspace, company string) string {
	if res, ok := upstream(snapshot, CompanyResearch); ok {
		if host := hostOf(stringValue(res.Payload, "website")); host != "" {
			return host
		}
	}
	if guesses := guessWebsites(company); len(guesses) > 0 {
		return hostOf(guesses[0])
	}
	return ""
}
