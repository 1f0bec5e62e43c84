package governance

import (
	"slices"
	"testing"
)

func TestToolFilterEmpty(t *testing.T) {
	filter := NewToolFilter()
	if !filter.Allowed("search_engine") || !filter.Empty() {
		t.Error("empty filter should allow all tools")
	}
	var nilFilter *ToolFilter
	if !nilFilter.Allowed("anything") || !nilFilter.Empty() {
		t.Error("nil filter should allow all tools")
	}
}

func TestToolFilterAllowlist(t *testing.T) {
	filter := NewToolFilter(WithAllowlist([]string{"search_engine", " scrape_* ", ""}))

	tests := []struct {
		tool    string
		allowed bool
	}{
		{"search_engine", true},
		{"scrape_as_markdown", true},
		{"scraping_browser_navigate", false},
	}
	for _, tc := range tests {
		if got := filter.Allowed(tc.tool); got != tc.allowed {
			t.Errorf("tool %q: expected allowed=%v, got %v", tc.tool, tc.allowed, got)
		}
	}
}

func TestToolFilterDenylistTakesPrecedence(t *testing.T) {
	filter := NewToolFilter(
		WithAllowlist([]string{"*"}),
		WithDenylist([]string{"scraping_browser_*"}),
	)
	d := filter.Check("scraping_browser_get_text")
	if d.Allowed || d.Rule != "scraping_browser_*" || d.Reason == "" {
		t.Fatalf("unexpected decision %+v", d)
	}
	if !filter.Allowed("search_engine") {
		t.Fatal("search_engine should be allowed")
	}
}

func TestToolFilterFilter(t *testing.T) {
	filter := NewToolFilter(WithDenylist([]string{"web_data_*"}))
	got := filter.Filter([]string{"search_engine", "web_data_linkedin_person_profile", "scrape_as_markdown"})
	if !slices.Equal(got, []string{"scrape_as_markdown", "search_engine"}) {
		t.Fatalf("Filter = %v", got)
	}
}

func TestToolFilterBadPatternNeverMatches(t *testing.T) {
	filter := NewToolFilter(WithDenylist([]string{"[search"}))
	if !filter.Allowed("search_engine") {
		t.Fatal("malformed pattern should not deny")
	}
}
