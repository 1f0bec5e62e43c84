package units

import (
	"net/url"
	"regexp"
	"slices"
	"strconv"
	"strings"
)

// Hit is one search result recovered from tool output.
type Hit struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
}

var (
	markdownLink = regexp.MustCompile(`\[([^\]]{3,})\]\((https?://[^)\s]+)\)`)
	bareURL      = regexp.MustCompile(`https?://[^\s)\]"'<>]+`)
)

// parseHits extracts results from search output. It understands markdown
// links and "Title:/URL:/Snippet:" blocks; search engine links are dropped
// and URLs are deduplicated in order of appearance.
func parseHits(text string) []Hit {
	var hits []Hit
	seen := map[string]bool{}
	add := func(h Hit) {
		h.URL = strings.TrimRight(h.URL, ".,;")
		if h.URL == "" || seen[h.URL] || isSearchEngineURL(h.URL) {
			return
		}
		seen[h.URL] = true
		hits = append(hits, h)
	}

	lines := strings.Split(text, "\n")
	var block Hit
	for i, raw := range lines {
		line := strings.TrimSpace(raw)
		switch {
		case strings.HasPrefix(line, "Title:"):
			block = Hit{Title: strings.TrimSpace(strings.TrimPrefix(line, "Title:"))}
			continue
		case strings.HasPrefix(line, "URL:"):
			block.URL = strings.TrimSpace(strings.TrimPrefix(line, "URL:"))
			continue
		case strings.HasPrefix(line, "Snippet:"):
			block.Snippet = strings.TrimSpace(strings.TrimPrefix(line, "Snippet:"))
			add(block)
			block = Hit{}
			continue
		}
		for _, m := range markdownLink.FindAllStringSubmatchIndex(line, -1) {
			h := Hit{Title: strings.TrimSpace(line[m[2]:m[3]]), URL: line[m[4]:m[5]]}
			if rest := strings.TrimSpace(line[m[1]:]); rest != "" {
				h.Snippet = strings.TrimLeft(rest, " -:|")
			} else if i+1 < len(lines) {
				h.Snippet = strings.TrimSpace(lines[i+1])
			}
			add(h)
		}
	}
	if block.URL != "" {
		add(block)
	}
	if len(hits) == 0 {
		for _, u := range bareURL.FindAllString(text, -1) {
			add(Hit{URL: u})
		}
	}
	return hits
}

func isSearchEngineURL(raw string) bool {
	host := hostOf(raw)
	return strings.Contains(host, "google.") || strings.Contains(host, "bing.com") || strings.Contains(host, "duckduckgo.com")
}

// hostOf returns the lower-cased host of raw without a leading "www.".
func hostOf(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return ""
	}
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}

// domainMatches reports whether host is domain or one of its subdomains.
func domainMatches(host, domain string) bool {
	return host == domain || strings.HasSuffix(host, "."+domain)
}

var nonSlug = regexp.MustCompile(`[^a-z0-9-]+`)

// slug turns a company name into a guessable domain label.
func slug(name, sep string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	s = strings.ReplaceAll(s, " ", sep)
	return nonSlug.ReplaceAllString(s, "")
}

// guessWebsites lists the homepages tried when search does not reveal one.
func guessWebsites(company string) []string {
	joined, dashed := slug(company, ""), slug(company, "-")
	if joined == "" {
		return nil
	}
	out := []string{"https://www." + joined + ".com", "https://" + joined + ".com"}
	if dashed != joined {
		out = append(out, "https://www."+dashed+".com")
	}
	return out
}

// pickWebsite prefers a result whose host carries the company slug.
func pickWebsite(company string, hits []Hit) string {
	key := slug(company, "")
	if key == "" {
		return ""
	}
	for _, h := range hits {
		host := hostOf(h.URL)
		if host == "" || isSocialHost(host) {
			continue
		}
		if strings.Contains(strings.ReplaceAll(host, "-", ""), key) {
			u, _ := url.Parse(h.URL)
			return u.Scheme + "://" + u.Host
		}
	}
	return ""
}

func isSocialHost(host string) bool {
	for _, d := range []string{"linkedin.com", "twitter.com", "x.com", "facebook.com", "wikipedia.org", "crunchbase.com", "bloomberg.com", "glassdoor.com"} {
		if domainMatches(host, d) {
			return true
		}
	}
	return false
}

var (
	employeesPattern = regexp.MustCompile(`(?i)([\d][\d,.]*\s*(?:k|thousand)?\+?)\s+(?:full[- ]time\s+)?(?:employees|staff|people|team members)`)
	foundedPattern   = regexp.MustCompile(`(?i)\bfounded\s+(?:in\s+)?(1[89]\d\d|20\d\d)\b`)
	hqPattern        = regexp.MustCompile(`(?i)headquarter(?:s|ed)\s+(?:is\s+|are\s+)?in\s+([A-Z][\w.' -]+?(?:,\s*[A-Z][\w.' -]+?)?)(?:[.;\n(]|$)`)
	fundingPattern   = regexp.MustCompile(`(?i)(?:raised|raises|secured|closes)\s+(?:an?\s+)?(?:\$|USD\s?|€|£)\s?[\d.,]+\s*(?:million|billion|m|bn|b)?\b[^.\n]{0,80}`)
	roundPattern     = regexp.MustCompile(`(?i)\b(series\s+[a-h]|seed|pre-seed|ipo)\b`)
)

func firstMatch(re *regexp.Regexp, text string) string {
	m := re.FindStringSubmatch(text)
	if len(m) < 2 {
		return ""
	}
	return strings.TrimSpace(m[1])
}

// parseEmployeeCount turns "1,200+", "9.8k" or "12 thousand" into a number.
// It reports false for anything it cannot read.
func parseEmployeeCount(raw string) (int, bool) {
	s := strings.ToLower(strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(raw), "+")))
	mult := 1.0
	switch {
	case strings.HasSuffix(s, "thousand"):
		mult, s = 1000, strings.TrimSpace(strings.TrimSuffix(s, "thousand"))
	case strings.HasSuffix(s, "k"):
		mult, s = 1000, strings.TrimSpace(strings.TrimSuffix(s, "k"))
	}
	s = strings.ReplaceAll(s, ",", "")
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f <= 0 {
		return 0, false
	}
	return int(f * mult), true
}

// fundingEvents returns up to limit distinct funding sentences.
func fundingEvents(text string, limit int) []string {
	out := []string{}
	for _, m := range fundingPattern.FindAllString(text, -1) {
		m = strings.TrimSpace(m)
		if !slices.Contains(out, m) {
			out = append(out, m)
		}
		if len(out) == limit {
			break
		}
	}
	return out
}

var techKeywords = []string{
	"Kubernetes", "Docker", "AWS", "GCP", "Azure", "Terraform", "Python",
	"Golang", "Java", "Kotlin", "Scala", "Rust", "Node.js", "TypeScript", "React",
	"PostgreSQL", "MySQL", "MongoDB", "Redis", "Kafka", "Spark", "Snowflake",
	"GraphQL", "gRPC", "Microservices", "Jenkins", "GitHub Actions", "Datadog",
}

var techPatterns = map[string]*regexp.Regexp{}

func init() {
	for _, kw := range techKeywords {
		techPatterns[kw] = regexp.MustCompile(`(?:^|[^\w.])` + regexp.QuoteMeta(kw) + `(?:[^\w]|$)`)
	}
}

// techStack lists known technologies mentioned in text, in keyword order.
// "Golang" folds into "Go".
func techStack(text string) []string {
	out := []string{}
	for _, kw := range techKeywords {
		if !techPatterns[kw].MatchString(text) {
			continue
		}
		name := kw
		if kw == "Golang" {
			name = "Go"
		}
		if !slices.Contains(out, name) {
			out = append(out, name)
		}
	}
	return out
}

// newsSnippets keeps snippets that read like announcements.
func newsSnippets(hits []Hit, limit int) []string {
	out := []string{}
	for _, h := range hits {
		text := h.Snippet
		if text == "" {
			text = h.Title
		}
		lower := strings.ToLower(text)
		for _, word := range []string{"announced", "announces", "launches", "launched", "partners", "raises", "acquires"} {
			if strings.Contains(lower, word) {
				out = append(out, truncate(text, 200))
				break
			}
		}
		if len(out) == limit {
			break
		}
	}
	return out
}

// summary returns the first substantial paragraph of scraped markdown.
func summary(text string, max int) string {
	for _, para := range strings.Split(text, "\n") {
		para = strings.TrimSpace(para)
		if len(para) < 60 || strings.HasPrefix(para, "#") || strings.HasPrefix(para, "[") || strings.HasPrefix(para, "!") {
			continue
		}
		return truncate(para, max)
	}
	return truncate(strings.TrimSpace(text), max)
}

func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return strings.TrimSpace(s[:max]) + "..."
}

// person is a candidate contact read from search results.
type person struct {
	Name     string `json:"name"`
	Title    string `json:"title"`
	LinkedIn string `json:"linkedin,omitempty"`
	Source   string `json:"source,omitempty"`
}

var (
	personTitle = regexp.MustCompile(`^([A-Z][\w'.-]+(?:\s+[A-Z][\w'.-]+){1,3})\s*[-–—|,]\s*(.+)$`)
	leaderWords = []string{"vp", "vice president", "chief", "head of", "director", "cto", "ceo", "cfo", "coo", "cpo", "founder", "president", "lead"}
)

// findPeople reads "Name - Title" shaped results, keeping those whose title
// looks like a leadership role and shares a word with role.
func findPeople(hits []Hit, role string) []person {
	roleWords := significantWords(role)
	var out []person
	seen := map[string]bool{}
	for _, h := range hits {
		m := personTitle.FindStringSubmatch(strings.TrimSpace(h.Title))
		if m == nil {
			continue
		}
		name, title := m[1], strings.TrimSpace(m[2])
		title = strings.TrimSpace(strings.Split(title, "|")[0])
		lower := strings.ToLower(title + " " + h.Snippet)
		if !containsAny(lower, leaderWords) || !containsAny(lower, roleWords) {
			continue
		}
		if seen[name] {
			continue
		}
		seen[name] = true
		p := person{Name: name, Title: title, Source: h.URL}
		if strings.Contains(h.URL, "linkedin.com/in/") {
			p.LinkedIn = h.URL
		}
		out = append(out, p)
	}
	return out
}

var stopWords = map[string]bool{"of": true, "the": true, "and": true, "vp": true, "head": true, "chief": true, "officer": true, "vice": true, "president": true, "director": true}

func significantWords(role string) []string {
	out := []string{}
	for _, w := range strings.Fields(strings.ToLower(role)) {
		if !stopWords[w] {
			out = append(out, w)
		}
	}
	if len(out) == 0 {
		out = strings.Fields(strings.ToLower(role))
	}
	return out
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}

// emailFor applies a first.last pattern to name at domain.
func emailFor(name, domain string) string {
	parts := strings.Fields(strings.ToLower(name))
	if len(parts) < 2 || domain == "" {
		return ""
	}
	clean := func(s string) string { return nonSlug.ReplaceAllString(s, "") }
	return clean(parts[0]) + "." + clean(parts[len(parts)-1]) + "@" + domain
}

// hitURLs returns the first n result URLs.
func hitURLs(hits []Hit, n int) []string {
	out := []string{}
	for _, h := range hits {
		if len(out) == n {
			break
		}
		out = append(out, h.URL)
	}
	return out
}
