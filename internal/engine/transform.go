package engine

import (
	"fmt"
	"net/url"
	"regexp"
	"slices"
	"strings"

	"grimm.is/paramstrip/internal/rules"
)

// Result describes what the active rules did to a URL.
type Result struct {
	URL     string   `json:"url"`
	Changed bool     `json:"changed"`
	Removed []string `json:"removed,omitempty"`
	Matched []int    `json:"matched,omitempty"`
	// AllowedBy is set when a higher priority allow rule exempted the URL.
	AllowedBy int `json:"allowed_by,omitempty"`
}

// Apply evaluates active rules against rawURL the way the host does for a
// main_frame request: an allow rule that outranks every matching redirect
// wins, and otherwise all matching redirects strip their params.
func Apply(rawURL string, active []rules.Rule) (Result, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return Result{}, fmt.Errorf("parse url: %w", err)
	}
	host := strings.ToLower(u.Hostname())

	var allow *rules.Rule
	var redirects []rules.Rule
	topRedirect := 0
	for i := range active {
		r := active[i]
		if !matches(r, rawURL, host) {
			continue
		}
		switch r.Action.Type {
		case rules.ActionAllow:
			if allow == nil || r.Priority > allow.Priority {
				allow = &active[i]
			}
		case rules.ActionRedirect:
			redirects = append(redirects, r)
			topRedirect = max(topRedirect, r.Priority)
		}
	}

	res := Result{URL: rawURL}
	if allow != nil && allow.Priority >= topRedirect {
		res.AllowedBy = allow.ID
		return res, nil
	}
	if len(redirects) == 0 {
		return res, nil
	}

	remove := make(map[string]bool)
	for _, r := range redirects {
		res.Matched = append(res.Matched, r.ID)
		for _, p := range r.RemoveParams() {
			remove[p] = true
		}
	}

	var kept []string
	for _, part := range strings.Split(u.RawQuery, "&") {
		if part == "" {
			continue
		}
		key := queryKey(part)
		if remove[key] {
			if !slices.Contains(res.Removed, key) {
				res.Removed = append(res.Removed, key)
			}
			continue
		}
		kept = append(kept, part)
	}

	if len(res.Removed) > 0 {
		u.RawQuery = strings.Join(kept, "&")
		u.ForceQuery = false
		res.URL = u.String()
		res.Changed = true
	}
	slices.Sort(res.Matched)
	return res, nil
}

// ExtractParams lists the query keys of rawURL in order of first appearance.
func ExtractParams(rawURL string) ([]string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	var keys []string
	for _, part := range strings.Split(u.RawQuery, "&") {
		if part == "" {
			continue
		}
		if k := queryKey(part); k != "" && !slices.Contains(keys, k) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func queryKey(part string) string {
	key, _, _ := strings.Cut(part, "=")
	if unescaped, err := url.QueryUnescape(key); err == nil {
		return unescaped
	}
	return key
}

func matches(r rules.Rule, rawURL, host string) bool {
	c := r.Condition
	if c.RegexFilter != "" {
		re, err := regexp.Compile(c.RegexFilter)
		if err != nil || !re.MatchString(rawURL) {
			return false
		}
	}
	if len(c.RequestDomains) > 0 && !domainIn(host, c.RequestDomains) {
		return false
	}
	if domainIn(host, c.ExcludedRequestDomains) {
		return false
	}
	return true
}

// domainIn matches host against domains and their subdomains.
func domainIn(host string, domains []string) bool {
	for _, d := range domains {
		d = strings.ToLower(d)
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}
