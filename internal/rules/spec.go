package rules

import (
	"fmt"
	"regexp"
	"strings"
)

// FilterType selects how a rule's domain list is applied.
type FilterType string

const (
	FilterNone FilterType = ""
	// FilterBlacklist applies the rule only on the listed domains.
	FilterBlacklist FilterType = "Blacklist"
	// FilterWhitelist applies the rule everywhere except the listed domains.
	FilterWhitelist FilterType = "Whitelist"
)

// ParseFilterType accepts the form values in any case. Empty means none.
func ParseFilterType(s string) (FilterType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return FilterNone, nil
	case "blacklist":
		return FilterBlacklist, nil
	case "whitelist":
		return FilterWhitelist, nil
	default:
		return FilterNone, &ValidationError{Field: "domain_filter_type", Value: s, Reason: "must be Blacklist or Whitelist"}
	}
}

// DomainFilter restricts the domains an ordinary rule applies to.
type DomainFilter struct {
	Type    FilterType `json:"type,omitempty"`
	Domains []string   `json:"domains,omitempty"`
}

// Effective collapses a filter with no domains to FilterNone.
func (f DomainFilter) Effective() DomainFilter {
	if len(f.Domains) == 0 {
		return DomainFilter{}
	}
	if f.Type == FilterNone {
		f.Type = FilterBlacklist
	}
	return f
}

var (
	paramPattern  = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
	groupPattern  = regexp.MustCompile(`^[a-zA-Z0-9_. -]*$`)
	domainPattern = regexp.MustCompile(`^[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)
)

// Builder is the creation input for either rule kind.
type Builder interface {
	Validate() error
	Key() Key
	Build(id int, enabled bool) Record
}

// Spec is the creation input of an ordinary rule.
type Spec struct {
	Parameter string
	Group     string
	Filter    DomainFilter
}

// NewSpec builds a Spec from form-style values: domains is a comma separated
// list.
func NewSpec(parameter, group, filterType, domains string) (Spec, error) {
	ft, err := ParseFilterType(filterType)
	if err != nil {
		return Spec{}, err
	}
	return Spec{
		Parameter: strings.TrimSpace(parameter),
		Group:     strings.TrimSpace(group),
		Filter:    DomainFilter{Type: ft, Domains: ParseDomainList(domains)},
	}, nil
}

// ParseDomainList splits a comma separated list, trimming each item and
// dropping empties.
func ParseDomainList(s string) []string {
	var out []string
	for _, d := range strings.Split(s, ",") {
		if d = strings.TrimSpace(d); d != "" {
			out = append(out, d)
		}
	}
	return out
}

func (s Spec) Validate() error {
	if err := ValidateParameter(s.Parameter); err != nil {
		return err
	}
	if err := ValidateGroup(s.Group); err != nil {
		return err
	}
	for _, d := range s.Filter.Domains {
		if err := ValidateDomain(d); err != nil {
			return err
		}
	}
	return nil
}

func (s Spec) Key() Key {
	return Key{Kind: KindOrdinary, Value: s.Parameter}
}

// Build renders the DNR redirect rule that strips the parameter.
func (s Spec) Build(id int, enabled bool) Record {
	cond := Condition{
		RegexFilter:   fmt.Sprintf("[?&]%s=*", s.Parameter),
		ResourceTypes: append([]string(nil), DefaultResourceTypes...),
	}
	f := s.Filter.Effective()
	switch f.Type {
	case FilterBlacklist:
		cond.RequestDomains = append([]string(nil), f.Domains...)
	case FilterWhitelist:
		cond.ExcludedRequestDomains = append([]string(nil), f.Domains...)
	}

	return Record{
		Rule: Rule{
			ID:       id,
			Priority: StripPriority,
			Action: Action{
				Type: ActionRedirect,
				Redirect: &Redirect{Transform: &URLTransform{
					QueryTransform: &QueryTransform{RemoveParams: []string{s.Parameter}},
				}},
			},
			Condition: cond,
		},
		Enabled: enabled,
		Group:   s.Group,
	}
}

// WhitelistSpec is the creation input of a global whitelist rule.
type WhitelistSpec struct {
	Domain string
}

func (w WhitelistSpec) Validate() error {
	return ValidateDomain(w.Domain)
}

func (w WhitelistSpec) Key() Key {
	return Key{Kind: KindGlobalWhitelist, Value: w.Domain}
}

// Build renders an allow rule for the domain and its subdomains.
func (w WhitelistSpec) Build(id int, enabled bool) Record {
	return Record{
		Rule: Rule{
			ID:       id,
			Priority: AllowPriority,
			Action:   Action{Type: ActionAllow},
			Condition: Condition{
				RequestDomains: []string{w.Domain},
				ResourceTypes:  append([]string(nil), DefaultResourceTypes...),
			},
		},
		Enabled: enabled,
		Group:   GlobalWhitelistGroup,
	}
}

// ValidateParameter checks a query parameter name.
func ValidateParameter(p string) error {
	if !paramPattern.MatchString(p) {
		return &ValidationError{Field: "parameter", Value: p, Reason: "only letters, digits, '-' and '_' are allowed"}
	}
	if len(p) > MaxFieldLength {
		return &ValidationError{Field: "parameter", Value: p, Reason: fmt.Sprintf("longer than %d characters", MaxFieldLength)}
	}
	return nil
}

// ValidateGroup checks a group name. Empty means ungrouped.
func ValidateGroup(g string) error {
	if g == GlobalWhitelistGroup {
		return &ValidationError{Field: "group", Value: g, Reason: "reserved for the global whitelist"}
	}
	if !groupPattern.MatchString(g) {
		return &ValidationError{Field: "group", Value: g, Reason: "only letters, digits, spaces, '-', '_' and '.' are allowed"}
	}
	if len(g) > MaxFieldLength {
		return &ValidationError{Field: "group", Value: g, Reason: fmt.Sprintf("longer than %d characters", MaxFieldLength)}
	}
	return nil
}

// ValidateDomain checks a bare domain name.
func ValidateDomain(d string) error {
	if !domainPattern.MatchString(d) {
		return &ValidationError{Field: "domain", Value: d, Reason: "not a valid domain"}
	}
	return nil
}
