// Package rules defines the tracking-parameter rule model: the declarative
// network request (DNR) rule shape the engine enforces, the persisted record
// that wraps it with bookkeeping, and the validation that guards creation.
package rules

import (
	"fmt"
	"slices"
	"strings"
)

const (
	// GlobalWhitelistGroup is the reserved group of whitelist rules. It is the
	// only discriminant between the two kinds in the flat persisted list.
	GlobalWhitelistGroup = "GlobalWhitelist"

	// DefaultMaxRules mirrors MAX_NUMBER_OF_DYNAMIC_AND_SESSION_RULES.
	DefaultMaxRules = 5000

	// MaxFieldLength bounds parameter and group names.
	MaxFieldLength = 30

	// StripPriority is used for redirect rules; AllowPriority outranks it so a
	// whitelisted domain is never rewritten.
	StripPriority = 1
	AllowPriority = 2
)

// DefaultResourceTypes are the request types rules apply to.
var DefaultResourceTypes = []string{"main_frame", "sub_frame"}

// Kind distinguishes ordinary rules from global whitelist rules.
type Kind int

const (
	KindOrdinary Kind = iota
	KindGlobalWhitelist
)

func (k Kind) String() string {
	if k == KindGlobalWhitelist {
		return "whitelist"
	}
	return "ordinary"
}

// ActionType is a DNR action type.
type ActionType string

const (
	ActionRedirect ActionType = "redirect"
	ActionAllow    ActionType = "allow"
)

// Rule is a native DNR rule, exactly what the engine receives.
type Rule struct {
	ID        int       `json:"id" yaml:"id"`
	Priority  int       `json:"priority" yaml:"priority"`
	Action    Action    `json:"action" yaml:"action"`
	Condition Condition `json:"condition" yaml:"condition"`
}

type Action struct {
	Type     ActionType `json:"type" yaml:"type"`
	Redirect *Redirect  `json:"redirect,omitempty" yaml:"redirect,omitempty"`
}

type Redirect struct {
	Transform *URLTransform `json:"transform,omitempty" yaml:"transform,omitempty"`
}

type URLTransform struct {
	QueryTransform *QueryTransform `json:"queryTransform,omitempty" yaml:"queryTransform,omitempty"`
}

type QueryTransform struct {
	RemoveParams []string `json:"removeParams,omitempty" yaml:"removeParams,omitempty"`
}

type Condition struct {
	RegexFilter            string   `json:"regexFilter,omitempty" yaml:"regexFilter,omitempty"`
	RequestDomains         []string `json:"requestDomains,omitempty" yaml:"requestDomains,omitempty"`
	ExcludedRequestDomains []string `json:"excludedRequestDomains,omitempty" yaml:"excludedRequestDomains,omitempty"`
	ResourceTypes          []string `json:"resourceTypes,omitempty" yaml:"resourceTypes,omitempty"`
}

// RemoveParams returns the params a redirect rule strips, or nil.
func (r Rule) RemoveParams() []string {
	if r.Action.Redirect == nil || r.Action.Redirect.Transform == nil ||
		r.Action.Redirect.Transform.QueryTransform == nil {
		return nil
	}
	return r.Action.Redirect.Transform.QueryTransform.RemoveParams
}

// Clone returns a deep copy.
func (r Rule) Clone() Rule {
	out := r
	if r.Action.Redirect != nil {
		params := slices.Clone(r.RemoveParams())
		out.Action.Redirect = &Redirect{Transform: &URLTransform{
			QueryTransform: &QueryTransform{RemoveParams: params},
		}}
	}
	out.Condition.RequestDomains = slices.Clone(r.Condition.RequestDomains)
	out.Condition.ExcludedRequestDomains = slices.Clone(r.Condition.ExcludedRequestDomains)
	out.Condition.ResourceTypes = slices.Clone(r.Condition.ResourceTypes)
	return out
}

// Record is a persisted rule: the native rule plus fields the engine does not
// model.
type Record struct {
	Rule    `yaml:",inline"`
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Group   string `json:"group,omitempty" yaml:"group,omitempty"`
}

// Native strips the bookkeeping fields.
func (r Record) Native() Rule {
	return r.Rule.Clone()
}

// Kind reports whether this is an ordinary or whitelist record.
func (r Record) Kind() Kind {
	if r.Group == GlobalWhitelistGroup {
		return KindGlobalWhitelist
	}
	return KindOrdinary
}

// Parameter returns the stripped query key of an ordinary rule.
func (r Record) Parameter() string {
	if params := r.RemoveParams(); len(params) > 0 {
		return params[0]
	}
	return ""
}

// Domain returns the whitelisted domain of a whitelist rule.
func (r Record) Domain() string {
	if len(r.Condition.RequestDomains) > 0 {
		return r.Condition.RequestDomains[0]
	}
	return ""
}

// Filter reconstructs the domain filter of an ordinary rule.
func (r Record) Filter() DomainFilter {
	switch {
	case len(r.Condition.RequestDomains) > 0:
		return DomainFilter{Type: FilterBlacklist, Domains: slices.Clone(r.Condition.RequestDomains)}
	case len(r.Condition.ExcludedRequestDomains) > 0:
		return DomainFilter{Type: FilterWhitelist, Domains: slices.Clone(r.Condition.ExcludedRequestDomains)}
	default:
		return DomainFilter{}
	}
}

// Key returns the duplicate-detection key.
func (r Record) Key() Key {
	if r.Kind() == KindGlobalWhitelist {
		return Key{Kind: KindGlobalWhitelist, Value: r.Domain()}
	}
	return Key{Kind: KindOrdinary, Value: r.Parameter()}
}

// Spec returns the creation input that would rebuild this record.
func (r Record) Spec() Builder {
	if r.Kind() == KindGlobalWhitelist {
		return WhitelistSpec{Domain: r.Domain()}
	}
	return Spec{Parameter: r.Parameter(), Group: r.Group, Filter: r.Filter()}
}

// Clone returns a deep copy.
func (r Record) Clone() Record {
	r.Rule = r.Rule.Clone()
	return r
}

func (r Record) String() string {
	if r.Kind() == KindGlobalWhitelist {
		return fmt.Sprintf("#%d whitelist %s", r.ID, r.Domain())
	}
	s := fmt.Sprintf("#%d %s", r.ID, r.Parameter())
	if r.Group != "" {
		s += " [" + r.Group + "]"
	}
	if f := r.Filter(); f.Type != FilterNone {
		s += fmt.Sprintf(" %s(%s)", strings.ToLower(string(f.Type)), strings.Join(f.Domains, ","))
	}
	if !r.Enabled {
		s += " (disabled)"
	}
	return s
}

// Key is the identity used for duplicate detection: a parameter for ordinary
// rules, a domain for whitelist rules.
type Key struct {
	Kind  Kind
	Value string
}

func (k Key) String() string {
	return k.Kind.String() + ":" + k.Value
}

// Find returns the record with the given ID.
func Find(records []Record, id int) (Record, int, bool) {
	for i, r := range records {
		if r.ID == id {
			return r, i, true
		}
	}
	return Record{}, -1, false
}

// FindDuplicate returns a record sharing key, ignoring the record with
// excludeID (0 excludes nothing).
func FindDuplicate(records []Record, key Key, excludeID int) (Record, bool) {
	for _, r := range records {
		if r.ID == excludeID && excludeID != 0 {
			continue
		}
		if r.Key() == key {
			return r, true
		}
	}
	return Record{}, false
}

// CloneAll deep-copies a record list.
func CloneAll(records []Record) []Record {
	out := make([]Record, len(records))
	for i, r := range records {
		out[i] = r.Clone()
	}
	return out
}
