package rules

import "sort"

// Group is a named set of ordinary rules.
type Group struct {
	Name    string   `json:"name"`
	Rules   []Record `json:"rules"`
	Enabled int      `json:"enabled"`
}

// Groups collects ordinary records by group name, sorted by name. Ungrouped
// and whitelist records are left out.
func Groups(records []Record) []Group {
	byName := make(map[string]*Group)
	for _, r := range records {
		if r.Kind() != KindOrdinary || r.Group == "" {
			continue
		}
		g, ok := byName[r.Group]
		if !ok {
			g = &Group{Name: r.Group}
			byName[r.Group] = g
		}
		g.Rules = append(g.Rules, r.Clone())
		if r.Enabled {
			g.Enabled++
		}
	}

	out := make([]Group, 0, len(byName))
	for _, g := range byName {
		sort.Slice(g.Rules, func(i, j int) bool { return g.Rules[i].ID < g.Rules[j].ID })
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Filter returns records matching pred, in order.
func Filter(records []Record, pred func(Record) bool) []Record {
	var out []Record
	for _, r := range records {
		if pred(r) {
			out = append(out, r.Clone())
		}
	}
	return out
}

// OfKind returns a predicate selecting one kind.
func OfKind(k Kind) func(Record) bool {
	return func(r Record) bool { return r.Kind() == k }
}

// InGroup returns a predicate selecting one group of ordinary rules.
func InGroup(name string) func(Record) bool {
	return func(r Record) bool { return r.Kind() == KindOrdinary && r.Group == name }
}
