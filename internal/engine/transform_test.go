package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/paramstrip/internal/rules"
)

func activeSet() []rules.Rule {
	return []rules.Rule{
		rules.Spec{Parameter: "utm_source"}.Build(1, true).Native(),
		rules.Spec{Parameter: "fbclid"}.Build(2, true).Native(),
		rules.Spec{Parameter: "si", Filter: rules.DomainFilter{Type: rules.FilterBlacklist, Domains: []string{"youtube.com"}}}.Build(3, true).Native(),
		rules.Spec{Parameter: "ref", Filter: rules.DomainFilter{Type: rules.FilterWhitelist, Domains: []string{"github.com"}}}.Build(4, true).Native(),
		rules.WhitelistSpec{Domain: "bank.example"}.Build(5, true).Native(),
	}
}

func TestApply(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		removed []string
		allowed int
	}{
		{
			name:    "strips and keeps order",
			in:      "https://shop.test/p?id=1&utm_source=news&color=red&fbclid=abc",
			want:    "https://shop.test/p?id=1&color=red",
			removed: []string{"utm_source", "fbclid"},
		},
		{
			name: "no match",
			in:   "https://shop.test/p?id=1",
			want: "https://shop.test/p?id=1",
		},
		{
			name:    "blacklist applies on subdomain",
			in:      "https://m.youtube.com/watch?v=x&si=track",
			want:    "https://m.youtube.com/watch?v=x",
			removed: []string{"si"},
		},
		{
			name: "blacklist skips other domains",
			in:   "https://example.org/?si=keep",
			want: "https://example.org/?si=keep",
		},
		{
			name: "whitelist filter exempts domain",
			in:   "https://github.com/x?ref=home",
			want: "https://github.com/x?ref=home",
		},
		{
			name:    "whitelist filter applies elsewhere",
			in:      "https://blog.test/a?ref=home",
			want:    "https://blog.test/a",
			removed: []string{"ref"},
		},
		{
			name:    "global whitelist wins",
			in:      "https://login.bank.example/?utm_source=mail",
			want:    "https://login.bank.example/?utm_source=mail",
			allowed: 5,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := Apply(tt.in, activeSet())
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.URL)
			assert.Equal(t, tt.removed, res.Removed)
			assert.Equal(t, tt.allowed, res.AllowedBy)
			assert.Equal(t, len(tt.removed) > 0, res.Changed)
		})
	}
}

func TestExtractParams(t *testing.T) {
	keys, err := ExtractParams("https://a.test/?b=1&a=2&b=3&utm%5Fx=4&flag")
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a", "utm_x", "flag"}, keys)

	keys, err = ExtractParams("https://a.test/")
	require.NoError(t, err)
	assert.Empty(t, keys)

	_, err = ExtractParams("://bad")
	assert.Error(t, err)
}
