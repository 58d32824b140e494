package i18n

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

func TestMatchLanguage(t *testing.T) {
	tests := []struct {
		accept   string
		expected language.Tag
	}{
		{"en-US,en;q=0.9", language.English},
		{"de-DE,de;q=0.9", language.German},
		{"fr-FR", language.English}, // Fallback
		{"", language.English},
	}

	for _, tt := range tests {
		got := MatchLanguage(tt.accept)
		base, _ := got.Base()
		exp, _ := tt.expected.Base()
		assert.Equal(t, exp, base, "Accept: %s", tt.accept)
	}
}

func TestFailure_Localized(t *testing.T) {
	en := message.NewPrinter(language.English)
	de := message.NewPrinter(language.German)

	assert.Equal(t, "A rule for fbclid already exists", Failure(en, "duplicate", "fbclid"))
	assert.Equal(t, "Eine Regel für fbclid existiert bereits", Failure(de, "duplicate", "fbclid"))
	assert.Equal(t, "Max number of dynamic rules reached", Failure(en, "max_rules", ""))
	assert.Equal(t, "Maximale Anzahl dynamischer Regeln erreicht", Failure(de, "max_rules", ""))
	assert.Equal(t, "Something went wrong: boom", Failure(en, "internal", "boom"))
}

func TestSuccessMessages(t *testing.T) {
	de := message.NewPrinter(language.German)
	assert.Equal(t, "Regel 3 erstellt", de.Sprintf(MsgCreated, 3))
	assert.Equal(t, "Rule 3 disabled", message.NewPrinter(language.English).Sprintf(MsgDisabled, 3))
}

func TestCLIPrinter(t *testing.T) {
	t.Setenv("LC_ALL", "de_DE.UTF-8")
	assert.Equal(t, "Regel 1 gelöscht", NewCLIPrinter().Sprintf(MsgDeleted, 1))

	t.Setenv("LC_ALL", "C")
	assert.Equal(t, "Rule 1 deleted", NewCLIPrinter().Sprintf(MsgDeleted, 1))
}

func TestGetPrinter_Default(t *testing.T) {
	p := GetPrinter(context.Background())
	assert.Equal(t, "Rule not found", Failure(p, "not_found", ""))
}

func TestMiddleware(t *testing.T) {
	var got string
	handler := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = Failure(GetPrinter(r.Context()), "not_found", "")
	}))

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Accept-Language", "de")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	assert.Equal(t, "Regel nicht gefunden", got)
	assert.Equal(t, "de", rr.Header().Get("Content-Language"))
}

func TestMiddleware_QueryOverride(t *testing.T) {
	var got string
	handler := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = Failure(GetPrinter(r.Context()), "not_found", "")
	}))

	req := httptest.NewRequest("GET", "/api/rules/9?lang=en", nil)
	req.Header.Set("Accept-Language", "de")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	assert.Equal(t, "Rule not found", got)
	assert.Equal(t, "Accept-Language", rr.Header().Get("Vary"))
}
