// Package i18n localizes the user-facing notifications for rule outcomes.
package i18n

import (
	"context"
	"os"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// DefaultLang is the fallback language
var DefaultLang = language.English

// SupportedLangs are the languages with a catalog
var SupportedLangs = []language.Tag{
	language.English,
	language.German,
}

var matcher = language.NewMatcher(SupportedLangs)

// Notification keys, one per error category plus the success outcomes.
const (
	MsgCreated        = "Rule %d created"
	MsgDeleted        = "Rule %d deleted"
	MsgEdited         = "Rule %d saved"
	MsgEnabled        = "Rule %d enabled"
	MsgDisabled       = "Rule %d disabled"
	MsgMoved          = "Rule %d moved to %s"
	MsgSeeded         = "%d default rules added, %d already present"
	MsgDuplicate      = "A rule for %s already exists"
	MsgNotFound       = "Rule not found"
	MsgInvalid        = "Invalid rule: %s"
	MsgMaxRules       = "Max number of dynamic rules reached"
	MsgEngineRejected = "The browser rejected the rule"
	MsgConflict       = "Rules were changed elsewhere, please retry"
	MsgStoreWrite     = "Saving rules failed"
	MsgInternal       = "Something went wrong: %s"
)

func init() {
	de := language.German
	for key, msg := range map[string]string{
		MsgCreated:        "Regel %d erstellt",
		MsgDeleted:        "Regel %d gelöscht",
		MsgEdited:         "Regel %d gespeichert",
		MsgEnabled:        "Regel %d aktiviert",
		MsgDisabled:       "Regel %d deaktiviert",
		MsgMoved:          "Regel %d nach %s verschoben",
		MsgSeeded:         "%d Standardregeln hinzugefügt, %d bereits vorhanden",
		MsgDuplicate:      "Eine Regel für %s existiert bereits",
		MsgNotFound:       "Regel nicht gefunden",
		MsgInvalid:        "Ungültige Regel: %s",
		MsgMaxRules:       "Maximale Anzahl dynamischer Regeln erreicht",
		MsgEngineRejected: "Der Browser hat die Regel abgelehnt",
		MsgConflict:       "Regeln wurden anderswo geändert, bitte erneut versuchen",
		MsgStoreWrite:     "Speichern der Regeln fehlgeschlagen",
		MsgInternal:       "Etwas ist schiefgelaufen: %s",
	} {
		_ = message.SetString(de, key, msg)
	}
}

type contextKey struct{}

// printerKey is the key used to store the printer in the context
var printerKey = contextKey{}

// MatchLanguage returns the best matching language for an Accept-Language
// value.
func MatchLanguage(acceptLang string) language.Tag {
	tags, _, _ := language.ParseAcceptLanguage(acceptLang)
	_, idx, _ := matcher.Match(tags...)
	return SupportedLangs[idx]
}

// NewPrinter returns a message printer for the given language
func NewPrinter(tag language.Tag) *message.Printer {
	return message.NewPrinter(tag)
}

// WithPrinter returns a new context with the printer injected
func WithPrinter(ctx context.Context, p *message.Printer) context.Context {
	return context.WithValue(ctx, printerKey, p)
}

// GetPrinter returns the printer from the context, or a default one
func GetPrinter(ctx context.Context) *message.Printer {
	p, ok := ctx.Value(printerKey).(*message.Printer)
	if !ok {
		return message.NewPrinter(DefaultLang)
	}
	return p
}

// NewCLIPrinter returns a printer for the system's locale (from env vars)
func NewCLIPrinter() *message.Printer {
	lang := os.Getenv("LC_ALL")
	if lang == "" {
		lang = os.Getenv("LANG")
	}
	if lang == "" || lang == "C" || lang == "POSIX" {
		return message.NewPrinter(DefaultLang)
	}

	// en_US.UTF-8 -> en-US
	if i := strings.Index(lang, "."); i != -1 {
		lang = lang[:i]
	}
	lang = strings.ReplaceAll(lang, "_", "-")

	tag, err := language.Parse(lang)
	if err != nil {
		return message.NewPrinter(DefaultLang)
	}
	_, idx, _ := matcher.Match(tag)
	return message.NewPrinter(SupportedLangs[idx])
}

// Failure renders the notification for an error category as returned by
// rules.Category. detail fills the placeholder where the message has one.
func Failure(p *message.Printer, category, detail string) string {
	switch category {
	case "duplicate":
		return p.Sprintf(MsgDuplicate, detail)
	case "not_found":
		return p.Sprintf(MsgNotFound)
	case "invalid":
		return p.Sprintf(MsgInvalid, detail)
	case "max_rules":
		return p.Sprintf(MsgMaxRules)
	case "engine_rejected":
		return p.Sprintf(MsgEngineRejected)
	case "conflict":
		return p.Sprintf(MsgConflict)
	case "store_write":
		return p.Sprintf(MsgStoreWrite)
	default:
		return p.Sprintf(MsgInternal, detail)
	}
}
