// Package i18n selects message printers for CLI and HTTP output.
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

// SupportedLangs are the languages we support
var SupportedLangs = []language.Tag{
	language.English,
	language.German,
}

var matcher = language.NewMatcher(SupportedLangs)

func init() {
	for key, de := range german {
		_ = message.SetString(language.German, key, de)
	}
}

// german translates the report headers shared by the CLI and the HTTP
// endpoints.
var german = map[string]string{
	"Rule set valid\n":                   "Regelsatz gültig\n",
	"Default action: %s\n":               "Standardaktion: %s\n",
	"Rules: %d, anchors: %d, pools: %d\n": "Regeln: %d, Anker: %d, Pools: %d\n",
	"Tables: %d (%d dynamic)\n":          "Tabellen: %d (%d dynamisch)\n",
	"Generation %d committed at %s\n":    "Generation %d übernommen um %s\n",
	"%d of %d packets matched\n":         "%d von %d Paketen wie erwartet\n",
	"States: %d, translations: %d\n":     "Zustände: %d, Übersetzungen: %d\n",
}

type contextKey struct{}

var printerKey = contextKey{}

// MatchLanguage returns the best matching language for an Accept-Language
// header value.
func MatchLanguage(acceptLang string) language.Tag {
	tags, _, _ := language.ParseAcceptLanguage(acceptLang)
	tag, _, _ := matcher.Match(tags...)
	return tag
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

// NewCLIPrinter returns a printer for the locale in LC_ALL or LANG.
func NewCLIPrinter() *message.Printer {
	return message.NewPrinter(localeTag(os.Getenv("LC_ALL"), os.Getenv("LANG")))
}

func localeTag(envs ...string) language.Tag {
	var lang string
	for _, e := range envs {
		if e != "" {
			lang = e
			break
		}
	}
	if lang == "" || lang == "C" || lang == "POSIX" {
		return DefaultLang
	}
	// en_US.UTF-8
	if i := strings.Index(lang, "."); i != -1 {
		lang = lang[:i]
	}
	lang = strings.ReplaceAll(lang, "_", "-")

	tag, err := language.Parse(lang)
	if err != nil {
		return MatchLanguage(lang)
	}
	tag, _, _ = matcher.Match(tag)
	return tag
}
