package i18n

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/text/language"
)

func TestMatchLanguage(t *testing.T) {
	tests := []struct {
		accept   string
		expected language.Tag
	}{
		{"en-US,en;q=0.9", language.English},
		{"de-DE,de;q=0.9", language.German},
		{"fr-FR", language.English},
		{"", language.English},
	}

	for _, tt := range tests {
		got := MatchLanguage(tt.accept)
		base, _ := got.Base()
		exp, _ := tt.expected.Base()
		assert.Equal(t, exp, base, "Accept: %s", tt.accept)
	}
}

func TestLocaleTag(t *testing.T) {
	tests := []struct {
		envs []string
		want language.Tag
	}{
		{[]string{"", "de_DE.UTF-8"}, language.German},
		{[]string{"en_GB.UTF-8", "de_DE.UTF-8"}, language.English},
		{[]string{"C", ""}, language.English},
		{[]string{"", ""}, language.English},
	}
	for _, tt := range tests {
		base, _ := localeTag(tt.envs...).Base()
		want, _ := tt.want.Base()
		assert.Equal(t, want, base, "env %v", tt.envs)
	}
}

func TestMiddleware(t *testing.T) {
	var got string
	handler := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = GetPrinter(r.Context()).Sprintf("Default action: %s\n", "block")
	}))

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Accept-Language", "de")
	handler.ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, "Standardaktion: block\n", got)

	req = httptest.NewRequest("GET", "/", nil)
	handler.ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, "Default action: block\n", got)
}
