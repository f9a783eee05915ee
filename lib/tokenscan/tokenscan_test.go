package tokenscan

import (
	"fmt"
	"testing"

	_ "embed"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

//go:embed consent_page_test.html
var consentPage string

var extractors = map[string]Extractor{
	"pattern":  NewPatternExtractor(),
	"document": NewDocumentExtractor(),
}

func TestConsentPage(t *testing.T) {
	expected := map[string]string{
		FieldCSRFToken: "Xk3Tn9_QpZ7wLr&2Vb",
		FieldSessionID: "3_cc-session_a1b2c3",
	}
	for name, extractor := range extractors {
		t.Run(name, func(t *testing.T) {
			diff := cmp.Diff(expected, extractor.ExtractAll(consentPage))
			if diff != "" {
				t.Fatal(diff)
			}

			namespace, ok := extractor.Extract(consentPage, "namespace")
			require.True(t, ok)
			require.Equal(t, "yahoo", namespace)
		})
	}
}

func TestExtractTolerance(t *testing.T) {
	cases := []struct {
		name string
		html string
	}{
		{"double quotes", `<input type="hidden" name="csrfToken" value="%s">`},
		{"single quotes", `<input type='hidden' name='csrfToken' value='%s'>`},
		{"unquoted", `<input type=hidden name=csrfToken value=%s>`},
		{"value first", `<input value="%s" name="csrfToken" type="hidden">`},
		{"self closing", `<input name="csrfToken" value="%s" />`},
		{"upper case", `<INPUT NAME="csrfToken" VALUE="%s">`},
		{"extra attributes", `<input data-x="a>b" id="tok" class="hidden field" name="csrfToken" autocomplete="off" value="%s">`},
		{"multi line", "<input\n\ttype=\"hidden\"\n\tname=\"csrfToken\"\n\tvalue=\"%s\"\n>"},
		{"broken surroundings", `<div><p>unclosed <span><input name="csrfToken" value="%s"></td></body>`},
	}

	for _, test := range cases {
		t.Run(test.name, func(t *testing.T) {
			value, ok := NewPatternExtractor().Extract(fmt.Sprintf(test.html, "tok-123"), FieldCSRFToken)
			require.True(t, ok)
			require.Equal(t, "tok-123", value)
		})
	}
}

func TestExtractFirstWins(t *testing.T) {
	html := `<input name="sessionId" value="first"><input name="sessionId" value="second">`
	for name, extractor := range extractors {
		t.Run(name, func(t *testing.T) {
			value, ok := extractor.Extract(html, FieldSessionID)
			require.True(t, ok)
			require.Equal(t, "first", value)
		})
	}
}

func TestExtractAbsent(t *testing.T) {
	cases := []string{
		"",
		"<html><body><p>nothing to see</p></body></html>",
		`<input name="csrfTokenX" value="nope">`,
		`<input name="csrfToken" value="">`,
		`<input name="csrfToken">`,
		`<inputs name="csrfToken" value="nope">`,
	}
	for name, extractor := range extractors {
		for _, html := range cases {
			_, ok := extractor.Extract(html, FieldCSRFToken)
			require.False(t, ok, "%s: %q", name, html)
		}
	}
}

func TestExtractAllPartial(t *testing.T) {
	html := `<form><input name="sessionId" value="only-session"><input name="csrfToken" value=""></form>`
	for name, extractor := range extractors {
		t.Run(name, func(t *testing.T) {
			out := extractor.ExtractAll(html)
			require.Equal(t, map[string]string{FieldSessionID: "only-session"}, out)
		})
	}

	require.Empty(t, NewPatternExtractor().ExtractAll("<p>unrelated</p>"))
	require.NotNil(t, NewPatternExtractor().ExtractAll("<p>unrelated</p>"))
}

func TestRoundTrip(t *testing.T) {
	values := []string{"abc", "a b c", "a&b", `quote"inside`, "ünïcödé", "x>y"}
	for _, v := range values {
		single := fmt.Sprintf(`<input name='csrfToken' value='%s'>`, v)
		got, ok := NewPatternExtractor().Extract(single, FieldCSRFToken)
		require.True(t, ok, v)
		require.Equal(t, v, got)
	}
}

func TestFormAction(t *testing.T) {
	action, ok := FormAction(consentPage, "https://consent.example.com/v2/collectConsent?sessionId=3_cc-session_a1b2c3")
	require.True(t, ok)
	require.Equal(t, "https://consent.example.com/v2/collectConsent?sessionId=3_cc-session_a1b2c3", action)

	// forms without consent fields are skipped
	page := `<form action="/search"><input name="q"></form>` +
		`<form action="https://other.example.com/accept"><input name="csrfToken" value="t"></form>`
	action, ok = FormAction(page, "https://consent.example.com/")
	require.True(t, ok)
	require.Equal(t, "https://other.example.com/accept", action)

	_, ok = FormAction(`<form><input name="csrfToken" value="t"></form>`, "https://consent.example.com/")
	require.False(t, ok)
	_, ok = FormAction(`<p>nothing here</p>`, "https://consent.example.com/")
	require.False(t, ok)
}
