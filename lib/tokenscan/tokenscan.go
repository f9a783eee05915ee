package tokenscan

import (
	"html"
	"regexp"
	"strings"
)

const (
	FieldCSRFToken = "csrfToken"
	FieldSessionID = "sessionId"
)

// ConsentFields are the hidden inputs a consent form must carry.
var ConsentFields = []string{FieldCSRFToken, FieldSessionID}

// Extractor finds the values of named <input> fields in an html document.
type Extractor interface {
	// Extract returns the value of the first input named `field`, it is
	// absent when there is no such input or its value is empty.
	Extract(html, field string) (string, bool)
	// ExtractAll returns the non-empty values of ConsentFields found in html.
	ExtractAll(html string) map[string]string
}

var (
	// an <input> tag, quoted attribute values may contain '>'
	inputTag = regexp.MustCompile(`(?i)<input\b(?:[^>"']|"[^"]*"|'[^']*')*/?>`)
	// fallback for markup with unbalanced quotes
	looseInputTag = regexp.MustCompile(`(?i)<input\b[^>]*>`)
	attribute     = regexp.MustCompile(
		`([A-Za-z_:][-A-Za-z0-9_:.]*)(?:\s*=\s*(?:"([^"]*)"|'([^']*)'|([^\s"'=<>` + "`" + `]+)))?`,
	)
)

// PatternExtractor is an Extractor that scans for <input> tags with regular
// expressions instead of parsing the document, it does not care about the
// rest of the markup being well formed.
type PatternExtractor struct{}

func NewPatternExtractor() PatternExtractor {
	return PatternExtractor{}
}

type input struct {
	name     string
	value    string
	hasValue bool
}

func parseInput(tag string) input {
	// skip "<input"
	body := tag[len("<input"):]
	body = strings.TrimSuffix(body, ">")
	body = strings.TrimSuffix(body, "/")

	var out input
	seenName := false
	for _, m := range attribute.FindAllStringSubmatch(body, -1) {
		key := strings.ToLower(m[1])
		value := m[2] + m[3] + m[4]
		switch key {
		case "name":
			// the first occurrence of an attribute wins, like a browser
			if !seenName {
				out.name = html.UnescapeString(value)
				seenName = true
			}
		case "value":
			if !out.hasValue {
				out.value = html.UnescapeString(value)
				out.hasValue = true
			}
		}
	}
	return out
}

func scan(pattern *regexp.Regexp, document string, visit func(input) bool) {
	for _, tag := range pattern.FindAllString(document, -1) {
		if !visit(parseInput(tag)) {
			return
		}
	}
}

func (PatternExtractor) Extract(document, field string) (string, bool) {
	for _, pattern := range []*regexp.Regexp{inputTag, looseInputTag} {
		var value string
		found := false
		scan(pattern, document, func(in input) bool {
			if in.name != field {
				return true
			}
			value = in.value
			found = true
			return false
		})
		if found {
			return value, value != ""
		}
	}
	return "", false
}

func (e PatternExtractor) ExtractAll(document string) map[string]string {
	out := map[string]string{}
	for _, pattern := range []*regexp.Regexp{inputTag, looseInputTag} {
		seen := map[string]bool{}
		scan(pattern, document, func(in input) bool {
			if !isConsentField(in.name) || seen[in.name] {
				return true
			}
			seen[in.name] = true
			if in.value != "" {
				out[in.name] = in.value
			}
			return len(seen) < len(ConsentFields)
		})
		if len(seen) == len(ConsentFields) {
			break
		}
	}
	return out
}

func isConsentField(name string) bool {
	for _, f := range ConsentFields {
		if f == name {
			return true
		}
	}
	return false
}
