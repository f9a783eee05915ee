package tokenscan

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// DocumentExtractor is an Extractor backed by a real html parser.
type DocumentExtractor struct{}

func NewDocumentExtractor() DocumentExtractor {
	return DocumentExtractor{}
}

func (DocumentExtractor) parse(document string) *goquery.Document {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(document))
	if err != nil {
		return nil
	}
	return doc
}

func (d DocumentExtractor) Extract(document, field string) (string, bool) {
	doc := d.parse(document)
	if doc == nil {
		return "", false
	}
	return extractFrom(doc, field)
}

func extractFrom(doc *goquery.Document, field string) (string, bool) {
	selection := doc.Find(fmt.Sprintf("input[name=%q]", field)).First()
	if selection.Length() == 0 {
		return "", false
	}
	value := selection.AttrOr("value", "")
	return value, value != ""
}

func (d DocumentExtractor) ExtractAll(document string) map[string]string {
	out := map[string]string{}
	doc := d.parse(document)
	if doc == nil {
		return out
	}
	for _, field := range ConsentFields {
		value, ok := extractFrom(doc, field)
		if ok {
			out[field] = value
		}
	}
	return out
}

// FormAction returns the action of the first form in document that carries
// one of the consent fields, resolved against the url the document was
// served from.
func FormAction(document, base string) (string, bool) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(document))
	if err != nil {
		return "", false
	}
	baseURL, err := url.Parse(base)
	if err != nil {
		return "", false
	}

	var action string
	found := false
	doc.Find("form").EachWithBreak(func(_ int, form *goquery.Selection) bool {
		if form.Find(fmt.Sprintf("input[name=%q]", FieldCSRFToken)).Length() == 0 {
			return true
		}
		href, ok := form.Attr("action")
		href = strings.TrimSpace(href)
		if !ok || href == "" {
			return false
		}
		link, err := url.Parse(href)
		if err != nil {
			return false
		}
		action = baseURL.ResolveReference(link).String()
		found = true
		return false
	})
	return action, found
}
