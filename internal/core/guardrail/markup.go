package guardrail

import (
	"strings"

	"golang.org/x/net/html"

	"github.com/kirillkom/grounded-retrieval/internal/core/domain"
)

type markupHit struct {
	category domain.GuardrailCategory
	span     string
}

var activeTags = map[string]bool{
	"script": true,
	"iframe": true,
	"frame":  true,
	"object": true,
	"embed":  true,
	"applet": true,
	"base":   true,
}

var urlAttrs = map[string]bool{
	"href":       true,
	"src":        true,
	"action":     true,
	"formaction": true,
	"xlink:href": true,
	"srcdoc":     true,
}

// scanMarkup walks HTML tokens so attribute obfuscation (quoting, case,
// entity-encoded schemes) does not hide active content from the scanner.
func scanMarkup(text string) []markupHit {
	if !strings.Contains(text, "<") {
		return nil
	}
	var hits []markupHit
	z := html.NewTokenizer(strings.NewReader(text))
	for {
		switch z.Next() {
		case html.ErrorToken:
			return hits
		case html.StartTagToken, html.SelfClosingTagToken:
			raw := string(z.Raw())
			name, hasAttr := z.TagName()
			if activeTags[string(name)] {
				hits = append(hits, markupHit{category: domain.CategoryScriptMarkup, span: raw})
			}
			for hasAttr {
				var key, val []byte
				key, val, hasAttr = z.TagAttr()
				attr := strings.ToLower(string(key))
				switch {
				case len(attr) > 2 && strings.HasPrefix(attr, "on"):
					hits = append(hits, markupHit{category: domain.CategoryScriptMarkup, span: raw})
				case urlAttrs[attr] && hasActiveScheme(string(val)):
					hits = append(hits, markupHit{category: domain.CategoryProtocolScheme, span: raw})
				}
			}
		}
	}
}

func hasActiveScheme(value string) bool {
	v := strings.ToLower(strings.Join(strings.Fields(value), ""))
	return strings.HasPrefix(v, "javascript:") ||
		strings.HasPrefix(v, "vbscript:") ||
		strings.HasPrefix(v, "data:text/html")
}
