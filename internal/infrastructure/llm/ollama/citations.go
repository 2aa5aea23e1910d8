package ollama

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/kirillkom/grounded-retrieval/internal/core/domain"
)

var citeMarker = regexp.MustCompile(`\[cite:\s*([^\]|]+?)\s*(?:\|\s*([A-Za-z]+)\s*=\s*([^\]]*?)\s*)?\]`)

// parseDraft replaces [cite:...] markers with numbered [n] references and
// returns one citation per distinct marker, in order of first appearance.
func parseDraft(raw string, passages []domain.Passage) domain.Draft {
	titles := make(map[string]string, len(passages))
	for _, p := range passages {
		titles[p.ID] = p.Title
	}

	citations := make([]domain.Citation, 0)
	numbers := make(map[domain.Citation]int)

	text := citeMarker.ReplaceAllStringFunc(raw, func(marker string) string {
		m := citeMarker.FindStringSubmatch(marker)
		c := domain.Citation{PassageID: strings.TrimSpace(m[1]), AnchorType: domain.AnchorNone}
		if key := m[2]; key != "" {
			c.AnchorType = anchorType(key)
			c.AnchorValue = strings.TrimSpace(m[3])
		}
		c.ReferenceText = titles[c.PassageID]
		if c.AnchorType == domain.AnchorReference {
			c.ReferenceText = c.AnchorValue
		}

		n, ok := numbers[c]
		if !ok {
			citations = append(citations, c)
			n = len(citations)
			numbers[c] = n
		}
		return fmt.Sprintf("[%d]", n)
	})

	return domain.Draft{Text: strings.TrimSpace(text), Citations: citations}
}

// anchorType keeps unknown keys verbatim so grounding reports them malformed.
func anchorType(key string) domain.AnchorType {
	switch strings.ToLower(key) {
	case "ref", "reference":
		return domain.AnchorReference
	case "page", "pages", "p":
		return domain.AnchorPage
	case "time", "timestamp", "t":
		return domain.AnchorTimestamp
	default:
		return domain.AnchorType(key)
	}
}
