package domain

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// MaxItem is the open upper bound used when a locator names a whole section.
const MaxItem = 99999

var ErrMalformedReference = errors.New("malformed reference")

// Locus is a single position inside a work: section (chapter, act, title) and
// item (verse, line, paragraph). Item 0 means "start of section".
type Locus struct {
	Section int `json:"section"`
	Item    int `json:"item"`
}

func (l Locus) Compare(other Locus) int {
	switch {
	case l.Section != other.Section:
		return l.Section - other.Section
	default:
		return l.Item - other.Item
	}
}

// Ordinal flattens the locus into one sortable integer for index range filters.
func (l Locus) Ordinal() int64 {
	return int64(l.Section)*(MaxItem+1) + int64(l.Item)
}

func LocusFromOrdinal(ordinal int64) Locus {
	return Locus{Section: int(ordinal / (MaxItem + 1)), Item: int(ordinal % (MaxItem + 1))}
}

// ReferenceSpan is a closed interval of loci inside one canonical work.
type ReferenceSpan struct {
	Work  string `json:"work"`
	Start Locus  `json:"start"`
	End   Locus  `json:"end"`
}

func (s ReferenceSpan) Intersects(other ReferenceSpan) bool {
	if s.Work != other.Work {
		return false
	}
	return s.Start.Compare(other.End) <= 0 && other.Start.Compare(s.End) <= 0
}

func (s ReferenceSpan) String() string {
	start := fmt.Sprintf("%d:%d", s.Start.Section, s.Start.Item)
	end := fmt.Sprintf("%d:%d", s.End.Section, s.End.Item)
	if start == end {
		return s.Work + " " + start
	}
	return s.Work + " " + start + "-" + end
}

// NormalizeWork case-folds a work name and collapses inner whitespace.
func NormalizeWork(work string) string {
	return strings.ToLower(strings.Join(strings.Fields(work), " "))
}

// ParseReference parses canonical locators such as "John 3:16-18",
// "Genesis 1:1-2:3", "1 John 2" or "Song of Songs 2:4".
func ParseReference(raw string) (ReferenceSpan, error) {
	fields := strings.Fields(raw)
	if len(fields) < 2 {
		return ReferenceSpan{}, fmt.Errorf("%w: %q needs a work and a locator", ErrMalformedReference, raw)
	}
	locator := fields[len(fields)-1]
	work := NormalizeWork(strings.Join(fields[:len(fields)-1], " "))
	if work == "" {
		return ReferenceSpan{}, fmt.Errorf("%w: %q has empty work", ErrMalformedReference, raw)
	}

	startPart, endPart, isRange := strings.Cut(locator, "-")
	start, startHasItem, err := parseLocus(startPart)
	if err != nil {
		return ReferenceSpan{}, fmt.Errorf("%w: %q: %v", ErrMalformedReference, raw, err)
	}

	span := ReferenceSpan{Work: work, Start: start, End: start}
	if !startHasItem {
		span.End = Locus{Section: start.Section, Item: MaxItem}
	}

	if isRange {
		var end Locus
		if strings.Contains(endPart, ":") {
			end, _, err = parseLocus(endPart)
		} else if startHasItem {
			var item int
			item, err = parsePositive(endPart)
			end = Locus{Section: start.Section, Item: item}
		} else {
			var section int
			section, err = parsePositive(endPart)
			end = Locus{Section: section, Item: MaxItem}
		}
		if err != nil {
			return ReferenceSpan{}, fmt.Errorf("%w: %q: %v", ErrMalformedReference, raw, err)
		}
		span.End = end
	}

	if span.End.Compare(span.Start) < 0 {
		return ReferenceSpan{}, fmt.Errorf("%w: %q ends before it starts", ErrMalformedReference, raw)
	}
	return span, nil
}

func parseLocus(s string) (Locus, bool, error) {
	sectionPart, itemPart, hasItem := strings.Cut(s, ":")
	section, err := parsePositive(sectionPart)
	if err != nil {
		return Locus{}, false, err
	}
	if !hasItem {
		return Locus{Section: section}, false, nil
	}
	item, err := parsePositive(itemPart)
	if err != nil {
		return Locus{}, false, err
	}
	return Locus{Section: section, Item: item}, true, nil
}

func parsePositive(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("bad number %q", s)
	}
	if n <= 0 || n > MaxItem {
		return 0, fmt.Errorf("number %d out of range", n)
	}
	return n, nil
}
