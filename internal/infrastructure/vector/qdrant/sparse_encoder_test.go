package qdrant

import (
	"fmt"
	"strings"
	"testing"
)

func TestEncodeSparseQueryDeterministic(t *testing.T) {
	v1 := encodeSparseQuery("For God so loved the world, John 3 16")
	v2 := encodeSparseQuery("For God so loved the world, John 3 16")
	if len(v1.Indices) != len(v2.Indices) || len(v1.Values) != len(v2.Values) {
		t.Fatalf("vector sizes mismatch: v1=%d/%d v2=%d/%d", len(v1.Indices), len(v1.Values), len(v2.Indices), len(v2.Values))
	}
	for i := range v1.Indices {
		if v1.Indices[i] != v2.Indices[i] {
			t.Fatalf("indices mismatch at %d: %d vs %d", i, v1.Indices[i], v2.Indices[i])
		}
		if v1.Values[i] != v2.Values[i] {
			t.Fatalf("values mismatch at %d: %f vs %f", i, v1.Values[i], v2.Values[i])
		}
	}
}

func TestEncodeSparseQuerySortsIndices(t *testing.T) {
	v := encodeSparseQuery("zulu alpha beta gamma")
	if len(v.Indices) == 0 {
		t.Fatalf("expected non-empty sparse vector")
	}
	for i := 1; i < len(v.Indices); i++ {
		if v.Indices[i-1] > v.Indices[i] {
			t.Fatalf("indices not sorted at %d: %d > %d", i, v.Indices[i-1], v.Indices[i])
		}
	}
}

func TestEncodeSparseQueryEmptyNoiseInput(t *testing.T) {
	v := encodeSparseQuery("___---!!!")
	if len(v.Indices) != 0 || len(v.Values) != 0 {
		t.Fatalf("expected empty sparse vector, got %+v", v)
	}
}

func TestEncodeSparseQueryKeepsHeaviestTerms(t *testing.T) {
	words := make([]string, 0, maxSparseTerms+10)
	for i := range maxSparseTerms + 10 {
		words = append(words, fmt.Sprintf("term%03d", i))
	}
	query := strings.Join(words, " ") + " grace grace grace"

	v := encodeSparseQuery(query)
	if len(v.Indices) != maxSparseTerms {
		t.Fatalf("expected %d terms, got %d", maxSparseTerms, len(v.Indices))
	}
	grace := hashToken("grace")
	found := false
	for _, idx := range v.Indices {
		if idx == grace {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected repeated term to survive pruning")
	}
}

func TestEncodeSparseQueryDropsSingleLetters(t *testing.T) {
	v := encodeSparseQuery("a i 3")
	if len(v.Indices) != 1 || v.Indices[0] != hashToken("3") {
		t.Fatalf("expected only the numeric token, got %+v", v)
	}
}

func TestTokenizeAlphaNumUnicodeAndDigitsStability(t *testing.T) {
	tokens := tokenizeAlphaNum("Привет DOC_0001 версия-2")
	want := []string{"привет", "doc", "0001", "версия", "2"}
	if strings.Join(tokens, ",") != strings.Join(want, ",") {
		t.Fatalf("expected %v, got %v", want, tokens)
	}
}
