package usecase

import (
	"math"
	"reflect"
	"testing"

	"github.com/kirillkom/grounded-retrieval/internal/core/domain"
)

func results(method domain.RetrievalMethod, ids ...string) []domain.RetrievalResult {
	out := make([]domain.RetrievalResult, len(ids))
	for i, id := range ids {
		out[i] = domain.RetrievalResult{PassageID: id, Method: method, RawScore: 1 / float64(i+1), Rank: i + 1}
	}
	return out
}

func TestFuseRRFDeduplicatesByPassageID(t *testing.T) {
	vector := results(domain.MethodVector, "p-1", "p-2")
	lexical := results(domain.MethodLexical, "p-2", "p-3")

	fused := FuseRRF(60, vector, lexical)
	if len(fused) != 3 {
		t.Fatalf("expected 3 fused candidates, got %d", len(fused))
	}
	if fused[0].PassageID != "p-2" {
		t.Fatalf("expected p-2 first after RRF fusion, got %s", fused[0].PassageID)
	}
	if !fused[0].HasMethod(domain.MethodVector) || !fused[0].HasMethod(domain.MethodLexical) {
		t.Fatalf("expected p-2 to carry both methods, got %v", fused[0].ContributingMethods)
	}
	want := 1.0/62 + 1.0/61
	if math.Abs(fused[0].FusedScore-want) > 1e-12 {
		t.Fatalf("expected fused score %v, got %v", want, fused[0].FusedScore)
	}
	for i, f := range fused {
		if f.Rank != i+1 {
			t.Fatalf("expected rank %d at position %d, got %d", i+1, i, f.Rank)
		}
	}
}

func TestFuseRRFTieBreakByPassageID(t *testing.T) {
	vector := results(domain.MethodVector, "p-b")
	lexical := results(domain.MethodLexical, "p-a")

	for i := 0; i < 20; i++ {
		fused := FuseRRF(60, vector, lexical)
		if len(fused) != 2 {
			t.Fatalf("expected 2 fused candidates, got %d", len(fused))
		}
		if fused[0].FusedScore != fused[1].FusedScore {
			t.Fatalf("expected identical fused scores, got %v and %v", fused[0].FusedScore, fused[1].FusedScore)
		}
		if fused[0].PassageID != "p-a" || fused[1].PassageID != "p-b" {
			t.Fatalf("expected ascending id order, got %s, %s", fused[0].PassageID, fused[1].PassageID)
		}
	}
}

func TestFuseRRFDeterministic(t *testing.T) {
	vector := results(domain.MethodVector, "p-5", "p-3", "p-1", "p-7", "p-2")
	lexical := results(domain.MethodLexical, "p-2", "p-4", "p-5", "p-6", "p-3")

	first := FuseRRF(60, vector, lexical)
	for i := 0; i < 50; i++ {
		if got := FuseRRF(60, vector, lexical); !reflect.DeepEqual(first, got) {
			t.Fatalf("fusion output changed on run %d", i)
		}
	}
}

func TestFuseRRFSurvivingListOnly(t *testing.T) {
	fused := FuseRRF(0, results(domain.MethodVector, "p-1", "p-2"), nil)
	if len(fused) != 2 {
		t.Fatalf("expected 2 fused candidates, got %d", len(fused))
	}
	for _, f := range fused {
		if f.HasMethod(domain.MethodLexical) {
			t.Fatalf("unexpected lexical contribution for %s", f.PassageID)
		}
	}
	if math.Abs(fused[0].FusedScore-1.0/61) > 1e-12 {
		t.Fatalf("expected default constant 60, got score %v", fused[0].FusedScore)
	}
}

func TestFuseRRFHandlesEmptyInput(t *testing.T) {
	if out := FuseRRF(60, nil, nil); len(out) != 0 {
		t.Fatalf("expected empty output, got %d", len(out))
	}
}
