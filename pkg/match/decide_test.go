package match

import (
	"errors"
	"math/rand"
	"strings"
	"testing"
)

func sigOf(key string) Signature {
	return Signature{Tokens: strings.Fields(key), Key: key}
}

func band(v float64) *float64 { return &v }

func TestDecideExactKey(t *testing.T) {
	cands := []Candidate{
		{ProductID: 4, Signature: sigOf("shure sm58")},
		{ProductID: 9, Signature: sigOf("shure sm7b")},
	}
	d := Decide(sigOf("shure sm7b"), cands, Config{})
	if d.Outcome != Attach || d.ProductID != 9 || d.Score != 1 {
		t.Fatalf("expected attach to 9 with score 1, got %+v", d)
	}
}

func TestDecideCreatesWhenBelowThreshold(t *testing.T) {
	cands := []Candidate{{ProductID: 1, Signature: sigOf("shure sm58")}}
	d := Decide(sigOf("shure sm7b"), cands, Config{})
	if d.Outcome != Create || d.Score != 1 {
		t.Fatalf("expected create, got %+v", d)
	}
	if d := Decide(sigOf("rode nt1"), nil, Config{}); d.Outcome != Create {
		t.Fatalf("expected create without candidates, got %+v", d)
	}
}

func TestDecideFuzzyAttach(t *testing.T) {
	// 8 of 9 tokens shared: 0.889, above threshold plus band.
	existing := sigOf("a b c d e f g h")
	incoming := sigOf("a b c d e f g h i")
	d := Decide(incoming, []Candidate{{ProductID: 2, Signature: existing}}, Config{})
	if d.Outcome != Attach || d.ProductID != 2 {
		t.Fatalf("expected attach to 2, got %+v", d)
	}
	if d.Score < DefaultThreshold {
		t.Fatalf("expected score >= %v, got %v", DefaultThreshold, d.Score)
	}
}

func TestDecideAmbiguousBand(t *testing.T) {
	// 6 of 7 tokens shared: 0.857, inside 0.85 +/- 0.02.
	existing := sigOf("a b c d e f")
	incoming := sigOf("a b c d e f g")
	d := Decide(incoming, []Candidate{{ProductID: 3, Signature: existing}}, Config{})
	if d.Outcome != Park {
		t.Fatalf("expected park, got %+v", d)
	}
	var amb *AmbiguousError
	if !errors.As(d.Err, &amb) {
		t.Fatalf("expected AmbiguousError, got %v", d.Err)
	}
	if amb.Best != 3 {
		t.Fatalf("expected best candidate 3, got %d", amb.Best)
	}

	// A wider gap resolves the same pair into an attach.
	d = Decide(incoming, []Candidate{{ProductID: 3, Signature: existing}}, Config{Threshold: 0.8, AmbiguityBand: band(0.01)})
	if d.Outcome != Attach {
		t.Fatalf("expected attach with lower threshold, got %+v", d)
	}
}

func TestDecideEmpty(t *testing.T) {
	d := Decide(Signature{}, []Candidate{{ProductID: 1, Signature: sigOf("x")}}, Config{})
	if d.Outcome != Park || !errors.Is(d.Err, ErrEmptySignature) {
		t.Fatalf("expected park with empty signature, got %+v", d)
	}
}

func TestDecideTieBreak(t *testing.T) {
	incoming := sigOf("a b c d e f g h i j")
	cands := []Candidate{
		{ProductID: 7, Signature: sigOf("a b c d e f g h i")},
		{ProductID: 5, Signature: sigOf("b c d e f g h i j")},
	}
	loose := Config{LooseClusters: true}
	d := Decide(incoming, cands, loose)
	if d.Outcome != Attach || d.ProductID != 5 {
		t.Fatalf("expected equal scores to go to the lower id 5, got %+v", d)
	}

	// Both score 0.5; the shorter signature wins over the lower id.
	cands = []Candidate{
		{ProductID: 1, Signature: sigOf("a b c x y")},
		{ProductID: 9, Signature: sigOf("a b")},
	}
	d = Decide(sigOf("a b c d"), cands, Config{Threshold: 0.4, AmbiguityBand: band(0.01), LooseClusters: true})
	if d.Outcome != Attach || d.ProductID != 9 {
		t.Fatalf("expected shorter signature 9 to win, got %+v", d)
	}
}

func TestDecideOrderIndependent(t *testing.T) {
	incoming := sigOf("a b c d e f g h i j")
	cands := []Candidate{
		{ProductID: 7, Signature: sigOf("a b c d e f g h i")},
		{ProductID: 5, Signature: sigOf("a b c d e f g h i")},
		{ProductID: 1, Signature: sigOf("a b c d e f g h i j k")},
		{ProductID: 2, Signature: sigOf("a b x")},
	}
	want := Decide(incoming, cands, Config{})
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 20; i++ {
		rng.Shuffle(len(cands), func(a, b int) { cands[a], cands[b] = cands[b], cands[a] })
		if got := Decide(incoming, cands, Config{}); got.ProductID != want.ProductID || got.Outcome != want.Outcome {
			t.Fatalf("expected %+v regardless of order, got %+v", want, got)
		}
	}
}

func TestDecideZeroBand(t *testing.T) {
	// 0.857 sits inside the default band but attaches without one.
	existing := sigOf("a b c d e f")
	incoming := sigOf("a b c d e f g")
	cands := []Candidate{{ProductID: 3, Signature: existing}}
	if d := Decide(incoming, cands, Config{AmbiguityBand: band(0)}); d.Outcome != Attach || d.ProductID != 3 {
		t.Fatalf("expected attach with the band disabled, got %+v", d)
	}
	if d := Decide(incoming, cands, Config{AmbiguityBand: band(-1)}); d.Outcome != Attach {
		t.Fatalf("expected a negative band to act as zero, got %+v", d)
	}
	if d := Decide(incoming, cands, Config{}); d.Outcome != Park {
		t.Fatalf("expected default band to park, got %+v", d)
	}
}

func TestDecideClusterDisagreementParks(t *testing.T) {
	// Product 1 holds a 9-token seed and a 10-token attached title. An
	// 11-token title scores 0.909 against one and 0.818 against the other.
	x := sigOf("a b c d e f g h i")
	y := sigOf("a b c d e f g h i j")
	z := sigOf("a b c d e f g h i j k")
	cands := []Candidate{{ProductID: 1, Signature: x}, {ProductID: 1, Signature: y}}

	d := Decide(z, cands, Config{})
	var amb *AmbiguousError
	if d.Outcome != Park || !errors.As(d.Err, &amb) || amb.Best != 1 {
		t.Fatalf("expected park against product 1, got %+v", d)
	}
	if d := Decide(z, cands, Config{LooseClusters: true}); d.Outcome != Attach || d.ProductID != 1 {
		t.Fatalf("expected loose attach to 1, got %+v", d)
	}

	// Every member agrees: attach.
	if d := Decide(y, []Candidate{{ProductID: 1, Signature: x}, {ProductID: 1, Signature: z}}, Config{}); d.Outcome != Attach || d.ProductID != 1 {
		t.Fatalf("expected attach when all signatures agree, got %+v", d)
	}
	// A member with the identical key attaches regardless.
	if d := Decide(z, []Candidate{{ProductID: 1, Signature: x}, {ProductID: 1, Signature: z}}, Config{}); d.Outcome != Attach || d.Score != 1 {
		t.Fatalf("expected exact attach, got %+v", d)
	}
}

func TestDecideSeveralAttachingProductsPark(t *testing.T) {
	y := sigOf("a b c d e f g h i j")
	cands := []Candidate{
		{ProductID: 1, Signature: sigOf("a b c d e f g h i j k")},
		{ProductID: 2, Signature: sigOf("a b c d e f g h i")},
	}
	if d := Decide(y, cands, Config{}); d.Outcome != Park || d.ProductID != 1 {
		t.Fatalf("expected park naming best product 1, got %+v", d)
	}
	// Unrelated products do not block an attach.
	cands[1] = Candidate{ProductID: 2, Signature: sigOf("a x y z")}
	if d := Decide(y, cands, Config{}); d.Outcome != Attach || d.ProductID != 1 {
		t.Fatalf("expected attach to 1, got %+v", d)
	}
}
