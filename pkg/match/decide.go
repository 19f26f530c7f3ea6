package match

import (
	"errors"
	"fmt"
)

// DefaultThreshold is the minimum signature similarity for attaching a
// listing to an existing product.
const DefaultThreshold = 0.85

// DefaultAmbiguityBand is the half-width around the threshold in which a
// decision is refused and the listing parked for review.
const DefaultAmbiguityBand = 0.02

// ErrEmptySignature means a listing produced no signature tokens.
var ErrEmptySignature = errors.New("empty signature")

// AmbiguousError reports a best candidate whose score is too close to the
// threshold to decide either way.
type AmbiguousError struct {
	Signature string
	Best      int64
	Score     float64
}

func (e *AmbiguousError) Error() string {
	return fmt.Sprintf("ambiguous match for %q: product %d scored %.3f", e.Signature, e.Best, e.Score)
}

// Config tunes match decisions.
type Config struct {
	Threshold float64
	// AmbiguityBand is nil for DefaultAmbiguityBand; zero disables the band.
	AmbiguityBand *float64
	// LooseClusters attaches to the best scoring signature alone, without
	// checking the other signatures already attached to its product.
	LooseClusters bool
}

func (c Config) withDefaults() Config {
	if c.Threshold <= 0 || c.Threshold > 1 {
		c.Threshold = DefaultThreshold
	}
	band := DefaultAmbiguityBand
	if c.AmbiguityBand != nil {
		band = max(*c.AmbiguityBand, 0)
	}
	c.AmbiguityBand = &band
	return c
}

func (c Config) band() float64 {
	return *c.AmbiguityBand
}

// Candidate is one signature of an existing product considered for a
// listing: the product's seed signature or that of a listing attached to it.
// A product may appear once per signature.
type Candidate struct {
	ProductID int64
	Signature Signature
}

// Outcome is what a match decision concluded.
type Outcome int

const (
	// Attach the listing to Decision.ProductID.
	Attach Outcome = iota
	// Create a new product from the listing's signature.
	Create
	// Park the listing for manual review.
	Park
)

func (o Outcome) String() string {
	switch o {
	case Attach:
		return "attach"
	case Create:
		return "create"
	default:
		return "park"
	}
}

// Decision is the result of Decide. Err is set for Park.
type Decision struct {
	Outcome   Outcome
	ProductID int64
	Score     float64
	Err       error
}

// Decide maps a signature onto existing products. It is a pure function of
// its inputs: the same signature and candidate set always give the same
// decision, whatever the candidate order.
//
// An identical signature key attaches with score 1. Otherwise every
// candidate signature is scored by Jaccard similarity and classed as attach
// (at or above the threshold plus the band), ambiguous (within the band) or
// create (below it). A product attaches only when all of its signatures
// class as attach and no other product does; a product whose signatures
// disagree, or several attaching products, park the listing, so a chain of
// similar titles never splits differently depending on arrival order. When
// nothing attaches, a new product is created.
//
// With LooseClusters the best single score wins instead, ties going to the
// shorter signature and then the lower product id.
func Decide(sig Signature, candidates []Candidate, cfg Config) Decision {
	cfg = cfg.withDefaults()
	if sig.Empty() {
		return Decision{Outcome: Park, Err: ErrEmptySignature}
	}

	var best *Candidate
	var bestScore float64
	var exact *Candidate
	scores := make([]float64, len(candidates))
	for i := range candidates {
		c := &candidates[i]
		if c.Signature.Key == sig.Key {
			if exact == nil || c.ProductID < exact.ProductID {
				exact = c
			}
			continue
		}
		score := Jaccard(sig.Tokens, c.Signature.Tokens)
		scores[i] = score
		if score == 0 {
			continue
		}
		if best == nil || better(score, c, bestScore, best) {
			best, bestScore = c, score
		}
	}

	if exact != nil {
		return Decision{Outcome: Attach, ProductID: exact.ProductID, Score: 1}
	}
	if best == nil {
		return Decision{Outcome: Create, Score: 1}
	}
	if !cfg.LooseClusters {
		return decideClusters(sig, candidates, scores, best, bestScore, cfg)
	}

	switch classify(bestScore, cfg) {
	case Attach:
		return Decision{Outcome: Attach, ProductID: best.ProductID, Score: bestScore}
	case Park:
		return ambiguous(sig, best.ProductID, bestScore)
	default:
		return Decision{Outcome: Create, Score: 1}
	}
}

func decideClusters(sig Signature, candidates []Candidate, scores []float64, best *Candidate, bestScore float64, cfg Config) Decision {
	type cluster struct {
		attach, other int
		score         float64
	}
	clusters := make(map[int64]*cluster)
	for i, c := range candidates {
		cl, ok := clusters[c.ProductID]
		if !ok {
			cl = &cluster{}
			clusters[c.ProductID] = cl
		}
		if classify(scores[i], cfg) == Attach {
			cl.attach++
			cl.score = max(cl.score, scores[i])
		} else {
			cl.other++
		}
	}

	var attachTo int64
	var attachScore float64
	var attaching int
	for id, cl := range clusters {
		switch {
		case cl.attach > 0 && cl.other == 0:
			attaching++
			if attaching == 1 || id < attachTo {
				attachTo, attachScore = id, cl.score
			}
		case cl.attach > 0:
			return ambiguous(sig, best.ProductID, bestScore)
		}
	}
	for i := range candidates {
		if classify(scores[i], cfg) == Park {
			return ambiguous(sig, best.ProductID, bestScore)
		}
	}

	switch attaching {
	case 0:
		return Decision{Outcome: Create, Score: 1}
	case 1:
		return Decision{Outcome: Attach, ProductID: attachTo, Score: attachScore}
	default:
		return ambiguous(sig, best.ProductID, bestScore)
	}
}

// classify maps one similarity score onto the outcome it calls for.
func classify(score float64, cfg Config) Outcome {
	switch {
	case score >= cfg.Threshold+cfg.band():
		return Attach
	case score >= cfg.Threshold-cfg.band():
		return Park
	default:
		return Create
	}
}

func ambiguous(sig Signature, productID int64, score float64) Decision {
	return Decision{
		Outcome:   Park,
		ProductID: productID,
		Score:     score,
		Err:       &AmbiguousError{Signature: sig.Key, Best: productID, Score: score},
	}
}

func better(score float64, c *Candidate, bestScore float64, best *Candidate) bool {
	if score != bestScore {
		return score > bestScore
	}
	if len(c.Signature.Tokens) != len(best.Signature.Tokens) {
		return len(c.Signature.Tokens) < len(best.Signature.Tokens)
	}
	if len(c.Signature.Key) != len(best.Signature.Key) {
		return len(c.Signature.Key) < len(best.Signature.Key)
	}
	return c.ProductID < best.ProductID
}
