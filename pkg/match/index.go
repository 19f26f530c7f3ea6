package match

import (
	"sort"
	"strings"
	"sync"

	"github.com/odmlab/micradar/internal/store"
)

// Index is the in-memory product signature registry. Each product holds its
// seed signature plus the signatures of listings attached to it by name.
// Lookups are read-heavy and run concurrently; additions take the write lock.
type Index struct {
	mu      sync.RWMutex
	byKey   map[string]int64
	members map[int64][]Signature
	byToken map[string]map[int64]struct{}
}

// NewIndex returns an empty index.
func NewIndex() *Index {
	return &Index{
		byKey:   make(map[string]int64),
		members: make(map[int64][]Signature),
		byToken: make(map[string]map[int64]struct{}),
	}
}

// Add registers a product's seed signature. Adding the same product again
// is a no-op.
func (ix *Index) Add(p *store.Product) {
	if p == nil || p.Signature == "" {
		return
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if id, ok := ix.byKey[p.Signature]; !ok || p.ID < id {
		ix.byKey[p.Signature] = p.ID
	}
	ix.attach(p.ID, p.Signature)
}

// Attach records key as a member signature of productID.
func (ix *Index) Attach(productID int64, key string) {
	if key == "" {
		return
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.attach(productID, key)
}

func (ix *Index) attach(productID int64, key string) {
	for _, m := range ix.members[productID] {
		if m.Key == key {
			return
		}
	}
	sig := Signature{Tokens: strings.Fields(key), Key: key}
	ix.members[productID] = append(ix.members[productID], sig)
	for _, tok := range sig.Tokens {
		set, ok := ix.byToken[tok]
		if !ok {
			set = make(map[int64]struct{})
			ix.byToken[tok] = set
		}
		set[productID] = struct{}{}
	}
}

// Lookup returns the product seeded with exactly this signature key.
func (ix *Index) Lookup(key string) (int64, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	id, ok := ix.byKey[key]
	return id, ok
}

// Candidates returns every member signature of the products sharing at
// least one token with sig, ordered by product id.
func (ix *Index) Candidates(sig Signature) []Candidate {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	ids := make(map[int64]struct{})
	for _, tok := range sig.Tokens {
		for id := range ix.byToken[tok] {
			ids[id] = struct{}{}
		}
	}
	out := make([]Candidate, 0, len(ids))
	for id := range ids {
		for _, m := range ix.members[id] {
			out = append(out, Candidate{ProductID: id, Signature: m})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ProductID != out[j].ProductID {
			return out[i].ProductID < out[j].ProductID
		}
		return out[i].Signature.Key < out[j].Signature.Key
	})
	return out
}

// Len returns the number of indexed products.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.members)
}
