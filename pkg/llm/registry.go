package llm

import (
	"errors"
	"fmt"
	"sync"
)

// Tier identifies a model capability class. Tiers are ordered: small is the
// cheapest, large the most capable.
type Tier string

const (
	TierSmall  Tier = "small"
	TierMedium Tier = "medium"
	TierLarge  Tier = "large"
)

// tierRank orders tiers for escalation. Higher rank means more capable.
var tierRank = map[Tier]int{
	TierSmall:  0,
	TierMedium: 1,
	TierLarge:  2,
}

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	_, ok := tierRank[t]
	return ok
}

// Next returns the tier one step up the ladder. The second return is false
// when t is already the top tier or is unknown.
func (t Tier) Next() (Tier, bool) {
	switch t {
	case TierSmall:
		return TierMedium, true
	case TierMedium:
		return TierLarge, true
	default:
		return t, false
	}
}

// Above reports whether t is more capable than other.
func (t Tier) Above(other Tier) bool {
	return tierRank[t] > tierRank[other]
}

// ParseTier validates a tier string; the empty string maps to TierMedium.
func ParseTier(s string) (Tier, error) {
	if s == "" {
		return TierMedium, nil
	}
	t := Tier(s)
	if !t.Valid() {
		return "", fmt.Errorf("unknown model tier %q", s)
	}
	return t, nil
}

// ErrTierNotConfigured is returned by Registry.Get for tiers with no client.
var ErrTierNotConfigured = errors.New("llm: tier not configured")

// Registry resolves capability tiers to configured provider clients.
// It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	clients map[Tier]Client
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{clients: make(map[Tier]Client)}
}

// Register binds a client to a tier, replacing any previous binding.
func (r *Registry) Register(tier Tier, c Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[tier] = c
}

// Get returns the client for the exact tier.
func (r *Registry) Get(tier Tier) (Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[tier]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTierNotConfigured, tier)
	}
	return c, nil
}

// Has reports whether a client is registered for the tier.
func (r *Registry) Has(tier Tier) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.clients[tier]
	return ok
}

// Resolve returns the client for the tier, falling back to the nearest
// configured tier below it, then to the nearest above. This keeps a partially
// configured deployment (for example small+large only) functional for every
// tier request.
func (r *Registry) Resolve(tier Tier) (Client, Tier, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if c, ok := r.clients[tier]; ok {
		return c, tier, nil
	}
	want := tierRank[tier]
	order := []Tier{TierSmall, TierMedium, TierLarge}
	var bestBelow, bestAbove Tier
	foundBelow, foundAbove := false, false
	for _, t := range order {
		if _, ok := r.clients[t]; !ok {
			continue
		}
		if tierRank[t] < want {
			bestBelow, foundBelow = t, true
		} else if tierRank[t] > want && !foundAbove {
			bestAbove, foundAbove = t, true
		}
	}
	if foundBelow {
		return r.clients[bestBelow], bestBelow, nil
	}
	if foundAbove {
		return r.clients[bestAbove], bestAbove, nil
	}
	return nil, "", fmt.Errorf("%w: %s (registry is empty)", ErrTierNotConfigured, tier)
}

// Highest returns the most capable configured tier.
func (r *Registry) Highest() (Tier, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, t := range []Tier{TierLarge, TierMedium, TierSmall} {
		if _, ok := r.clients[t]; ok {
			return t, true
		}
	}
	return "", false
}
