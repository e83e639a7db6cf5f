package skills

import (
	"sort"
	"strings"
	"sync"
)

// Catalog holds the loaded skill set and the embedding cache behind one
// lock, so cache population is single-writer alongside catalog reads.
// The skill set itself is fixed for the process lifetime.
type Catalog struct {
	mu     sync.RWMutex
	byName map[string]Skill
	cache  *Cache
}

// NewCatalog builds a catalog from loaded skills. Names are unique;
// a later duplicate replaces an earlier one. cache may be nil, in which
// case every embedding lookup misses.
func NewCatalog(loaded []Skill, cache *Cache) *Catalog {
	byName := make(map[string]Skill, len(loaded))
	for _, s := range loaded {
		byName[s.Name] = s
	}
	return &Catalog{byName: byName, cache: cache}
}

// Get returns the named skill.
func (c *Catalog) Get(name string) (Skill, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.byName[name]
	return s, ok
}

// All returns every skill sorted by name.
func (c *Catalog) All() []Skill {
	c.mu.RLock()
	defer c.mu.RUnlock()

	all := make([]Skill, 0, len(c.byName))
	for _, s := range c.byName {
		all = append(all, s)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Name < all[j].Name })
	return all
}

// Names returns every skill name sorted.
func (c *Catalog) Names() []string {
	all := c.All()
	names := make([]string, len(all))
	for i, s := range all {
		names[i] = s.Name
	}
	return names
}

// MatchSubstring returns skills whose name appears (case-insensitively)
// as a substring of text, unranked. This is the fallback when embedding
// retrieval is unavailable.
func (c *Catalog) MatchSubstring(text string) []Skill {
	lower := strings.ToLower(text)

	var matches []Skill
	for _, s := range c.All() {
		if strings.Contains(lower, strings.ToLower(s.Name)) {
			matches = append(matches, s)
		}
	}
	return matches
}

// cachedVector looks up the persisted embedding for a skill under the
// given model. Errors are treated as misses by callers.
func (c *Catalog) cachedVector(model string, s Skill) ([]float32, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.cache == nil {
		return nil, false, nil
	}
	return c.cache.Get(model, s.Name, s.Digest())
}

// storeVector persists a freshly computed embedding.
func (c *Catalog) storeVector(model string, s Skill, vec []float32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cache == nil {
		return nil
	}
	return c.cache.Put(model, s.Name, s.Digest(), vec)
}
