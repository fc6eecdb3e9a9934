// Package catalog holds the signed-in user's series keyed by slug.
package catalog

import (
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/MarcoPoloResearchLab/panels/internal/chapterview"
	"github.com/MarcoPoloResearchLab/panels/internal/comics"
)

// Catalog is rebuilt wholesale; it is never patched incrementally.
type Catalog struct {
	mu     sync.RWMutex
	series map[string]comics.Series
}

// New returns an empty catalog.
func New() *Catalog {
	return &Catalog{series: make(map[string]comics.Series)}
}

// Rebuild replaces the catalog contents.
func (c *Catalog) Rebuild(series map[string]comics.Series) {
	replacement := make(map[string]comics.Series, len(series))
	for slug, entry := range series {
		replacement[slug] = entry
	}
	c.mu.Lock()
	c.series = replacement
	c.mu.Unlock()
}

// Get returns the series stored under slug.
func (c *Catalog) Get(slug string) (comics.Series, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.series[slug]
	return entry, ok
}

// Len reports the number of series.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.series)
}

// Filter returns series whose title contains term, ignoring case, sorted by title.
func (c *Catalog) Filter(term string) []comics.Series {
	needle := strings.ToLower(term)
	c.mu.RLock()
	matches := make([]comics.Series, 0, len(c.series))
	for _, entry := range c.series {
		if strings.Contains(strings.ToLower(entry.Title), needle) {
			matches = append(matches, entry)
		}
	}
	c.mu.RUnlock()

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Title != matches[j].Title {
			return matches[i].Title < matches[j].Title
		}
		return matches[i].Slug < matches[j].Slug
	})
	return matches
}

// FilterChapters keeps chapters whose title contains term (ignoring case) or
// whose chapter number contains it.
func FilterChapters(views []chapterview.View, term string) []chapterview.View {
	if term == "" {
		return views
	}
	needle := strings.ToLower(term)
	matches := make([]chapterview.View, 0, len(views))
	for _, view := range views {
		number := strconv.FormatFloat(view.ChapterNumber, 'f', -1, 64)
		if strings.Contains(strings.ToLower(view.Title), needle) || strings.Contains(number, term) {
			matches = append(matches, view)
		}
	}
	return matches
}
