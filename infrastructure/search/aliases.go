package search

import "sync"

// aliasEntry holds the canonical identity an alias slug resolves to.
type aliasEntry struct {
	canonicalSlug string
	displayName   string
	iconURL       string
}

// AliasTable resolves service slug aliases (tg -> telegram, bby -> tata-1mg,
// ...) to their canonical slug, display name, and icon, applied both when
// indexing a provider's raw service code and when resolving a query's
// serviceSlug filter.
type AliasTable struct {
	mu      sync.RWMutex
	entries map[string]aliasEntry
}

// NewAliasTable builds an AliasTable seeded with the given overrides.
func NewAliasTable(overrides map[string]aliasEntry) *AliasTable {
	t := &AliasTable{entries: make(map[string]aliasEntry)}
	for alias, entry := range overrides {
		t.entries[alias] = entry
	}
	return t
}

// Set registers or replaces one alias's canonical mapping.
func (t *AliasTable) Set(alias, canonicalSlug, displayName, iconURL string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[alias] = aliasEntry{canonicalSlug: canonicalSlug, displayName: displayName, iconURL: iconURL}
}

// Resolve returns the canonical slug for an alias, or slug unchanged if no
// alias is registered for it.
func (t *AliasTable) Resolve(slug string) string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if entry, ok := t.entries[slug]; ok {
		return entry.canonicalSlug
	}
	return slug
}

// Display returns the overridden display name and icon for a slug, if any.
func (t *AliasTable) Display(slug string) (displayName, iconURL string, ok bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	entry, ok := t.entries[slug]
	if !ok {
		return "", "", false
	}
	return entry.displayName, entry.iconURL, true
}

// DefaultAliasTable seeds the well-known shorthand slugs the catalogue's
// providers send in raw form.
func DefaultAliasTable() *AliasTable {
	return NewAliasTable(map[string]aliasEntry{
		"tg":  {canonicalSlug: "telegram", displayName: "Telegram"},
		"wa":  {canonicalSlug: "whatsapp", displayName: "WhatsApp"},
		"fb":  {canonicalSlug: "facebook", displayName: "Facebook"},
		"bby": {canonicalSlug: "tata-1mg", displayName: "Tata 1mg"},
	})
}
