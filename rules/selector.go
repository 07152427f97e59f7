package rules

// Resolve expands a selector into the ordered list of rule ids to run.
//
// Explicit ids present in the store come first, in the order given; unknown
// ids are dropped. Ids matched by tag follow in store order. Each id appears
// once, at its first occurrence. A selector with neither ids nor tags yields
// ErrEmptySelector; one that matches nothing yields an empty list.
func Resolve(selector RuleSelector, store *MetadataStore) ([]string, error) {
	if selector.IsEmpty() {
		return nil, ErrEmptySelector
	}

	seen := make(map[string]struct{}, len(selector.IDs))
	ids := make([]string, 0, len(selector.IDs))
	add := func(id string) {
		if _, dup := seen[id]; dup {
			return
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}

	for _, id := range selector.IDs {
		if _, ok := store.Peek(id); ok {
			add(id)
		}
	}
	for _, id := range store.ListByTags(normalizeTags(selector.Tags)) {
		add(id)
	}

	return ids, nil
}
