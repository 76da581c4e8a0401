package models

// Resolution decides what happens when a remote update lands on an entity
// a user may be editing locally
type Resolution int

const (
	// ResolveOverwrite applies the remote value unconditionally
	ResolveOverwrite Resolution = iota
	// ResolveManual surfaces the remote value to a human instead of applying it
	ResolveManual
)

// PolicyTable maps entity categories to their conflict resolution strategy.
// Entities absent from the table resolve to overwrite
type PolicyTable map[string]Resolution

// NewPolicyTable builds a table marking the given entities as manual-resolution
func NewPolicyTable(manual []string) PolicyTable {
	t := make(PolicyTable, len(manual))
	for _, e := range manual {
		if e != "" {
			t[e] = ResolveManual
		}
	}
	return t
}

// Resolve returns the strategy for an entity, defaulting to overwrite
func (t PolicyTable) Resolve(entity string) Resolution {
	if r, ok := t[entity]; ok {
		return r
	}
	return ResolveOverwrite
}
