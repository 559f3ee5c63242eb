package wit

import "sync"

// Interner hash-cons normalized types so that C4's edge type-checking can
// rely on *Type pointer identity instead of repeated structural walks (§9:
// "implementations should hash-cons normalized types up front so edge
// type-checking in C4 is pointer-equality"). The canonical key is the
// type's cty.Type GoString, which is stable for structurally identical
// types regardless of which package produced them; for a primitive it is
// prefixed with the WIT primitive name, since several primitives share one
// cty type (u32 and u64 are both cty.Number).
type Interner struct {
	mu    sync.Mutex
	table map[string]*Type
}

func NewInterner() *Interner {
	return &Interner{table: make(map[string]*Type)}
}

// Canonicalize returns the single shared *Type for t's structural shape,
// registering t as the canonical instance the first time that shape is
// seen.
func (in *Interner) Canonicalize(t *Type) *Type {
	key := t.CtyType.GoString()
	if t.Kind == KindPrimitive {
		key = t.Name + "|" + key
	}

	in.mu.Lock()
	defer in.mu.Unlock()

	if existing, ok := in.table[key]; ok {
		return existing
	}
	in.table[key] = t
	return t
}

// Len reports how many distinct canonical types are registered.
func (in *Interner) Len() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.table)
}
