package execution

// portBuffer is one inbound port's queue of values produced by upstream
// nodes (§4.5 invocation protocol / §8 property 7 "port overflow bound").
// It is owned exclusively by the plan's single worker goroutine — §5's
// "no lock is held across a Wasm invocation; port buffers are owned
// exclusively by their plan's worker" — so it needs no internal locking.
type portBuffer struct {
	values []uint64
	cap    int
	isList bool
}

func newPortBuffer(capacity int, isList bool) *portBuffer {
	return &portBuffer{cap: capacity, isList: isList}
}

// push appends v, dropping the oldest queued value first if the buffer is
// at capacity. It returns the number of values dropped (0 or 1): §8
// property 7 requires "each drop emits exactly one port-overflow event
// carrying the drop count", so callers push one value at a time.
func (b *portBuffer) push(v uint64) int {
	dropped := 0
	if b.cap > 0 && len(b.values) >= b.cap {
		b.values = b.values[1:]
		dropped = 1
	}
	b.values = append(b.values, v)
	return dropped
}

// drainSingle takes the oldest queued value for a port that expects one
// value per cycle.
func (b *portBuffer) drainSingle() (uint64, bool) {
	if len(b.values) == 0 {
		return 0, false
	}
	v := b.values[0]
	b.values = b.values[1:]
	return v, true
}

// drainAll takes every queued value for a port that expects a list
// (already bounded to cap by push).
func (b *portBuffer) drainAll() []uint64 {
	out := b.values
	b.values = nil
	return out
}
