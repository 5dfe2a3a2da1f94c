// Package state persists the correlation maps that tie remote bookmark
// entities to local tree nodes, through pluggable snapshot backends.
package state

// Bimap is a bijective map. Put evicts any entry that would break the
// bijection, so at no point can two keys share a value or two values share a
// key.
type Bimap[K comparable, V comparable] struct {
	fwd map[K]V
	rev map[V]K
}

func NewBimap[K comparable, V comparable]() *Bimap[K, V] {
	return &Bimap[K, V]{fwd: map[K]V{}, rev: map[V]K{}}
}

// BimapFromMap builds a bimap from a plain map. Entries sharing a value keep
// only one pairing; persisted snapshots are expected to be bijective already.
func BimapFromMap[K comparable, V comparable](m map[K]V) *Bimap[K, V] {
	b := NewBimap[K, V]()
	for k, v := range m {
		b.Put(k, v)
	}
	return b
}

func (b *Bimap[K, V]) Put(k K, v V) {
	if old, ok := b.fwd[k]; ok {
		delete(b.rev, old)
	}
	if old, ok := b.rev[v]; ok {
		delete(b.fwd, old)
	}
	b.fwd[k] = v
	b.rev[v] = k
}

func (b *Bimap[K, V]) Get(k K) (V, bool) {
	v, ok := b.fwd[k]
	return v, ok
}

func (b *Bimap[K, V]) GetInverse(v V) (K, bool) {
	k, ok := b.rev[v]
	return k, ok
}

func (b *Bimap[K, V]) Delete(k K) {
	if v, ok := b.fwd[k]; ok {
		delete(b.rev, v)
		delete(b.fwd, k)
	}
}

func (b *Bimap[K, V]) DeleteInverse(v V) {
	if k, ok := b.rev[v]; ok {
		delete(b.fwd, k)
		delete(b.rev, v)
	}
}

func (b *Bimap[K, V]) Len() int { return len(b.fwd) }

// Forward returns a copy of the forward map.
func (b *Bimap[K, V]) Forward() map[K]V {
	out := make(map[K]V, len(b.fwd))
	for k, v := range b.fwd {
		out[k] = v
	}
	return out
}
