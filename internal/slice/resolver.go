package slice

import (
	"Go2NetGuard/internal/model"
	"net/netip"
)

// Resolver attributes a flow to a slice by subnet: the destination is tried
// first, then the source, then the default slice.
type Resolver struct {
	entries  []resolverEntry
	fallback string
}

type resolverEntry struct {
	prefix netip.Prefix
	slice  string
}

func NewResolver(defs []Definition, fallback string) *Resolver {
	r := &Resolver{fallback: fallback}
	for _, def := range defs {
		for _, p := range def.Subnets {
			r.entries = append(r.entries, resolverEntry{prefix: p, slice: def.Name})
		}
	}
	return r
}

func (r *Resolver) Resolve(key model.FlowKey) string {
	if name, ok := r.lookup(key.Dst); ok {
		return name
	}
	if name, ok := r.lookup(key.Src); ok {
		return name
	}
	return r.fallback
}

// lookup returns the slice of the most specific matching prefix.
func (r *Resolver) lookup(addr netip.Addr) (string, bool) {
	if !addr.IsValid() {
		return "", false
	}
	addr = addr.Unmap()
	best, bits := "", -1
	for _, e := range r.entries {
		if e.prefix.Bits() > bits && e.prefix.Contains(addr) {
			best, bits = e.slice, e.prefix.Bits()
		}
	}
	return best, bits >= 0
}
