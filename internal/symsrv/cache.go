package symsrv

import (
	"sort"

	"github.com/coral-mesh/etwtrace/internal/symsrv/typeinfo"
)

// function is one code address of a module. Identical code folding maps
// several symbols to one address; the first one enumerated keeps Name and
// later ones are pushed to the front of alt.
type function struct {
	rva  uint32
	name string
	alt  []string
	size uint32
	sig  typeinfo.Signature
}

// names lists the primary name then the alternates, most recent first.
func (f *function) names() []string {
	out := make([]string, 0, 1+len(f.alt))
	out = append(out, f.name)
	return append(out, f.alt...)
}

func (f *function) hasName(name string) bool {
	if f.name == name {
		return true
	}
	for _, a := range f.alt {
		if a == name {
			return true
		}
	}
	return false
}

// functionCache holds the functions of the loaded module in address order
// together with the enumeration cursor.
type functionCache struct {
	byRVA  map[uint32]*function
	order  []*function
	cursor int
}

func newFunctionCache() *functionCache {
	return &functionCache{byRVA: make(map[uint32]*function)}
}

// add records a function at rva. Signatures are resolved only for new
// addresses. Alternate names are kept when allowMultiple is set.
func (c *functionCache) add(rva, size uint32, name string, sig func() typeinfo.Signature, allowMultiple bool) {
	if f, ok := c.byRVA[rva]; ok {
		if allowMultiple {
			f.alt = append([]string{name}, f.alt...)
		}
		return
	}
	c.byRVA[rva] = &function{rva: rva, name: name, size: size, sig: sig()}
}

// seal orders the functions by address and rewinds the cursor.
func (c *functionCache) seal() {
	c.order = make([]*function, 0, len(c.byRVA))
	for _, f := range c.byRVA {
		c.order = append(c.order, f)
	}
	sort.Slice(c.order, func(i, j int) bool { return c.order[i].rva < c.order[j].rva })
	c.cursor = 0
}

func (c *functionCache) len() int {
	if c == nil {
		return 0
	}
	return len(c.order)
}

func (c *functionCache) rewind() { c.cursor = 0 }
