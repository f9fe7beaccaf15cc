package amd64

import (
	"github.com/google/btree"

	"github.com/tinyrange/x64jit/internal/asm"
	"github.com/tinyrange/x64jit/internal/ir"
)

// poolFixup is an absolute address to store into a pool entry once the
// program is bound.
type poolFixup struct {
	at    int
	kind  asm.RelocKind
	label int32
	sym   string
	addr  uintptr
}

type poolEntry struct {
	id    int
	align int
	data  []byte
	// key is empty for entries that must never be shared (patch site
	// slots, switch tables).
	key    string
	fixups []poolFixup
}

// constPool holds the data appended after a function body. Entries are laid
// out by decreasing alignment so no padding is needed between them.
type constPool struct {
	tree    *btree.BTreeG[*poolEntry]
	byKey   map[string]*poolEntry
	entries []*poolEntry
}

func poolLess(a, b *poolEntry) bool {
	if a.align != b.align {
		return a.align > b.align
	}
	if a.key != b.key {
		return a.key < b.key
	}
	return a.id < b.id
}

func newConstPool() *constPool {
	return &constPool{
		tree:  btree.NewG[*poolEntry](8, poolLess),
		byKey: make(map[string]*poolEntry),
	}
}

func (p *constPool) reset() {
	p.tree.Clear(true)
	clear(p.byKey)
	p.entries = p.entries[:0]
}

func (p *constPool) add(ent *poolEntry) int {
	ent.id = len(p.entries)
	p.entries = append(p.entries, ent)
	p.tree.ReplaceOrInsert(ent)
	if ent.key != "" {
		p.byKey[ent.key] = ent
	}
	return ent.id
}

// intern returns the entry holding data, adding it on first use.
func (p *constPool) intern(align int, data []byte) int {
	key := string(rune(align)) + string(data)
	if ent, ok := p.byKey[key]; ok {
		return ent.id
	}
	return p.add(&poolEntry{align: align, data: data, key: key})
}

// symbol returns the 8-byte slot that holds the address of ref.
func (p *constPool) symbol(ref *ir.Ref) int {
	key := "@" + ref.Name
	if ent, ok := p.byKey[key]; ok {
		return ent.id
	}
	return p.add(&poolEntry{
		align:  8,
		data:   make([]byte, 8),
		key:    key,
		fixups: []poolFixup{{kind: asm.RelocSymAbs64, sym: ref.Name, addr: ref.Addr}},
	})
}

// unique adds an unshared zero-filled entry of size bytes.
func (p *constPool) unique(align, size int, fixups ...poolFixup) int {
	return p.add(&poolEntry{align: align, data: make([]byte, size), fixups: fixups})
}

func (p *constPool) Len() int { return len(p.entries) }

// layout serializes the pool and returns each entry's offset by id.
func (p *constPool) layout() ([]byte, []int) {
	offsets := make([]int, len(p.entries))
	var data []byte
	p.tree.Ascend(func(ent *poolEntry) bool {
		for len(data)%ent.align != 0 {
			data = append(data, 0)
		}
		offsets[ent.id] = len(data)
		data = append(data, ent.data...)
		return true
	})
	return data, offsets
}

// each visits entries in creation order.
func (p *constPool) each(fn func(ent *poolEntry)) {
	for _, ent := range p.entries {
		fn(ent)
	}
}
