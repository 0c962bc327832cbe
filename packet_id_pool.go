package mqttclient

import (
	"errors"
	"slices"
	"sort"
)

// ErrPacketIDNotInUse is returned when an identifier that is not
// outstanding is released.
var ErrPacketIDNotInUse = errors.New("mqttclient: packet identifier is not in use")

// idRange is an inclusive range of free identifiers.
type idRange struct {
	lo, hi uint16
}

// PacketIDPool hands out packet identifiers in [1, Max] for outgoing
// QoS 1 and QoS 2 exchanges. Free identifiers are kept as a sorted list of
// merged ranges, so Acquire is O(1) and Release is O(log n) plus the cost of
// an occasional insert.
//
// Shrinking the pool never revokes outstanding identifiers. Identifiers above
// the new bound stay in use until released; the number of them still
// outstanding is the shrink debt.
//
// PacketIDPool is not safe for concurrent use.
type PacketIDPool struct {
	max      uint16
	free     []idRange
	inUse    int
	overflow map[uint16]struct{}
}

// NewPacketIDPool creates a pool with every identifier in [1, max] free.
func NewPacketIDPool(max uint16) *PacketIDPool {
	p := &PacketIDPool{
		max:      max,
		overflow: make(map[uint16]struct{}),
	}
	if max > 0 {
		p.free = []idRange{{lo: 1, hi: max}}
	}
	return p
}

// Acquire returns the lowest free identifier. It returns false when every
// identifier is in use.
func (p *PacketIDPool) Acquire() (uint16, bool) {
	if len(p.free) == 0 {
		return 0, false
	}

	r := &p.free[0]
	id := r.lo
	if r.lo == r.hi {
		p.free = p.free[1:]
	} else {
		r.lo++
	}
	p.inUse++

	return id, true
}

// Release returns id to the pool.
func (p *PacketIDPool) Release(id uint16) error {
	if _, ok := p.overflow[id]; ok {
		delete(p.overflow, id)
		p.inUse--
		return nil
	}

	if id == 0 || id > p.max {
		return ErrPacketIDNotInUse
	}

	i := sort.Search(len(p.free), func(i int) bool {
		return p.free[i].hi >= id
	})
	if i < len(p.free) && p.free[i].lo <= id {
		return ErrPacketIDNotInUse
	}

	joinLeft := i > 0 && uint32(p.free[i-1].hi)+1 == uint32(id)
	joinRight := i < len(p.free) && uint32(id)+1 == uint32(p.free[i].lo)

	switch {
	case joinLeft && joinRight:
		p.free[i-1].hi = p.free[i].hi
		p.free = slices.Delete(p.free, i, i+1)
	case joinLeft:
		p.free[i-1].hi = id
	case joinRight:
		p.free[i].lo = id
	default:
		p.free = slices.Insert(p.free, i, idRange{lo: id, hi: id})
	}
	p.inUse--

	return nil
}

// Resize changes the upper bound of the pool and returns the shrink debt:
// the number of outstanding identifiers above the new bound.
func (p *PacketIDPool) Resize(max uint16) int {
	switch {
	case max > p.max:
		p.grow(max)
	case max < p.max:
		p.shrink(max)
	}
	return len(p.overflow)
}

func (p *PacketIDPool) grow(max uint16) {
	var held []uint16
	for id := range p.overflow {
		if id <= max {
			held = append(held, id)
			delete(p.overflow, id)
		}
	}
	slices.Sort(held)

	next := uint32(p.max) + 1
	for _, id := range held {
		if uint32(id) > next {
			p.appendFree(uint16(next), id-1)
		}
		next = uint32(id) + 1
	}
	if next <= uint32(max) {
		p.appendFree(uint16(next), max)
	}

	p.max = max
}

func (p *PacketIDPool) shrink(max uint16) {
	next := uint32(max) + 1
	keep := len(p.free)

	for i, r := range p.free {
		if r.hi <= max {
			continue
		}
		if keep == len(p.free) {
			keep = i
		}
		lo := uint32(r.lo)
		if lo < next {
			lo = next
		}
		for id := next; id < lo; id++ {
			p.overflow[uint16(id)] = struct{}{}
		}
		next = uint32(r.hi) + 1
	}
	for id := next; id <= uint32(p.max); id++ {
		p.overflow[uint16(id)] = struct{}{}
	}

	if keep < len(p.free) {
		if p.free[keep].lo <= max {
			p.free[keep].hi = max
			keep++
		}
		p.free = p.free[:keep]
	}

	p.max = max
}

func (p *PacketIDPool) appendFree(lo, hi uint16) {
	if n := len(p.free); n > 0 && uint32(p.free[n-1].hi)+1 == uint32(lo) {
		p.free[n-1].hi = hi
		return
	}
	p.free = append(p.free, idRange{lo: lo, hi: hi})
}

// ShrinkDebt returns the number of outstanding identifiers above Max.
func (p *PacketIDPool) ShrinkDebt() int {
	return len(p.overflow)
}

// Max returns the current upper bound.
func (p *PacketIDPool) Max() uint16 {
	return p.max
}

// InUse returns the number of outstanding identifiers, including those
// above Max.
func (p *PacketIDPool) InUse() int {
	return p.inUse
}
