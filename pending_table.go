package mqttclient

import "time"

type exchangeKind uint8

const (
	exchangePublish exchangeKind = iota
	exchangePubrel
)

func (k exchangeKind) String() string {
	if k == exchangePubrel {
		return "PUBREL"
	}
	return "PUBLISH"
}

// pendingExchange is an outgoing QoS 1 or QoS 2 exchange waiting for the
// broker. A QoS 2 exchange moves from exchangePublish to exchangePubrel when
// PUBREC arrives and keeps its packet identifier.
type pendingExchange struct {
	kind     exchangeKind
	packetID uint16
	msg      *Message
	flow     *AckFlow
	seq      uint64
	pubrel   *PubrelPacket
	sentAt   time.Time

	// counted is set when the exchange was already acknowledged to its
	// flow at PUBREC.
	counted bool

	prev, next *pendingExchange
}

// pendingTable indexes pending exchanges by packet identifier and links them
// in first-send order.
type pendingTable struct {
	slots []*pendingExchange
	count int

	head, tail *pendingExchange

	// target is the size the table shrinks to once the identifier pool has
	// no outstanding identifiers above it. Zero when no shrink is pending.
	target int
}

func newPendingTable(size uint16) *pendingTable {
	return &pendingTable{
		slots: make([]*pendingExchange, int(size)+1),
	}
}

// put stores e under e.packetID. It reports false when the slot is taken or
// outside the table.
func (t *pendingTable) put(e *pendingExchange) bool {
	id := int(e.packetID)
	if id == 0 || id >= len(t.slots) || t.slots[id] != nil {
		return false
	}

	t.slots[id] = e
	t.count++

	e.prev = t.tail
	e.next = nil
	if t.tail != nil {
		t.tail.next = e
	} else {
		t.head = e
	}
	t.tail = e

	return true
}

func (t *pendingTable) get(id uint16) *pendingExchange {
	if int(id) >= len(t.slots) {
		return nil
	}
	return t.slots[id]
}

func (t *pendingTable) remove(id uint16) *pendingExchange {
	e := t.get(id)
	if e == nil {
		return nil
	}

	t.slots[id] = nil
	t.count--

	if e.prev != nil {
		e.prev.next = e.next
	} else {
		t.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		t.tail = e.prev
	}
	e.prev, e.next = nil, nil

	return e
}

// resize grows the table at once. A shrink is applied at once only when
// debt is zero; otherwise it waits for compact.
func (t *pendingTable) resize(size uint16, debt int) {
	n := int(size) + 1

	switch {
	case n >= len(t.slots):
		t.target = 0
		if n > len(t.slots) {
			slots := make([]*pendingExchange, n)
			copy(slots, t.slots)
			t.slots = slots
		}
	case debt == 0:
		t.target = 0
		t.slots = t.slots[:n:n]
	default:
		t.target = n
	}
}

// shrinkPending reports whether a deferred shrink is waiting for compact.
func (t *pendingTable) shrinkPending() bool {
	return t.target > 0
}

// compact applies a deferred shrink. It must only be called once no
// exchange is stored above the target size.
func (t *pendingTable) compact() {
	if t.target == 0 {
		return
	}
	slots := make([]*pendingExchange, t.target)
	copy(slots, t.slots)
	t.slots = slots
	t.target = 0
}

// each visits exchanges in first-send order until fn returns false. fn may
// remove the exchange it is given.
func (t *pendingTable) each(fn func(*pendingExchange) bool) {
	for e := t.head; e != nil; {
		next := e.next
		if !fn(e) {
			return
		}
		e = next
	}
}

func (t *pendingTable) len() int {
	return t.count
}

// size returns the largest identifier the table can hold.
func (t *pendingTable) size() int {
	return len(t.slots) - 1
}

func (t *pendingTable) clear() {
	for e := t.head; e != nil; {
		next := e.next
		t.slots[e.packetID] = nil
		e.prev, e.next = nil, nil
		e = next
	}
	t.head, t.tail = nil, nil
	t.count = 0
}
