package mqttclient

import "container/list"

type aliasEntry struct {
	topic string
	alias uint16
}

// TopicAliasMapping assigns outgoing topic aliases on one connection, up to
// the Topic Alias Maximum the server advertised. It is owned by the
// connection goroutine and not safe for concurrent use.
type TopicAliasMapping struct {
	max     uint16
	next    uint16
	byTopic map[string]*list.Element
	lru     *list.List
}

// NewTopicAliasMapping returns nil when max is zero; a nil mapping never
// assigns aliases.
func NewTopicAliasMapping(max uint16) *TopicAliasMapping {
	if max == 0 {
		return nil
	}
	return &TopicAliasMapping{
		max:     max,
		next:    1,
		byTopic: make(map[string]*list.Element),
		lru:     list.New(),
	}
}

// Get returns the alias already mapped to topic, or 0.
func (m *TopicAliasMapping) Get(topic string) uint16 {
	if m == nil {
		return 0
	}
	el, ok := m.byTopic[topic]
	if !ok {
		return 0
	}
	m.lru.MoveToFront(el)
	return el.Value.(*aliasEntry).alias
}

// Set maps topic to a free alias and returns it. When every alias is taken
// it returns 0, unless prefer is set: then the least recently used mapping
// gives up its alias.
func (m *TopicAliasMapping) Set(topic string, prefer bool) uint16 {
	if m == nil {
		return 0
	}
	if el, ok := m.byTopic[topic]; ok {
		m.lru.MoveToFront(el)
		return el.Value.(*aliasEntry).alias
	}

	if m.next <= m.max {
		alias := m.next
		m.next++
		m.byTopic[topic] = m.lru.PushFront(&aliasEntry{topic: topic, alias: alias})
		return alias
	}

	if !prefer {
		return 0
	}

	el := m.lru.Back()
	e := el.Value.(*aliasEntry)
	delete(m.byTopic, e.topic)
	e.topic = topic
	m.byTopic[topic] = el
	m.lru.MoveToFront(el)

	return e.alias
}

// Peek returns the alias Set would assign to topic without recording it.
func (m *TopicAliasMapping) Peek(topic string, prefer bool) uint16 {
	if m == nil {
		return 0
	}
	if el, ok := m.byTopic[topic]; ok {
		return el.Value.(*aliasEntry).alias
	}
	if m.next <= m.max {
		return m.next
	}
	if !prefer {
		return 0
	}
	return m.lru.Back().Value.(*aliasEntry).alias
}

// Clear forgets every mapping.
func (m *TopicAliasMapping) Clear() {
	if m == nil {
		return
	}
	m.next = 1
	clear(m.byTopic)
	m.lru.Init()
}

// Max returns the alias maximum.
func (m *TopicAliasMapping) Max() uint16 {
	if m == nil {
		return 0
	}
	return m.max
}

// Len returns the number of mapped topics.
func (m *TopicAliasMapping) Len() int {
	if m == nil {
		return 0
	}
	return len(m.byTopic)
}
