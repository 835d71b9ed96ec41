package contentcache

// item is the in-memory index record for one cached entry. The list runs from
// most recently accessed (head) to least (tail).
type item struct {
	id         string
	cachedAt   int64
	lastAccess int64
	size       int64
	prev       *item
	next       *item
}

type lru struct {
	items map[string]*item
	head  *item
	tail  *item
}

func newLRU() *lru {
	return &lru{items: map[string]*item{}}
}

func (l *lru) len() int { return len(l.items) }

func (l *lru) get(id string) (*item, bool) {
	it, ok := l.items[id]
	return it, ok
}

// touch inserts or refreshes id at the head of the list.
func (l *lru) touch(id string, cachedAt, lastAccess, size int64) *item {
	if it, ok := l.items[id]; ok {
		it.cachedAt, it.lastAccess, it.size = cachedAt, lastAccess, size
		l.moveToFront(it)
		return it
	}
	it := &item{id: id, cachedAt: cachedAt, lastAccess: lastAccess, size: size}
	l.items[id] = it
	l.addToFront(it)
	return it
}

func (l *lru) delete(id string) bool {
	it, ok := l.items[id]
	if !ok {
		return false
	}
	l.remove(it)
	delete(l.items, id)
	return true
}

func (l *lru) oldest() *item { return l.tail }

// each walks from most to least recently accessed until fn returns false.
func (l *lru) each(fn func(*item) bool) {
	for it := l.head; it != nil; it = it.next {
		if !fn(it) {
			return
		}
	}
}

func (l *lru) addToFront(it *item) {
	it.prev = nil
	it.next = l.head
	if l.head != nil {
		l.head.prev = it
	}
	l.head = it
	if l.tail == nil {
		l.tail = it
	}
}

func (l *lru) remove(it *item) {
	if it.prev != nil {
		it.prev.next = it.next
	} else {
		l.head = it.next
	}
	if it.next != nil {
		it.next.prev = it.prev
	} else {
		l.tail = it.prev
	}
	it.prev, it.next = nil, nil
}

func (l *lru) moveToFront(it *item) {
	if l.head == it {
		return
	}
	l.remove(it)
	l.addToFront(it)
}
