package engine

import (
	"sync"

	"github.com/rkurbatov/twms/internal/imagecodec"
	"github.com/rkurbatov/twms/internal/metrics"
)

// tileKey identifies a decoded tile in the process-global LRU.
type tileKey struct {
	layerID string
	z       uint8
	x, y    uint32
}

// lru is a process-global cache of decoded tiles, evicting in strict
// insertion order once past capacity — a deliberate simplification (not
// true least-recently-used) matched to the original behavior, grounded on
// the map+slice eviction-order pattern in the sibling
// walkthru-earth-imagery-desktop cache, generalized from an access-time
// sort to plain insertion order per spec.md §5.
type lru struct {
	mu       sync.Mutex
	capacity int
	entries  map[tileKey]imagecodec.Image
	order    []tileKey
}

func newLRU(capacity int) *lru {
	if capacity <= 0 {
		capacity = 1024
	}
	return &lru{
		capacity: capacity,
		entries:  make(map[tileKey]imagecodec.Image, capacity),
		order:    make([]tileKey, 0, capacity),
	}
}

func (l *lru) get(k tileKey) (imagecodec.Image, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	img, ok := l.entries[k]
	if ok {
		metrics.LRUHits.Inc()
	} else {
		metrics.LRUMisses.Inc()
	}
	return img, ok
}

func (l *lru) put(k tileKey, img imagecodec.Image) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.entries[k]; exists {
		l.entries[k] = img
		return
	}
	l.entries[k] = img
	l.order = append(l.order, k)
	if len(l.order) > l.capacity {
		oldest := l.order[0]
		l.order = l.order[1:]
		delete(l.entries, oldest)
	}
}
