package kafkasource

import (
	"strconv"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// offsetDedupe remembers the last applied offset per session and partition.
// Producers key viewport events by session, so offsets of one session only grow.
type offsetDedupe struct {
	mu  sync.Mutex
	lru *lru.Cache[string, int64]
}

func newOffsetDedupe(size int) *offsetDedupe {
	if size <= 0 {
		size = 4096
	}
	c, _ := lru.New[string, int64](size)
	return &offsetDedupe{lru: c}
}

func dedupeKey(session string, partition int32) string {
	return session + "@" + strconv.FormatInt(int64(partition), 10)
}

// seen reports whether an offset at or after off was already applied for key.
func (d *offsetDedupe) seen(key string, off int64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	last, ok := d.lru.Get(key)
	return ok && off <= last
}

func (d *offsetDedupe) record(key string, off int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if last, ok := d.lru.Get(key); ok && off <= last {
		return
	}
	d.lru.Add(key, off)
}
