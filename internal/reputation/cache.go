// Package reputation holds the bounded in-memory reputation cache keyed by
// signature/pattern: confirmed-good/bad, learned, decayed. It is the
// fast-path short-circuit backing store for FastPathReputation and is kept
// warm by the learning bus, with writes batched to a durable PatternStore.
package reputation

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/stylobot/gateway/pkg/models"
)

// defaultCacheSize is the default reputation cache capacity.
const defaultCacheSize = 10_000

// learnedThreshold is the good/bad hit count at which Unknown crosses into
// LearnedGood/LearnedBad.
const learnedThreshold = 5

// minCountFloor is the count below which a decayed record is evicted.
const minCountFloor = 1

// PatternWriter receives batched reputation writes for durable persistence.
// Implemented by internal/store.PatternStore; kept as a narrow interface so
// the cache has no direct storage dependency.
type PatternWriter interface {
	WriteBatch(records []models.ReputationRecord)
}

// Cache is the bounded in-memory reputation store. Safe for concurrent use.
type Cache struct {
	mu    sync.RWMutex
	lru   *lru.Cache[string, *models.ReputationRecord]
	half  time.Duration // decay half-life
	batch *batcher

	seenMu sync.Mutex
	seen   map[eventKey]struct{}
}

// New constructs a Cache with the given capacity (<=0 uses the default) and
// decay half-life. writer may be nil, in which case writes are not persisted
// (tests, or learning disabled).
func New(capacity int, halfLife time.Duration, writer PatternWriter) (*Cache, error) {
	if capacity <= 0 {
		capacity = defaultCacheSize
	}
	if halfLife <= 0 {
		halfLife = 24 * time.Hour
	}
	l, err := lru.New[string, *models.ReputationRecord](capacity)
	if err != nil {
		return nil, err
	}
	c := &Cache{lru: l, half: halfLife, seen: make(map[eventKey]struct{}, 4096)}
	c.batch = newBatcher(writer)
	return c, nil
}

// Lookup returns the reputation record for signature, or (zero, false) if
// unknown. Sub-microsecond: a single RWMutex-guarded LRU get.
func (c *Cache) Lookup(signature string) (models.ReputationRecord, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.lru.Get(signature)
	if !ok {
		return models.ReputationRecord{}, false
	}
	return *rec, true
}

// eventKey dedupes (signature, eventID) so Update is idempotent per event.
type eventKey struct {
	signature string
	eventID   string
}

// maxSeenEvents bounds the dedupe set; when exceeded it is reset wholesale.
// Losing dedupe history only risks double-counting a very old replay, which
// decay absorbs.
const maxSeenEvents = 100_000

// Update applies delta to signature's reputation record at ts, creating one
// if absent. eventID makes the call idempotent: replaying the same
// (signature, eventID) pair is a no-op the second time.
func (c *Cache) Update(signature string, delta models.ReputationDelta, ts time.Time, eventID string) models.ReputationRecord {
	if eventID != "" {
		key := eventKey{signature, eventID}
		c.seenMu.Lock()
		if _, dup := c.seen[key]; dup {
			c.seenMu.Unlock()
			rec, _ := c.Lookup(signature)
			return rec
		}
		if len(c.seen) >= maxSeenEvents {
			c.seen = make(map[eventKey]struct{}, 4096)
		}
		c.seen[key] = struct{}{}
		c.seenMu.Unlock()
	}

	c.mu.Lock()
	rec, ok := c.lru.Get(signature)
	if !ok {
		rec = &models.ReputationRecord{Signature: signature, Status: models.RepUnknown}
		c.lru.Add(signature, rec)
	}

	switch delta {
	case models.DeltaGood:
		rec.GoodCount++
	case models.DeltaBad:
		rec.BadCount++
	case models.DeltaConfirmedBad:
		rec.BadCount++
		rec.Status = models.RepConfirmedBad
	case models.DeltaManualBlock:
		rec.Status = models.RepManuallyBlocked
	}
	rec.LastSeen = ts
	advanceStatus(rec)
	out := *rec
	c.mu.Unlock()

	c.batch.enqueue(out)
	return out
}

// advanceStatus applies the learned/confirmed threshold ladder. ManuallyBlocked
// and ConfirmedBad/ConfirmedGood set explicitly (admin API, confirmed delta)
// are terminal or near-terminal and are never downgraded here.
func advanceStatus(rec *models.ReputationRecord) {
	if rec.Status == models.RepManuallyBlocked || rec.Status == models.RepConfirmedBad {
		return
	}
	switch {
	case rec.BadCount >= learnedThreshold*2:
		rec.Status = models.RepConfirmedBad
	case rec.GoodCount >= learnedThreshold*2:
		rec.Status = models.RepConfirmedGood
	case rec.BadCount >= learnedThreshold:
		rec.Status = models.RepLearnedBad
	case rec.GoodCount >= learnedThreshold:
		rec.Status = models.RepLearnedGood
	}
}

// Seed installs a warm-load record (store bulk load, JSONL bot lists)
// without triggering a write-back. An existing in-memory record wins over
// a seed; startup loads must not clobber live learning.
func (c *Cache) Seed(rec models.ReputationRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.lru.Get(rec.Signature); ok {
		return
	}
	stored := rec
	c.lru.Add(rec.Signature, &stored)
}

// ManualBlock is the explicit admin API transition straight to the terminal
// ManuallyBlocked state.
func (c *Cache) ManualBlock(signature string, ts time.Time) {
	c.mu.Lock()
	rec, ok := c.lru.Get(signature)
	if !ok {
		rec = &models.ReputationRecord{Signature: signature}
		c.lru.Add(signature, rec)
	}
	rec.Status = models.RepManuallyBlocked
	rec.LastSeen = ts
	out := *rec
	c.mu.Unlock()
	c.batch.enqueue(out)
}

// Decay halves good/bad counts for records older than the half-life and
// evicts any record whose combined count falls under the minimum floor.
// Intended to run on a periodic background ticker (every N seconds).
func (c *Cache) Decay(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, key := range c.lru.Keys() {
		rec, ok := c.lru.Peek(key)
		if !ok {
			continue
		}
		if rec.Status == models.RepManuallyBlocked {
			continue
		}
		if now.Sub(rec.LastSeen) < c.half {
			continue
		}
		rec.GoodCount /= 2
		rec.BadCount /= 2
		rec.DecayedAt = now
		if rec.GoodCount < minCountFloor && rec.BadCount < minCountFloor {
			c.lru.Remove(key)
			continue
		}
		if rec.Status == models.RepConfirmedGood || rec.Status == models.RepConfirmedBad {
			continue // confirmed status does not downgrade on decay alone
		}
		rec.Status = models.RepUnknown
		advanceStatus(rec)
	}
}

// Len reports the number of records currently cached.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lru.Len()
}

// Flush forces an immediate write-behind flush, used on shutdown.
func (c *Cache) Flush() {
	c.batch.flush()
}
