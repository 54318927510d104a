package ingestion

import (
	"sync"
	"time"

	"github.com/contract-insights/backend/internal/storage/models"
)

// Status is the live progress record of one document's pipeline. It outlives
// any client connection, so a client can reconnect and resume watching.
type Status struct {
	DocumentID     string                `json:"document_id"`
	UserID         string                `json:"-"`
	State          models.IngestionState `json:"state"`
	Stage          string                `json:"stage,omitempty"`
	Error          string                `json:"error,omitempty"`
	ChunksTotal    int                   `json:"chunks_total"`
	ChunksEmbedded int                   `json:"chunks_embedded"`
	UpdatedAt      time.Time             `json:"updated_at"`
}

// Progress is the fraction of pipeline work done, in [0,1].
func (s Status) Progress() float64 {
	switch s.State {
	case models.StateReceived:
		return 0
	case models.StateChunking:
		return 0.05
	case models.StateEmbedding:
		if s.ChunksTotal == 0 {
			return 0.1
		}
		return 0.1 + 0.6*float64(s.ChunksEmbedded)/float64(s.ChunksTotal)
	case models.StateIndexing:
		return 0.75
	case models.StateIndexed, models.StateClassifying:
		return 0.9
	default:
		return 1
	}
}

const subscriberBuffer = 8

// DefaultStatusRetention is how long a finished document's status stays in
// memory. Older lookups fall back to the stored document.
const DefaultStatusRetention = 10 * time.Minute

type Tracker struct {
	mu        sync.RWMutex
	statuses  map[string]Status
	subs      map[string]map[chan Status]struct{}
	now       func() time.Time
	retention time.Duration
	lastSweep time.Time
}

func NewTracker() *Tracker {
	return &Tracker{
		statuses:  make(map[string]Status),
		subs:      make(map[string]map[chan Status]struct{}),
		now:       time.Now,
		retention: DefaultStatusRetention,
	}
}

// Update applies fn to the document's status and notifies subscribers.
func (t *Tracker) Update(documentID string, fn func(*Status)) Status {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.statuses[documentID]
	if !ok {
		st = Status{DocumentID: documentID, State: models.StateReceived}
	}
	fn(&st)
	now := t.now()
	st.UpdatedAt = now
	t.statuses[documentID] = st

	for ch := range t.subs[documentID] {
		offer(ch, st)
	}
	if now.Sub(t.lastSweep) >= t.retention/2 {
		t.sweep(now)
	}
	return st
}

func (t *Tracker) Get(documentID string) (Status, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	st, ok := t.statuses[documentID]
	if ok && t.expired(st, t.now()) {
		return Status{}, false
	}
	return st, ok
}

// Len reports how many statuses are held in memory.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.statuses)
}

// sweep drops expired statuses nobody is watching. Callers hold t.mu.
func (t *Tracker) sweep(now time.Time) {
	t.lastSweep = now
	for id, st := range t.statuses {
		if len(t.subs[id]) == 0 && t.expired(st, now) {
			delete(t.statuses, id)
		}
	}
}

func (t *Tracker) expired(st Status, now time.Time) bool {
	return st.State.Terminal() && now.Sub(st.UpdatedAt) > t.retention
}

// Subscribe streams status changes for a document, starting with the current
// status if one exists. Slow subscribers skip intermediate updates but always
// receive the latest one. The returned function ends the subscription.
func (t *Tracker) Subscribe(documentID string) (<-chan Status, func()) {
	ch := make(chan Status, subscriberBuffer)

	t.mu.Lock()
	if t.subs[documentID] == nil {
		t.subs[documentID] = make(map[chan Status]struct{})
	}
	t.subs[documentID][ch] = struct{}{}
	if st, ok := t.statuses[documentID]; ok {
		ch <- st
	}
	t.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			delete(t.subs[documentID], ch)
			if len(t.subs[documentID]) == 0 {
				delete(t.subs, documentID)
			}
			close(ch)
		})
	}
}

// Forget drops the record of a deleted document.
func (t *Tracker) Forget(documentID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.statuses, documentID)
}

func offer(ch chan Status, st Status) {
	for {
		select {
		case ch <- st:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
