package billing

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore implements Store in memory for tests and local development.
// WithinTx runs against a deep copy of the state and swaps it in on success,
// so a failed handler observes real rollback semantics. The store mutex is
// held for the whole transaction, which also gives the single-writer
// discipline the processor relies on.
type MemoryStore struct {
	mu    sync.Mutex
	state *memoryState
	inTx  bool
}

type processedEvent struct {
	eventType   string
	processedAt time.Time
}

type memoryState struct {
	events     map[string]processedEvent
	subs       map[uuid.UUID]*Subscription
	byProvider map[string]uuid.UUID
	ledger     []*LedgerEntry
	byInvoice  map[string]struct{}
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: newMemoryState()}
}

func newMemoryState() *memoryState {
	return &memoryState{
		events:     make(map[string]processedEvent),
		subs:       make(map[uuid.UUID]*Subscription),
		byProvider: make(map[string]uuid.UUID),
		byInvoice:  make(map[string]struct{}),
	}
}

func (s *memoryState) clone() *memoryState {
	c := newMemoryState()
	for k, v := range s.events {
		c.events[k] = v
	}
	for k, v := range s.subs {
		cp := *v
		c.subs[k] = &cp
	}
	for k, v := range s.byProvider {
		c.byProvider[k] = v
	}
	c.ledger = make([]*LedgerEntry, len(s.ledger))
	for i, e := range s.ledger {
		cp := *e
		c.ledger[i] = &cp
	}
	for k, v := range s.byInvoice {
		c.byInvoice[k] = v
	}
	return c
}

// lock acquires the store mutex unless the call is already inside a
// transaction, which holds it for its whole lifetime.
func (m *MemoryStore) lock() func() {
	if m.inTx {
		return func() {}
	}
	m.mu.Lock()
	return m.mu.Unlock
}

func (m *MemoryStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	if m.inTx {
		return fn(ctx, m) // already transactional
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &MemoryStore{state: m.state.clone(), inTx: true}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.state = tx.state
	return nil
}

func (m *MemoryStore) AdmitEvent(_ context.Context, eventID, eventType string) (bool, error) {
	defer m.lock()()

	if _, seen := m.state.events[eventID]; seen {
		return false, nil
	}
	m.state.events[eventID] = processedEvent{eventType: eventType, processedAt: time.Now().UTC()}
	return true, nil
}

func (m *MemoryStore) ReleaseEvent(_ context.Context, eventID string) error {
	defer m.lock()()

	delete(m.state.events, eventID)
	return nil
}

func (m *MemoryStore) PruneEventsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	defer m.lock()()

	var pruned int64
	for id, ev := range m.state.events {
		if ev.processedAt.Before(cutoff) {
			delete(m.state.events, id)
			pruned++
		}
	}
	return pruned, nil
}

func (m *MemoryStore) SubscriptionByProviderID(_ context.Context, providerSubID string) (*Subscription, error) {
	defer m.lock()()

	id, ok := m.state.byProvider[providerSubID]
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	cp := *m.state.subs[id]
	return &cp, nil
}

func (m *MemoryStore) SubscriptionsByUser(_ context.Context, userID uuid.UUID) ([]Subscription, error) {
	defer m.lock()()

	var out []Subscription
	for _, sub := range m.state.subs {
		if sub.UserID == userID {
			out = append(out, *sub)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CurrentPeriodEnd.Equal(out[j].CurrentPeriodEnd) {
			return out[i].CurrentPeriodEnd.After(out[j].CurrentPeriodEnd)
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryStore) CreateSubscription(_ context.Context, sub *Subscription) error {
	defer m.lock()()

	if sub.ProviderSubID != "" {
		if _, exists := m.state.byProvider[sub.ProviderSubID]; exists {
			return ErrSubscriptionAlreadyExists
		}
	}
	cp := *sub
	m.state.subs[sub.ID] = &cp
	if sub.ProviderSubID != "" {
		m.state.byProvider[sub.ProviderSubID] = sub.ID
	}
	return nil
}

func (m *MemoryStore) UpdateSubscription(_ context.Context, sub *Subscription) error {
	defer m.lock()()

	if _, ok := m.state.subs[sub.ID]; !ok {
		return ErrSubscriptionNotFound
	}
	cp := *sub
	m.state.subs[sub.ID] = &cp
	return nil
}

func (m *MemoryStore) SubscriptionsLapsedAt(_ context.Context, now time.Time) ([]Subscription, error) {
	defer m.lock()()

	var out []Subscription
	for _, sub := range m.state.subs {
		if (sub.Status == StatusActive || sub.Status == StatusTrialing) && sub.CurrentPeriodEnd.Before(now) {
			out = append(out, *sub)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CurrentPeriodEnd.Before(out[j].CurrentPeriodEnd) })
	return out, nil
}

func (m *MemoryStore) SubscriptionsWithTrialEndingBy(_ context.Context, cutoff time.Time) ([]Subscription, error) {
	defer m.lock()()

	var out []Subscription
	for _, sub := range m.state.subs {
		if sub.Status == StatusTrialing && sub.TrialEnd != nil && !sub.TrialEnd.After(cutoff) {
			out = append(out, *sub)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TrialEnd.Before(*out[j].TrialEnd) })
	return out, nil
}

func (m *MemoryStore) AppendLedgerEntry(_ context.Context, entry *LedgerEntry) error {
	defer m.lock()()

	if _, exists := m.state.byInvoice[entry.InvoiceNumber]; exists {
		return ErrDuplicateInvoice
	}
	cp := *entry
	m.state.ledger = append(m.state.ledger, &cp)
	m.state.byInvoice[entry.InvoiceNumber] = struct{}{}
	return nil
}

func (m *MemoryStore) LedgerEntriesByUser(_ context.Context, userID uuid.UUID, limit int) ([]LedgerEntry, error) {
	defer m.lock()()

	var out []LedgerEntry
	for _, e := range m.state.ledger {
		if e.UserID == userID {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeriodStart.After(out[j].PeriodStart) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
