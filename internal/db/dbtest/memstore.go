// Package dbtest provides an in-memory implementation of the repository
// ports for service-level tests. It honours the same contracts as the
// PostgreSQL repositories: version compare-and-swap on Update, insert-if-absent
// for the event ledger and all-or-nothing transactions.
package dbtest

import (
	"context"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"tripbilling/internal/types"
)

// MemStore implements types.RepositoryRegistry and types.TransactionManager.
//
// Transactions run concurrently against a private copy of the state. On
// commit, every subscription the transaction updated must still carry the
// version it read, otherwise the commit fails with types.ErrVersionConflict
// and nothing is published.
type MemStore struct {
	mu    sync.Mutex
	state *memState

	// ConflictsBeforeUpdate makes the next N Update calls fail with
	// types.ErrVersionConflict after bumping the stored version, as if a
	// concurrent writer had committed first.
	ConflictsBeforeUpdate int

	// BeforeCommit, when set, runs after a transaction's work and before its
	// commit, without the store lock held. Tests use it to commit a competing
	// transaction inside that window.
	BeforeCommit func()

	// Commits counts successful transactions.
	Commits int
}

type memState struct {
	subs   map[string]types.Subscription
	events map[string]types.WebhookEventRecord
	alerts []types.OperatorAlert
}

func (s *memState) clone() *memState {
	return &memState{
		subs:   maps.Clone(s.subs),
		events: maps.Clone(s.events),
		alerts: slices.Clone(s.alerts),
	}
}

// NewMemStore returns an empty store.
func NewMemStore() *MemStore {
	return &MemStore{state: &memState{
		subs:   make(map[string]types.Subscription),
		events: make(map[string]types.WebhookEventRecord),
	}}
}

// Put stores sub as-is, bypassing version checks. Version 0 becomes 1.
func (m *MemStore) Put(sub types.Subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sub.Version == 0 {
		sub.Version = 1
	}
	m.state.subs[sub.ID] = sub
}

// Subscription returns the committed snapshot.
func (m *MemStore) Subscription(id string) (types.Subscription, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.state.subs[id]
	return sub, ok
}

// Event returns the committed ledger record.
func (m *MemStore) Event(id string) (types.WebhookEventRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.state.events[id]
	return rec, ok
}

// PutEvent stores a ledger record as-is.
func (m *MemStore) PutEvent(rec types.WebhookEventRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.events[rec.ExternalEventID] = rec
}

// AlertList returns the committed alerts in insertion order.
func (m *MemStore) AlertList() []types.OperatorAlert {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.state.alerts)
}

func (m *MemStore) Subscriptions() types.SubscriptionRepository {
	return &memSubscriptions{store: m, direct: true}
}

func (m *MemStore) WebhookEvents() types.WebhookEventRepository {
	return &memEvents{store: m, direct: true}
}

func (m *MemStore) Alerts() types.AlertRepository {
	return &memAlerts{store: m, direct: true}
}

// RunInTx runs fn against a private copy of the state and merges the
// transaction's writes only when fn succeeds and no competing commit touched
// the same subscriptions.
func (m *MemStore) RunInTx(ctx context.Context, fn func(ctx context.Context, repos types.RepositoryRegistry) error) error {
	m.mu.Lock()
	tx := &memTx{
		store:      m,
		state:      m.state.clone(),
		baseAlerts: len(m.state.alerts),
		base:       make(map[string]int64),
		created:    make(map[string]bool),
		dirtySubs:  make(map[string]bool),
		dirtyEvts:  make(map[string]bool),
		inserted:   make(map[string]bool),
		reminders:  make(map[string]time.Time),
	}
	hook := m.BeforeCommit
	m.mu.Unlock()

	if err := fn(ctx, tx); err != nil {
		return err
	}
	if hook != nil {
		hook()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := tx.commit(); err != nil {
		return err
	}
	m.Commits++
	return nil
}

// injectConflict consumes one ConflictsBeforeUpdate and bumps the committed
// version of id on behalf of the simulated concurrent writer.
func (m *MemStore) injectConflict(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ConflictsBeforeUpdate <= 0 {
		return false
	}
	m.ConflictsBeforeUpdate--
	if committed, ok := m.state.subs[id]; ok {
		committed.Version++
		m.state.subs[id] = committed
	}
	return true
}

type memTx struct {
	store      *MemStore
	state      *memState
	baseAlerts int

	// base holds the committed version each updated subscription was read at.
	base      map[string]int64
	created   map[string]bool
	dirtySubs map[string]bool
	dirtyEvts map[string]bool
	inserted  map[string]bool
	reminders map[string]time.Time
}

func (t *memTx) Subscriptions() types.SubscriptionRepository {
	return &memSubscriptions{store: t.store, state: t.state, tx: t}
}

func (t *memTx) WebhookEvents() types.WebhookEventRepository {
	return &memEvents{store: t.store, state: t.state, tx: t}
}

func (t *memTx) Alerts() types.AlertRepository {
	return &memAlerts{store: t.store, state: t.state}
}

func (t *memTx) updated(id string, version int64) {
	if _, seen := t.base[id]; !seen && !t.created[id] {
		t.base[id] = version
	}
	t.dirtySubs[id] = true
}

// commit validates and merges the write set. The store lock must be held.
func (t *memTx) commit() error {
	committed := t.store.state
	for id, version := range t.base {
		if cur, ok := committed.subs[id]; !ok || cur.Version != version {
			return types.ErrVersionConflict
		}
	}
	for id := range t.inserted {
		if _, ok := committed.events[id]; ok {
			return types.ErrVersionConflict
		}
	}
	for id := range t.created {
		sub := t.state.subs[id]
		for otherID, existing := range committed.subs {
			if t.dirtySubs[otherID] {
				existing = t.state.subs[otherID]
			}
			if otherID != id && existing.UserID == sub.UserID && existing.Status != types.StatusCanceled {
				return types.NewAppError(types.ErrCodeConflictSubscriptionExists, "user already has an open subscription", nil)
			}
		}
	}

	for id := range t.dirtySubs {
		committed.subs[id] = t.state.subs[id]
	}
	for id, at := range t.reminders {
		if sub, ok := committed.subs[id]; ok && sub.TrialReminderSentAt == nil {
			sub.TrialReminderSentAt = &at
			committed.subs[id] = sub
		}
	}
	for id := range t.dirtyEvts {
		committed.events[id] = t.state.events[id]
	}
	committed.alerts = append(committed.alerts, t.state.alerts[t.baseAlerts:]...)
	return nil
}

// view runs fn on the right state: the transaction's copy, or the committed
// state under the store lock for direct access.
func view(store *MemStore, state *memState, direct bool, fn func(st *memState)) {
	if direct {
		store.mu.Lock()
		defer store.mu.Unlock()
		fn(store.state)
		return
	}
	fn(state)
}

// --- subscriptions ---

type memSubscriptions struct {
	store  *MemStore
	state  *memState
	tx     *memTx
	direct bool
}

func (r *memSubscriptions) with(fn func(st *memState)) { view(r.store, r.state, r.direct, fn) }

func (r *memSubscriptions) Create(_ context.Context, sub types.Subscription) (types.Subscription, error) {
	var err error
	r.with(func(st *memState) {
		for _, existing := range st.subs {
			if existing.UserID == sub.UserID && existing.Status != types.StatusCanceled {
				err = types.NewAppError(types.ErrCodeConflictSubscriptionExists, "user already has an open subscription", nil)
				return
			}
		}
		sub.Version = 1
		st.subs[sub.ID] = sub
		if r.tx != nil {
			r.tx.created[sub.ID] = true
			r.tx.dirtySubs[sub.ID] = true
		}
	})
	return sub, err
}

func (r *memSubscriptions) GetByID(_ context.Context, id string) (*types.Subscription, error) {
	var out *types.Subscription
	r.with(func(st *memState) {
		if sub, ok := st.subs[id]; ok {
			out = &sub
		}
	})
	return out, nil
}

func (r *memSubscriptions) FindActiveByUserID(_ context.Context, userID string) (*types.Subscription, error) {
	var out *types.Subscription
	r.with(func(st *memState) {
		for _, sub := range st.subs {
			if sub.UserID != userID || sub.Status == types.StatusCanceled {
				continue
			}
			if out == nil || sub.CreatedAt.After(out.CreatedAt) {
				s := sub
				out = &s
			}
		}
	})
	return out, nil
}

func (r *memSubscriptions) FindByExternalSubscriptionID(_ context.Context, externalID string) (*types.Subscription, error) {
	var out *types.Subscription
	if externalID == "" {
		return nil, nil
	}
	r.with(func(st *memState) {
		for _, sub := range st.subs {
			if sub.ExternalSubscriptionID == externalID {
				s := sub
				out = &s
				return
			}
		}
	})
	return out, nil
}

func (r *memSubscriptions) FindEndingInDays(_ context.Context, days int, now time.Time) ([]types.Subscription, error) {
	limit := now.Add(time.Duration(days) * 24 * time.Hour)
	var out []types.Subscription
	r.with(func(st *memState) {
		for _, sub := range st.subs {
			if sub.Status == types.StatusTrialing && sub.TrialReminderSentAt == nil &&
				sub.TrialEnd != nil && sub.TrialEnd.After(now) && !sub.TrialEnd.After(limit) {
				out = append(out, sub)
			}
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].TrialEnd.Before(*out[j].TrialEnd) })
	return out, nil
}

func (r *memSubscriptions) Update(_ context.Context, sub types.Subscription) (types.Subscription, error) {
	if r.store.injectConflict(sub.ID) {
		return types.Subscription{}, types.ErrVersionConflict
	}
	var err error
	r.with(func(st *memState) {
		stored, ok := st.subs[sub.ID]
		if !ok || stored.Version != sub.Version {
			err = types.ErrVersionConflict
			return
		}
		if r.tx != nil {
			r.tx.updated(sub.ID, stored.Version)
		}
		sub.TrialReminderSentAt = stored.TrialReminderSentAt
		sub.Version++
		st.subs[sub.ID] = sub
	})
	if err != nil {
		return types.Subscription{}, err
	}
	return sub, nil
}

func (r *memSubscriptions) MarkTrialReminderSent(_ context.Context, id string, at time.Time) (bool, error) {
	var first bool
	r.with(func(st *memState) {
		sub, ok := st.subs[id]
		if !ok || sub.TrialReminderSentAt != nil {
			return
		}
		sub.TrialReminderSentAt = &at
		st.subs[id] = sub
		if r.tx != nil {
			r.tx.reminders[id] = at
		}
		first = true
	})
	return first, nil
}

// --- ledger ---

type memEvents struct {
	store  *MemStore
	state  *memState
	tx     *memTx
	direct bool
}

func (r *memEvents) with(fn func(st *memState)) { view(r.store, r.state, r.direct, fn) }

func (r *memEvents) InsertIfAbsent(_ context.Context, rec types.WebhookEventRecord) (types.WebhookEventRecord, bool, error) {
	var (
		out      types.WebhookEventRecord
		inserted bool
	)
	r.with(func(st *memState) {
		if existing, ok := st.events[rec.ExternalEventID]; ok {
			out = existing
			return
		}
		st.events[rec.ExternalEventID] = rec
		out, inserted = rec, true
		if r.tx != nil {
			r.tx.inserted[rec.ExternalEventID] = true
			r.tx.dirtyEvts[rec.ExternalEventID] = true
		}
	})
	return out, inserted, nil
}

func (r *memEvents) MarkOutcome(_ context.Context, eventID string, outcome types.EventOutcome, at time.Time, lastErr string) error {
	var err error
	r.with(func(st *memState) {
		rec, ok := st.events[eventID]
		if !ok {
			err = types.NewAppError(types.ErrCodeInternalUnexpected, "webhook event not found: "+eventID, nil)
			return
		}
		rec.Outcome = outcome
		rec.ProcessedAt = &at
		rec.Attempts++
		rec.LastError = lastErr
		st.events[eventID] = rec
		if r.tx != nil {
			r.tx.dirtyEvts[eventID] = true
		}
	})
	return err
}

func (r *memEvents) ListPending(_ context.Context, olderThan time.Time, limit int) ([]types.WebhookEventRecord, error) {
	var out []types.WebhookEventRecord
	r.with(func(st *memState) {
		for _, rec := range st.events {
			if rec.Outcome == types.OutcomePending && rec.ReceivedAt.Before(olderThan) {
				out = append(out, rec)
			}
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memEvents) CountByOutcome(_ context.Context) (map[types.EventOutcome]int, error) {
	counts := make(map[types.EventOutcome]int)
	r.with(func(st *memState) {
		for _, rec := range st.events {
			counts[rec.Outcome]++
		}
	})
	return counts, nil
}

// --- alerts ---

type memAlerts struct {
	store  *MemStore
	state  *memState
	direct bool
}

func (r *memAlerts) with(fn func(st *memState)) { view(r.store, r.state, r.direct, fn) }

func (r *memAlerts) Insert(_ context.Context, alert types.OperatorAlert) error {
	r.with(func(st *memState) { st.alerts = append(st.alerts, alert) })
	return nil
}

func (r *memAlerts) ListRecent(_ context.Context, limit int) ([]types.OperatorAlert, error) {
	var out []types.OperatorAlert
	r.with(func(st *memState) {
		for i := len(st.alerts) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
			out = append(out, st.alerts[i])
		}
	})
	return out, nil
}
