// Package memory provides a fully in-memory store backend. Safe for
// concurrent access. Intended for unit testing and development.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/emberhollow/worldqueue"
	"github.com/emberhollow/worldqueue/dlq"
	"github.com/emberhollow/worldqueue/id"
	"github.com/emberhollow/worldqueue/schedule"
	"github.com/emberhollow/worldqueue/turn"
	"github.com/emberhollow/worldqueue/work"
)

// Ensure Store implements store.Store at compile time.
// We can't import store here (import cycle), so we verify each subsystem.
var (
	_ work.Store     = (*Store)(nil)
	_ turn.Store     = (*Store)(nil)
	_ dlq.Store      = (*Store)(nil)
	_ schedule.Store = (*Store)(nil)
)

// Store is an in-memory implementation of the composite store.
type Store struct {
	mu sync.RWMutex

	items     map[string]*work.Item
	turns     map[string]*turn.Job
	deads     map[string]*dlq.Entry
	schedules map[string]*schedule.Entry
}

// New returns a new empty Store.
func New() *Store {
	return &Store{
		items:     make(map[string]*work.Item),
		turns:     make(map[string]*turn.Job),
		deads:     make(map[string]*dlq.Entry),
		schedules: make(map[string]*schedule.Entry),
	}
}

// ──────────────────────────────────────────────────
// Lifecycle — Migrate / Ping / Close
// ──────────────────────────────────────────────────

// Migrate is a no-op for the memory store.
func (m *Store) Migrate(_ context.Context) error { return nil }

// Ping always succeeds for the memory store.
func (m *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op for the memory store.
func (m *Store) Close() error { return nil }

// ──────────────────────────────────────────────────
// Work item store
// ──────────────────────────────────────────────────

// EnqueueItem persists a new item in pending state.
func (m *Store) EnqueueItem(_ context.Context, it *work.Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := it.ID.String()
	if _, exists := m.items[key]; exists {
		return worldqueue.ErrItemAlreadyExists
	}
	cp := *it
	m.items[key] = &cp
	return nil
}

// ClaimNextItem claims the oldest pending item whose RunAt has passed.
// Under the store mutex the version check can never lose a race, but
// the version is still bumped so callers observe the same discipline
// as the SQL backends.
func (m *Store) ClaimNextItem(_ context.Context, workTypes []string, claimant id.WorkerID) (*work.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	typeSet := make(map[string]struct{}, len(workTypes))
	for _, wt := range workTypes {
		typeSet[wt] = struct{}{}
	}

	now := time.Now().UTC()

	var oldest *work.Item
	for _, it := range m.items {
		if it.Status != work.StatusPending {
			continue
		}
		if !it.RunAt.IsZero() && it.RunAt.After(now) {
			continue
		}
		if len(typeSet) > 0 {
			if _, ok := typeSet[it.WorkType]; !ok {
				continue
			}
		}
		if oldest == nil || it.CreatedAt.Before(oldest.CreatedAt) {
			oldest = it
		}
	}
	if oldest == nil {
		return nil, nil
	}

	oldest.MarkRunning(claimant, now)
	oldest.Version++
	cp := *oldest
	return &cp, nil
}

// GetItem retrieves an item by ID.
func (m *Store) GetItem(_ context.Context, itemID id.WorkItemID) (*work.Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	it, ok := m.items[itemID.String()]
	if !ok {
		return nil, worldqueue.ErrItemNotFound
	}
	cp := *it
	return &cp, nil
}

// UpdateItem persists changes to an existing item, conditional on the
// caller's version.
func (m *Store) UpdateItem(_ context.Context, it *work.Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := it.ID.String()
	stored, ok := m.items[key]
	if !ok {
		return worldqueue.ErrItemNotFound
	}
	if stored.Version != it.Version {
		return worldqueue.ErrVersionConflict
	}

	cp := *it
	cp.Version++
	cp.UpdatedAt = time.Now().UTC()
	m.items[key] = &cp
	it.Version = cp.Version
	it.UpdatedAt = cp.UpdatedAt
	return nil
}

// CancelItem transitions a pending item to cancelled.
func (m *Store) CancelItem(_ context.Context, itemID id.WorkItemID) (*work.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	it, ok := m.items[itemID.String()]
	if !ok {
		return nil, worldqueue.ErrItemNotFound
	}
	if !it.Cancellable() {
		return nil, worldqueue.ErrNotCancellable
	}

	it.MarkCancelled(time.Now().UTC())
	it.Version++
	cp := *it
	return &cp, nil
}

// RequeueStuckItems returns running items whose claim is older than the
// threshold to pending. The crashed attempt counts against the budget:
// items with no attempts left are failed terminally instead, so the
// handler is never invoked past MaxRetries.
func (m *Store) RequeueStuckItems(_ context.Context, threshold time.Duration) ([]*work.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	cutoff := now.Add(-threshold)

	var swept []*work.Item
	for _, it := range m.items {
		if it.Status != work.StatusRunning {
			continue
		}
		if it.ClaimedAt == nil || it.ClaimedAt.After(cutoff) {
			continue
		}
		if it.RetriesLeft() {
			it.MarkRetry("claim expired", now)
		} else {
			it.MarkFailed("claim expired", now)
		}
		it.Version++
		cp := *it
		swept = append(swept, &cp)
	}
	return swept, nil
}

// ListItemsByStatus returns items matching the given status, oldest
// first.
func (m *Store) ListItemsByStatus(_ context.Context, status work.Status, opts work.ListOpts) ([]*work.Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []*work.Item
	for _, it := range m.items {
		if it.Status != status {
			continue
		}
		if opts.WorkType != "" && it.WorkType != opts.WorkType {
			continue
		}
		cp := *it
		matched = append(matched, &cp)
	}
	sort.Slice(matched, func(i, k int) bool {
		return matched[i].CreatedAt.Before(matched[k].CreatedAt)
	})
	return paginate(matched, opts.Offset, opts.Limit), nil
}

// CountItems returns the number of items matching the given options.
func (m *Store) CountItems(_ context.Context, opts work.CountOpts) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var n int64
	for _, it := range m.items {
		if opts.WorkType != "" && it.WorkType != opts.WorkType {
			continue
		}
		if opts.Status != "" && it.Status != opts.Status {
			continue
		}
		n++
	}
	return n, nil
}

// DeleteItem removes an item by ID.
func (m *Store) DeleteItem(_ context.Context, itemID id.WorkItemID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := itemID.String()
	if _, ok := m.items[key]; !ok {
		return worldqueue.ErrItemNotFound
	}
	delete(m.items, key)
	return nil
}

// ──────────────────────────────────────────────────
// Turn job store
// ──────────────────────────────────────────────────

// CreateTurnJob persists a new turn job.
func (m *Store) CreateTurnJob(_ context.Context, j *turn.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *j
	m.turns[j.ID.String()] = &cp
	return nil
}

// GetTurnJob retrieves a turn job by ID.
func (m *Store) GetTurnJob(_ context.Context, jobID id.TurnJobID) (*turn.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	j, ok := m.turns[jobID.String()]
	if !ok {
		return nil, worldqueue.ErrTurnJobNotFound
	}
	cp := *j
	return &cp, nil
}

// UpdateTurnJob persists changes conditional on the caller's version.
func (m *Store) UpdateTurnJob(_ context.Context, j *turn.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := j.ID.String()
	stored, ok := m.turns[key]
	if !ok {
		return worldqueue.ErrTurnJobNotFound
	}
	if stored.Version != j.Version {
		return worldqueue.ErrVersionConflict
	}

	cp := *j
	cp.Version++
	cp.UpdatedAt = time.Now().UTC()
	m.turns[key] = &cp
	j.Version = cp.Version
	j.UpdatedAt = cp.UpdatedAt
	return nil
}

// ListTurnJobs returns turn jobs matching the filter, newest first.
func (m *Store) ListTurnJobs(_ context.Context, f turn.Filter) ([]*turn.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []*turn.Job
	for _, j := range m.turns {
		if f.GovernmentID != "" && j.GovernmentID != f.GovernmentID {
			continue
		}
		if f.Status != "" && j.Status != f.Status {
			continue
		}
		if !f.TurnDateFrom.IsZero() && j.TurnDate.Before(f.TurnDateFrom) {
			continue
		}
		if !f.TurnDateTo.IsZero() && !j.TurnDate.Before(f.TurnDateTo) {
			continue
		}
		cp := *j
		matched = append(matched, &cp)
	}
	sort.Slice(matched, func(i, k int) bool {
		return matched[i].CreatedAt.After(matched[k].CreatedAt)
	})
	return paginate(matched, f.Offset, f.Limit), nil
}

// DeleteTurnJob removes a turn job by ID.
func (m *Store) DeleteTurnJob(_ context.Context, jobID id.TurnJobID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := jobID.String()
	if _, ok := m.turns[key]; !ok {
		return worldqueue.ErrTurnJobNotFound
	}
	delete(m.turns, key)
	return nil
}

// ──────────────────────────────────────────────────
// Dead letter store
// ──────────────────────────────────────────────────

// PushEntry adds a terminally failed item to the archive.
func (m *Store) PushEntry(_ context.Context, entry *dlq.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *entry
	m.deads[entry.ID.String()] = &cp
	return nil
}

// GetEntry retrieves an entry by ID.
func (m *Store) GetEntry(_ context.Context, entryID id.DeadLetterID) (*dlq.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.deads[entryID.String()]
	if !ok {
		return nil, worldqueue.ErrDeadLetterNotFound
	}
	cp := *e
	return &cp, nil
}

// ListEntries returns entries matching the options, newest failures
// first.
func (m *Store) ListEntries(_ context.Context, opts dlq.ListOpts) ([]*dlq.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []*dlq.Entry
	for _, e := range m.deads {
		if opts.WorkType != "" && e.WorkType != opts.WorkType {
			continue
		}
		cp := *e
		matched = append(matched, &cp)
	}
	sort.Slice(matched, func(i, k int) bool {
		return matched[i].FailedAt.After(matched[k].FailedAt)
	})
	return paginate(matched, opts.Offset, opts.Limit), nil
}

// MarkRequeued stamps RequeuedAt on an entry.
func (m *Store) MarkRequeued(_ context.Context, entryID id.DeadLetterID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.deads[entryID.String()]
	if !ok {
		return worldqueue.ErrDeadLetterNotFound
	}
	now := time.Now().UTC()
	e.RequeuedAt = &now
	return nil
}

// PurgeEntries removes entries with FailedAt before the given time.
func (m *Store) PurgeEntries(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for key, e := range m.deads {
		if e.FailedAt.Before(before) {
			delete(m.deads, key)
			n++
		}
	}
	return n, nil
}

// CountEntries returns the total number of archived entries.
func (m *Store) CountEntries(_ context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.deads)), nil
}

// ──────────────────────────────────────────────────
// Schedule store
// ──────────────────────────────────────────────────

// CreateSchedule persists a new entry, rejecting duplicate names.
func (m *Store) CreateSchedule(_ context.Context, entry *schedule.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range m.schedules {
		if e.Name == entry.Name {
			return worldqueue.ErrDuplicateSchedule
		}
	}
	cp := *entry
	m.schedules[entry.ID.String()] = &cp
	return nil
}

// GetSchedule retrieves an entry by ID.
func (m *Store) GetSchedule(_ context.Context, entryID id.ScheduleID) (*schedule.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.schedules[entryID.String()]
	if !ok {
		return nil, worldqueue.ErrScheduleNotFound
	}
	cp := *e
	return &cp, nil
}

// ListSchedules returns all entries.
func (m *Store) ListSchedules(_ context.Context) ([]*schedule.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := make([]*schedule.Entry, 0, len(m.schedules))
	for _, e := range m.schedules {
		cp := *e
		entries = append(entries, &cp)
	}
	sort.Slice(entries, func(i, k int) bool {
		return entries[i].Name < entries[k].Name
	})
	return entries, nil
}

// AcquireScheduleLock attempts to lock an entry for firing.
func (m *Store) AcquireScheduleLock(_ context.Context, entryID id.ScheduleID, workerID id.WorkerID, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.schedules[entryID.String()]
	if !ok {
		return false, worldqueue.ErrScheduleNotFound
	}

	now := time.Now().UTC()
	if e.LockedUntil != nil && e.LockedUntil.After(now) && e.LockedBy != workerID {
		return false, nil
	}
	until := now.Add(ttl)
	e.LockedBy = workerID
	e.LockedUntil = &until
	return true, nil
}

// ReleaseScheduleLock releases the lock held by workerID.
func (m *Store) ReleaseScheduleLock(_ context.Context, entryID id.ScheduleID, workerID id.WorkerID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.schedules[entryID.String()]
	if !ok {
		return worldqueue.ErrScheduleNotFound
	}
	if e.LockedBy == workerID {
		e.LockedBy = id.WorkerID{}
		e.LockedUntil = nil
	}
	return nil
}

// UpdateSchedule updates an entry.
func (m *Store) UpdateSchedule(_ context.Context, entry *schedule.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := entry.ID.String()
	if _, ok := m.schedules[key]; !ok {
		return worldqueue.ErrScheduleNotFound
	}
	cp := *entry
	cp.UpdatedAt = time.Now().UTC()
	m.schedules[key] = &cp
	return nil
}

// DeleteSchedule removes an entry by ID.
func (m *Store) DeleteSchedule(_ context.Context, entryID id.ScheduleID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := entryID.String()
	if _, ok := m.schedules[key]; !ok {
		return worldqueue.ErrScheduleNotFound
	}
	delete(m.schedules, key)
	return nil
}

// paginate applies offset and limit to a sorted slice.
func paginate[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}
