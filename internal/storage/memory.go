package storage

import (
	"context"
	"sort"
	"sync"
	"time"
)

type observationKey struct {
	date string
	code string
}

// MemoryStore is an in-process store with the same semantics as Store.
// It backs dry runs and tests.
type MemoryStore struct {
	mu            sync.Mutex
	observations  map[observationKey]Observation
	currencies    map[int]Currency
	subscriptions map[int64]Subscription
	settings      map[int64][]string
	now           func() time.Time
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		observations:  make(map[observationKey]Observation),
		currencies:    make(map[int]Currency),
		subscriptions: make(map[int64]Subscription),
		settings:      make(map[int64][]string),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// InsertObservation stores obs unless the (date, currency) pair already exists.
func (m *MemoryStore) InsertObservation(_ context.Context, obs Observation) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertObservationLocked(obs), nil
}

// InsertDay validates the whole batch before touching the maps, so a rejected
// day leaves nothing behind.
func (m *MemoryStore) InsertDay(_ context.Context, date time.Time, currencies []Currency, observations []Observation) (int, error) {
	if err := validateDay(date, observations); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, c := range currencies {
		m.insertCurrencyLocked(c)
	}
	inserted := 0
	for _, obs := range observations {
		if m.insertObservationLocked(obs) {
			inserted++
		}
	}
	return inserted, nil
}

func (m *MemoryStore) insertObservationLocked(obs Observation) bool {
	obs.Date = dayUTC(obs.Date)
	key := observationKey{date: obs.Date.Format(time.DateOnly), code: obs.CurrencyCode}
	if _, exists := m.observations[key]; exists {
		return false
	}
	m.observations[key] = obs
	return true
}

// LastObservationDate returns the newest stored date, if any.
func (m *MemoryStore) LastObservationDate(_ context.Context) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var (
		last  time.Time
		found bool
	)
	for _, obs := range m.observations {
		if !found || obs.Date.After(last) {
			last = obs.Date
			found = true
		}
	}
	return last, found, nil
}

// ListLastObservations lists the newest observations of code first.
func (m *MemoryStore) ListLastObservations(_ context.Context, code string, limit int) ([]Observation, error) {
	m.mu.Lock()
	series := m.seriesLocked(code)
	m.mu.Unlock()

	sort.Slice(series, func(i, j int) bool { return series[i].Date.After(series[j].Date) })
	if limit > 0 && len(series) > limit {
		series = series[:limit]
	}
	return series, nil
}

// ListObservationsBetween lists observations of code in [from, to] by date.
func (m *MemoryStore) ListObservationsBetween(_ context.Context, code string, from, to time.Time) ([]Observation, error) {
	m.mu.Lock()
	series := m.seriesLocked(code)
	m.mu.Unlock()

	from, to = dayUTC(from), dayUTC(to)
	filtered := make([]Observation, 0, len(series))
	for _, obs := range series {
		if obs.Date.Before(from) || obs.Date.After(to) {
			continue
		}
		filtered = append(filtered, obs)
	}
	sort.Slice(filtered, func(i, j int) bool { return filtered[i].Date.Before(filtered[j].Date) })
	return filtered, nil
}

// PreviousObservation returns the newest observation of code before date.
func (m *MemoryStore) PreviousObservation(_ context.Context, code string, date time.Time) (Observation, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	date = dayUTC(date)
	var (
		prev  Observation
		found bool
	)
	for _, obs := range m.seriesLocked(code) {
		if !obs.Date.Before(date) {
			continue
		}
		if !found || obs.Date.After(prev.Date) {
			prev = obs
			found = true
		}
	}
	return prev, found, nil
}

// CountObservations 返回已存储的观测数量。
func (m *MemoryStore) CountObservations(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.observations)), nil
}

func (m *MemoryStore) seriesLocked(code string) []Observation {
	series := make([]Observation, 0)
	for _, obs := range m.observations {
		if obs.CurrencyCode == code {
			series = append(series, obs)
		}
	}
	return series
}

// InsertCurrency stores currency metadata on first sighting of either code.
func (m *MemoryStore) InsertCurrency(_ context.Context, currency Currency) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertCurrencyLocked(currency), nil
}

func (m *MemoryStore) insertCurrencyLocked(currency Currency) bool {
	if _, exists := m.currencies[currency.NumCode]; exists {
		return false
	}
	for _, known := range m.currencies {
		if known.CharCode == currency.CharCode {
			return false
		}
	}
	m.currencies[currency.NumCode] = currency
	return true
}

// ListCurrencies lists known currencies ordered by numeric code.
func (m *MemoryStore) ListCurrencies(_ context.Context) ([]Currency, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	currencies := make([]Currency, 0, len(m.currencies))
	for _, c := range m.currencies {
		currencies = append(currencies, c)
	}
	sort.Slice(currencies, func(i, j int) bool { return currencies[i].NumCode < currencies[j].NumCode })
	return currencies, nil
}

// Subscribe activates the user, clearing any stale pending flag.
func (m *MemoryStore) Subscribe(_ context.Context, userID int64) (SubscriptionResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	sub, exists := m.subscriptions[userID]
	if exists && sub.IsActive {
		return AlreadyActive, nil
	}
	if !exists {
		sub = Subscription{UserID: userID, CreatedAt: now}
	}
	sub.IsActive = true
	sub.PendingNotification = false
	sub.UpdatedAt = now
	m.subscriptions[userID] = sub
	return Activated, nil
}

// Unsubscribe deactivates the user.
func (m *MemoryStore) Unsubscribe(_ context.Context, userID int64) (SubscriptionResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub, exists := m.subscriptions[userID]
	if !exists || !sub.IsActive {
		return AlreadyInactive, nil
	}
	sub.IsActive = false
	sub.UpdatedAt = m.now()
	m.subscriptions[userID] = sub
	return Deactivated, nil
}

// GetSubscription returns the user's subscription or ErrNotFound.
func (m *MemoryStore) GetSubscription(_ context.Context, userID int64) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub, exists := m.subscriptions[userID]
	if !exists {
		return Subscription{}, ErrNotFound
	}
	return sub, nil
}

// ListPendingNotifications 列出待推送的活跃订阅，按 user_id 排序。
func (m *MemoryStore) ListPendingNotifications(_ context.Context) ([]Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pending := make([]Subscription, 0)
	for _, sub := range m.subscriptions {
		if sub.IsActive && sub.PendingNotification {
			pending = append(pending, sub)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].UserID < pending[j].UserID })
	return pending, nil
}

// ClearPendingNotification marks the user's digest as delivered.
func (m *MemoryStore) ClearPendingNotification(_ context.Context, userID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub, exists := m.subscriptions[userID]
	if !exists {
		return ErrNotFound
	}
	sub.PendingNotification = false
	sub.UpdatedAt = m.now()
	m.subscriptions[userID] = sub
	return nil
}

// MarkAllPendingNotification flags every active subscription and returns how many flipped.
func (m *MemoryStore) MarkAllPendingNotification(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var flipped int64
	now := m.now()
	for id, sub := range m.subscriptions {
		if !sub.IsActive || sub.PendingNotification {
			continue
		}
		sub.PendingNotification = true
		sub.UpdatedAt = now
		m.subscriptions[id] = sub
		flipped++
	}
	return flipped, nil
}

// GetSelectedCurrencies returns a copy of the stored selection, if any.
func (m *MemoryStore) GetSelectedCurrencies(_ context.Context, userID int64) ([]string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	codes, exists := m.settings[userID]
	if !exists {
		return nil, false, nil
	}
	return append([]string(nil), codes...), true, nil
}

// SetSelectedCurrencies replaces the user's selection.
func (m *MemoryStore) SetSelectedCurrencies(_ context.Context, userID int64, codes []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.settings[userID] = append([]string{}, codes...)
	return nil
}

var (
	_ RateStore         = (*MemoryStore)(nil)
	_ CurrencyStore     = (*MemoryStore)(nil)
	_ SubscriptionStore = (*MemoryStore)(nil)
	_ SettingsStore     = (*MemoryStore)(nil)
)
