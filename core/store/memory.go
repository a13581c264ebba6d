// Package store provides an in-memory core.Store.
package store

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/warp/engagement-engine/core"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements core.Store. A single RWMutex guards all maps; CAS
// semantics are the same as the SQLite store so tests exercise the real
// retry paths.
type Memory struct {
	mu       sync.RWMutex
	profiles map[core.ProviderID]core.ProviderProfile
	points   map[core.ProviderID][]core.PointTransaction
	declines map[core.ProviderID][]core.DeclineRecord
	cases    map[core.CaseID]core.Case
	offers   map[core.CaseID][]core.CaseOffer
	slots    map[core.CaseID]int64
	accounts map[core.ClientID]core.ClientCreditAccount
}

var _ core.Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		profiles: make(map[core.ProviderID]core.ProviderProfile),
		points:   make(map[core.ProviderID][]core.PointTransaction),
		declines: make(map[core.ProviderID][]core.DeclineRecord),
		cases:    make(map[core.CaseID]core.Case),
		offers:   make(map[core.CaseID][]core.CaseOffer),
		slots:    make(map[core.CaseID]int64),
		accounts: make(map[core.ClientID]core.ClientCreditAccount),
	}
}

// =============================================================================
// PROFILES
// =============================================================================

func (m *Memory) CreateProfile(_ context.Context, p core.ProviderProfile) (core.ProviderProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.profiles[p.ID]; ok {
		return core.ProviderProfile{}, core.ErrProviderExists
	}
	p.Version = 1
	p = cloneProfile(p)
	m.profiles[p.ID] = p
	return cloneProfile(p), nil
}

func (m *Memory) GetProfile(_ context.Context, id core.ProviderID) (core.ProviderProfile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.profiles[id]
	if !ok {
		return core.ProviderProfile{}, core.ErrProviderNotFound
	}
	return cloneProfile(p), nil
}

func (m *Memory) ListProfiles(_ context.Context) ([]core.ProviderProfile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]core.ProviderProfile, 0, len(m.profiles))
	for _, p := range m.profiles {
		result = append(result, cloneProfile(p))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (m *Memory) CompareAndSwapProfile(_ context.Context, next core.ProviderProfile) (core.ProviderProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.swapProfileLocked(next)
}

func (m *Memory) swapProfileLocked(next core.ProviderProfile) (core.ProviderProfile, error) {
	current, ok := m.profiles[next.ID]
	if !ok {
		return core.ProviderProfile{}, core.ErrProviderNotFound
	}
	if current.Version != next.Version {
		return core.ProviderProfile{}, core.ErrVersionMismatch
	}
	next.Version++
	next = cloneProfile(next)
	m.profiles[next.ID] = next
	return cloneProfile(next), nil
}

// =============================================================================
// POINT LEDGER (append-only)
// =============================================================================

func (m *Memory) CommitPoints(_ context.Context, tx core.PointTransaction, next core.ProviderProfile) (core.ProviderProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, err := m.swapProfileLocked(next)
	if err != nil {
		return core.ProviderProfile{}, err
	}
	m.points[tx.ProviderID] = insertByTime(m.points[tx.ProviderID], tx, func(t core.PointTransaction) time.Time { return t.Timestamp })
	return stored, nil
}

func (m *Memory) PointTransactions(_ context.Context, id core.ProviderID) ([]core.PointTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.points[id]), nil
}

// =============================================================================
// DECLINES (append-only)
// =============================================================================

func (m *Memory) CommitDecline(_ context.Context, rec core.DeclineRecord, tx core.PointTransaction, next core.ProviderProfile) (core.ProviderProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, err := m.swapProfileLocked(next)
	if err != nil {
		return core.ProviderProfile{}, err
	}
	m.points[tx.ProviderID] = insertByTime(m.points[tx.ProviderID], tx, func(t core.PointTransaction) time.Time { return t.Timestamp })
	m.declines[rec.ProviderID] = insertByTime(m.declines[rec.ProviderID], rec, func(r core.DeclineRecord) time.Time { return r.Timestamp })
	return stored, nil
}

func (m *Memory) DeclinesSince(_ context.Context, id core.ProviderID, since time.Time) ([]core.DeclineRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []core.DeclineRecord
	for _, rec := range m.declines[id] {
		if !rec.Timestamp.Before(since) {
			result = append(result, rec)
		}
	}
	return result, nil
}

// =============================================================================
// CASES + OFFERS
// =============================================================================

func (m *Memory) SaveCase(_ context.Context, c core.Case) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c.CandidatePool = slices.Clone(c.CandidatePool)
	m.cases[c.ID] = c
	return nil
}

func (m *Memory) GetCase(_ context.Context, id core.CaseID) (core.Case, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.cases[id]
	if !ok {
		return core.Case{}, core.ErrCaseNotFound
	}
	c.CandidatePool = slices.Clone(c.CandidatePool)
	return c, nil
}

func (m *Memory) CurrentOffer(_ context.Context, caseID core.CaseID) (core.CaseOffer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	history := m.offers[caseID]
	if len(history) == 0 {
		return core.CaseOffer{}, core.ErrOfferNotFound
	}
	current := history[len(history)-1]
	current.Version = m.slots[caseID]
	return current, nil
}

func (m *Memory) CompareAndSwapOffer(_ context.Context, next core.CaseOffer) (core.CaseOffer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.slots[next.CaseID] != next.Version {
		return core.CaseOffer{}, core.ErrVersionMismatch
	}
	next.Version++
	history := m.offers[next.CaseID]
	if n := len(history); n > 0 && history[n-1].ID == next.ID {
		history[n-1] = next
	} else {
		history = append(history, next)
	}
	m.offers[next.CaseID] = history
	m.slots[next.CaseID] = next.Version
	return next, nil
}

func (m *Memory) OfferHistory(_ context.Context, caseID core.CaseID) ([]core.CaseOffer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.offers[caseID]), nil
}

func (m *Memory) OpenOffers(_ context.Context, before time.Time) ([]core.CaseOffer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []core.CaseOffer
	for caseID, history := range m.offers {
		current := history[len(history)-1]
		if current.State == core.OfferOffered && current.OfferedAt.Before(before) {
			current.Version = m.slots[caseID]
			result = append(result, current)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].OfferedAt.Before(result[j].OfferedAt) })
	return result, nil
}

// =============================================================================
// CREDIT ACCOUNTS
// =============================================================================

func (m *Memory) GetAccount(_ context.Context, id core.ClientID) (core.ClientCreditAccount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.accounts[id]
	if !ok {
		return core.ClientCreditAccount{}, core.ErrAccountNotFound
	}
	return a, nil
}

func (m *Memory) CreateAccount(_ context.Context, a core.ClientCreditAccount) (core.ClientCreditAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.accounts[a.ClientID]; ok {
		return core.ClientCreditAccount{}, core.ErrVersionMismatch
	}
	a.Version = 1
	m.accounts[a.ClientID] = a
	return a, nil
}

func (m *Memory) CompareAndSwapAccount(_ context.Context, next core.ClientCreditAccount) (core.ClientCreditAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.accounts[next.ClientID]
	if !ok {
		return core.ClientCreditAccount{}, core.ErrAccountNotFound
	}
	if current.Version != next.Version {
		return core.ClientCreditAccount{}, core.ErrVersionMismatch
	}
	next.Version++
	m.accounts[next.ClientID] = next
	return next, nil
}

func (m *Memory) ListAccounts(_ context.Context) ([]core.ClientCreditAccount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]core.ClientCreditAccount, 0, len(m.accounts))
	for _, a := range m.accounts {
		result = append(result, a)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ClientID < result[j].ClientID })
	return result, nil
}

// =============================================================================
// HELPERS
// =============================================================================

// insertByTime keeps a log ordered by timestamp; equal timestamps keep
// insertion order.
func insertByTime[T any](rows []T, row T, at func(T) time.Time) []T {
	i := sort.Search(len(rows), func(i int) bool {
		return at(rows[i]).After(at(row))
	})
	return slices.Insert(rows, i, row)
}

func cloneProfile(p core.ProviderProfile) core.ProviderProfile {
	p.Specialties = slices.Clone(p.Specialties)
	if p.SuspendedUntil != nil {
		t := *p.SuspendedUntil
		p.SuspendedUntil = &t
	}
	return p
}
