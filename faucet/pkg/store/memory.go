package store

import (
	"context"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/malbeclabs/faucet/faucet/pkg/abuse"
	"github.com/malbeclabs/faucet/faucet/pkg/admission"
	"github.com/malbeclabs/faucet/faucet/pkg/disbursement"
	"github.com/malbeclabs/faucet/faucet/pkg/settings"
	"github.com/malbeclabs/faucet/faucet/pkg/stats"
)

// Memory is an in-process store for development and tests. It implements the
// same contracts as Postgres.
type Memory struct {
	mu       sync.RWMutex
	requests map[uuid.UUID]*disbursement.Request
	entries  []abuse.Entry
	settings map[string]settings.Entry
}

func NewMemory() *Memory {
	return &Memory{
		requests: make(map[uuid.UUID]*disbursement.Request),
		settings: make(map[string]settings.Entry),
	}
}

func cloneRequest(r *disbursement.Request) *disbursement.Request {
	c := *r
	c.TxReference = cloneStr(r.TxReference)
	c.FailureReason = cloneStr(r.FailureReason)
	if r.ElapsedMs != nil {
		ms := *r.ElapsedMs
		c.ElapsedMs = &ms
	}
	return &c
}

func cloneStr(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func (m *Memory) CreateRequest(_ context.Context, req *disbursement.Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests[req.ID] = cloneRequest(req)
	return nil
}

func (m *Memory) FinalizeRequest(_ context.Context, id uuid.UUID, f disbursement.Finalization) (*disbursement.Request, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, false, disbursement.ErrRequestNotFound
	}
	if r.Status != disbursement.StatusPending {
		return cloneRequest(r), false, nil
	}
	finalize(r, f.Status, f.TxReference, f.FailureReason, f.Elapsed.Milliseconds(), f.At)
	return cloneRequest(r), true, nil
}

func finalize(r *disbursement.Request, status disbursement.Status, txRef, reason string, elapsedMs int64, at time.Time) {
	r.Status = status
	r.TxReference, r.FailureReason = nil, nil
	if status == disbursement.StatusSuccess {
		r.TxReference = &txRef
	} else {
		r.FailureReason = &reason
	}
	r.ElapsedMs = &elapsedMs
	r.UpdatedAt = at
}

func (m *Memory) GetRequest(_ context.Context, id uuid.UUID) (*disbursement.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, disbursement.ErrRequestNotFound
	}
	return cloneRequest(r), nil
}

// sorted returns matching requests newest first.
func (m *Memory) sorted(match func(*disbursement.Request) bool) []disbursement.Request {
	var out []disbursement.Request
	for _, r := range m.requests {
		if match(r) {
			out = append(out, *cloneRequest(r))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID.String() > out[j].ID.String()
	})
	return out
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

func (m *Memory) ListRequests(_ context.Context, filter disbursement.Filter) ([]disbursement.Request, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	all := m.sorted(func(r *disbursement.Request) bool {
		if filter.WalletAddress != "" && r.WalletAddress != filter.WalletAddress {
			return false
		}
		if filter.WalletContains != "" && !strings.Contains(r.WalletAddress, filter.WalletContains) {
			return false
		}
		return filter.Status == nil || r.Status == *filter.Status
	})
	return page(all, filter.Limit, filter.Offset), len(all), nil
}

func (m *Memory) FailStalePending(_ context.Context, createdBefore time.Time, reason string, at time.Time) ([]disbursement.Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []disbursement.Request
	for _, r := range m.requests {
		if r.Status != disbursement.StatusPending || !r.CreatedAt.Before(createdBefore) {
			continue
		}
		finalize(r, disbursement.StatusFailed, "", reason, at.Sub(r.CreatedAt).Milliseconds(), at)
		out = append(out, *cloneRequest(r))
	}
	return out, nil
}

func (m *Memory) CountSuccessful(_ context.Context, dim admission.Dimension, key string, since time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, r := range m.requests {
		if r.Status != disbursement.StatusSuccess || r.CreatedAt.Before(since) {
			continue
		}
		if (dim == admission.DimensionWallet && r.WalletAddress == key) ||
			(dim == admission.DimensionOrigin && r.OriginAddress == key) {
			n++
		}
	}
	return n, nil
}

func (m *Memory) FindActiveEntry(_ context.Context, target string, kind abuse.Kind, now time.Time) (*abuse.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, e := range m.entries {
		if e.Target == target && e.Kind == kind && e.Active(now) {
			e := e
			return &e, nil
		}
	}
	return nil, nil
}

func (m *Memory) InsertEntry(_ context.Context, entry abuse.Entry, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := make([]abuse.Entry, 0, len(m.entries)+1)
	for _, e := range m.entries {
		if e.Target == entry.Target && e.Kind == entry.Kind {
			if e.Active(now) {
				return abuse.ErrConflict
			}
			continue
		}
		kept = append(kept, e)
	}
	m.entries = append(kept, entry)
	return nil
}

func (m *Memory) DeleteEntries(_ context.Context, target string, kind abuse.Kind) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	kept := make([]abuse.Entry, 0, len(m.entries))
	for _, e := range m.entries {
		if e.Target == target && e.Kind == kind {
			n++
			continue
		}
		kept = append(kept, e)
	}
	m.entries = kept
	return n, nil
}

func (m *Memory) ListEntries(_ context.Context, filter abuse.Filter) ([]abuse.Entry, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []abuse.Entry
	for _, e := range m.entries {
		if filter.Kind == nil || e.Kind == *filter.Kind {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return page(out, filter.Limit, filter.Offset), len(out), nil
}

func (m *Memory) StatusTotals(_ context.Context) (stats.Totals, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t := stats.Totals{SuccessAmount: new(big.Int)}
	var elapsedSum, elapsedN int64
	for _, r := range m.requests {
		switch r.Status {
		case disbursement.StatusPending:
			t.Pending++
		case disbursement.StatusFailed:
			t.Failed++
		case disbursement.StatusSuccess:
			t.Success++
			t.SuccessAmount.Add(t.SuccessAmount, new(big.Int).SetUint64(r.Amount))
			if r.ElapsedMs != nil {
				elapsedSum += *r.ElapsedMs
				elapsedN++
			}
		}
	}
	if elapsedN > 0 {
		t.AvgSuccessElapsedMs = float64(elapsedSum) / float64(elapsedN)
	}
	return t, nil
}

func (m *Memory) CountCreatedSince(_ context.Context, since time.Time) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var n int64
	for _, r := range m.requests {
		if !r.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (m *Memory) topBy(key func(*disbursement.Request) string, limit int) []stats.Bucket {
	counts := make(map[string]int64)
	for _, r := range m.requests {
		if r.Status == disbursement.StatusSuccess {
			counts[key(r)]++
		}
	}
	out := make([]stats.Bucket, 0, len(counts))
	for k, n := range counts {
		out = append(out, stats.Bucket{Key: k, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Key < out[j].Key
	})
	return page(out, limit, 0)
}

func (m *Memory) TopWallets(_ context.Context, limit int) ([]stats.Bucket, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.topBy(func(r *disbursement.Request) string { return r.WalletAddress }, limit), nil
}

func (m *Memory) TopCountries(_ context.Context, limit int) ([]stats.Bucket, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.topBy(func(r *disbursement.Request) string { return stats.CountryOrUnknown(r.Metadata.Country) }, limit), nil
}

func (m *Memory) RecentSuccessful(_ context.Context, limit int) ([]disbursement.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	all := m.sorted(func(r *disbursement.Request) bool { return r.Status == disbursement.StatusSuccess })
	return page(all, limit, 0), nil
}

func (m *Memory) RequestPoints(_ context.Context, since, until time.Time) ([]stats.Point, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []stats.Point
	for _, r := range m.requests {
		if r.CreatedAt.Before(since) || r.CreatedAt.After(until) {
			continue
		}
		out = append(out, stats.Point{Status: r.Status, CreatedAt: r.CreatedAt})
	}
	return out, nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) UpsertSetting(_ context.Context, u settings.Upsert, now time.Time) (*settings.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.settings[u.Key]
	if !ok {
		e = settings.Entry{Key: u.Key, CreatedAt: now}
	}
	e.Value = u.Value
	e.UpdatedBy = u.UpdatedBy
	e.UpdatedAt = now
	if u.Description != nil {
		e.Description = cloneStr(u.Description)
	}
	if u.IsPublic != nil {
		e.IsPublic = *u.IsPublic
	}
	m.settings[u.Key] = e
	out := e
	out.Description = cloneStr(e.Description)
	return &out, nil
}

func (m *Memory) ListSettings(_ context.Context) ([]settings.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]settings.Entry, 0, len(m.settings))
	for _, e := range m.settings {
		e.Description = cloneStr(e.Description)
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}
