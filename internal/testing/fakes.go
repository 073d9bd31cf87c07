package testing

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aristath/pitboss/internal/broker"
	"github.com/aristath/pitboss/internal/domain"
)

// FakeBroker is an in-memory stand-in for the broker client. It models
// streams with consumer groups (delivery frontier plus per-consumer pending
// lists), string keys with TTL, and hashes. Safe for concurrent use.
type FakeBroker struct {
	mu sync.Mutex

	entries map[string][]broker.Entry // stream -> entries in append order
	nextSeq map[string]int64          // stream -> next entry sequence
	groups  map[string]*groupState    // "stream/group" -> state

	keys    map[string]string    // plain keys
	expiry  map[string]time.Time // key -> expiry, absent means no TTL
	hashes  map[string]map[string]string
	nowFunc func() time.Time

	appendErrs map[string]error // stream -> injected Append failure
	readErr    error
	ackErr     error
	setNXErr   error
	pendingErr error
}

type groupState struct {
	lastDelivered int64          // sequence of the newest entry handed out
	pending       []pendingEntry // delivered but unacknowledged, in id order
}

type pendingEntry struct {
	id       string
	consumer string
}

// NewFakeBroker creates an empty fake broker.
func NewFakeBroker() *FakeBroker {
	return &FakeBroker{
		entries:    make(map[string][]broker.Entry),
		nextSeq:    make(map[string]int64),
		groups:     make(map[string]*groupState),
		keys:       make(map[string]string),
		expiry:     make(map[string]time.Time),
		hashes:     make(map[string]map[string]string),
		nowFunc:    time.Now,
		appendErrs: make(map[string]error),
	}
}

// SetNow overrides the clock used for TTL expiry checks.
func (f *FakeBroker) SetNow(now func() time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nowFunc = now
}

// SetAppendError makes Append to the given stream fail until cleared with nil.
func (f *FakeBroker) SetAppendError(stream string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.appendErrs, stream)
		return
	}
	f.appendErrs[stream] = err
}

// SetReadError makes ReadBacklog and ReadNew fail until cleared with nil.
func (f *FakeBroker) SetReadError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readErr = err
}

// SetAckError makes Ack fail until cleared with nil.
func (f *FakeBroker) SetAckError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ackErr = err
}

// SetSetNXError makes SetNX fail until cleared with nil.
func (f *FakeBroker) SetSetNXError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setNXErr = err
}

// SetPendingError makes Pending fail until cleared with nil.
func (f *FakeBroker) SetPendingError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pendingErr = err
}

// Entries returns a copy of the stream's entries in append order.
func (f *FakeBroker) Entries(stream string) []broker.Entry {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]broker.Entry, len(f.entries[stream]))
	copy(out, f.entries[stream])
	return out
}

// PendingIDs returns ids delivered to the group but not yet acknowledged.
func (f *FakeBroker) PendingIDs(stream, group string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.groups[stream+"/"+group]
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(g.pending))
	for _, p := range g.pending {
		ids = append(ids, p.id)
	}
	return ids
}

// ---- Stream operations ----

// Ping always succeeds.
func (f *FakeBroker) Ping(ctx context.Context) error { return nil }

// Close is a no-op.
func (f *FakeBroker) Close() error { return nil }

// Append adds an entry, coercing values to strings as the broker would.
func (f *FakeBroker) Append(ctx context.Context, stream string, values map[string]any) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.appendErrs[stream]; err != nil {
		return "", err
	}

	f.nextSeq[stream]++
	id := fmt.Sprintf("%d-0", f.nextSeq[stream])

	stored := make(map[string]any, len(values))
	for k, v := range values {
		stored[k] = fmt.Sprint(v)
	}
	f.entries[stream] = append(f.entries[stream], broker.Entry{ID: id, Values: stored})
	return id, nil
}

// EnsureGroup registers the group at the stream's beginning.
func (f *FakeBroker) EnsureGroup(ctx context.Context, stream, group string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := stream + "/" + group
	if _, ok := f.groups[key]; !ok {
		f.groups[key] = &groupState{}
	}
	if _, ok := f.entries[stream]; !ok {
		f.entries[stream] = nil
	}
	return nil
}

// ReadBacklog returns the consumer's own pending entries, oldest first.
func (f *FakeBroker) ReadBacklog(ctx context.Context, stream, group, consumer string, count int64) ([]broker.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.readErr != nil {
		return nil, f.readErr
	}
	g, ok := f.groups[stream+"/"+group]
	if !ok {
		return nil, fmt.Errorf("NOGROUP no such consumer group '%s' for stream '%s'", group, stream)
	}

	var out []broker.Entry
	for _, p := range g.pending {
		if p.consumer != consumer {
			continue
		}
		if e, ok := f.lookupEntry(stream, p.id); ok {
			out = append(out, e)
		}
		if count > 0 && int64(len(out)) >= count {
			break
		}
	}
	return out, nil
}

// ReadNew hands out entries past the group frontier without blocking.
func (f *FakeBroker) ReadNew(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]broker.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.readErr != nil {
		return nil, f.readErr
	}
	g, ok := f.groups[stream+"/"+group]
	if !ok {
		return nil, fmt.Errorf("NOGROUP no such consumer group '%s' for stream '%s'", group, stream)
	}

	var out []broker.Entry
	for _, e := range f.entries[stream] {
		if seqOf(e.ID) <= g.lastDelivered {
			continue
		}
		out = append(out, e)
		g.lastDelivered = seqOf(e.ID)
		g.pending = append(g.pending, pendingEntry{id: e.ID, consumer: consumer})
		if count > 0 && int64(len(out)) >= count {
			break
		}
	}
	return out, nil
}

// Ack clears entries from the group's pending list.
func (f *FakeBroker) Ack(ctx context.Context, stream, group string, ids ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.ackErr != nil {
		return f.ackErr
	}
	g, ok := f.groups[stream+"/"+group]
	if !ok {
		return nil
	}

	keep := g.pending[:0]
	for _, p := range g.pending {
		acked := false
		for _, id := range ids {
			if p.id == id {
				acked = true
				break
			}
		}
		if !acked {
			keep = append(keep, p)
		}
	}
	g.pending = keep
	return nil
}

// Range scans entries by id, inclusive. "-" and "+" select the extremes.
func (f *FakeBroker) Range(ctx context.Context, stream, start, stop string, count int64) ([]broker.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []broker.Entry
	for _, e := range f.entries[stream] {
		seq := seqOf(e.ID)
		if start != "-" && seq < seqOf(start) {
			continue
		}
		if stop != "+" && seq > seqOf(stop) {
			break
		}
		out = append(out, e)
		if count > 0 && int64(len(out)) >= count {
			break
		}
	}
	return out, nil
}

// DeleteEntries removes entries by id, returning how many existed.
func (f *FakeBroker) DeleteEntries(ctx context.Context, stream string, ids ...string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var removed int64
	keep := f.entries[stream][:0]
	for _, e := range f.entries[stream] {
		deleted := false
		for _, id := range ids {
			if e.ID == id {
				deleted = true
				break
			}
		}
		if deleted {
			removed++
			continue
		}
		keep = append(keep, e)
	}
	f.entries[stream] = keep
	return removed, nil
}

// Pending summarizes the group's unacknowledged entries.
func (f *FakeBroker) Pending(ctx context.Context, stream, group string) (*broker.PendingSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.pendingErr != nil {
		return nil, f.pendingErr
	}
	g, ok := f.groups[stream+"/"+group]
	if !ok {
		return nil, fmt.Errorf("NOGROUP no such consumer group '%s' for stream '%s'", group, stream)
	}

	sum := &broker.PendingSummary{Consumers: make(map[string]int64)}
	for _, p := range g.pending {
		sum.Count++
		if sum.Lower == "" || seqOf(p.id) < seqOf(sum.Lower) {
			sum.Lower = p.id
		}
		if sum.Higher == "" || seqOf(p.id) > seqOf(sum.Higher) {
			sum.Higher = p.id
		}
		sum.Consumers[p.consumer]++
	}
	return sum, nil
}

func (f *FakeBroker) lookupEntry(stream, id string) (broker.Entry, bool) {
	for _, e := range f.entries[stream] {
		if e.ID == id {
			return e, true
		}
	}
	return broker.Entry{}, false
}

func seqOf(id string) int64 {
	seq, _ := strconv.ParseInt(strings.SplitN(id, "-", 2)[0], 10, 64)
	return seq
}

// ---- KV operations ----

// SetNX claims key when absent. Expired keys count as absent.
func (f *FakeBroker) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.setNXErr != nil {
		return false, f.setNXErr
	}
	f.reapLocked(key)
	if _, ok := f.keys[key]; ok {
		return false, nil
	}
	f.setLocked(key, value, ttl)
	return true, nil
}

// Set writes key with an optional TTL.
func (f *FakeBroker) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setLocked(key, value, ttl)
	return nil
}

func (f *FakeBroker) setLocked(key, value string, ttl time.Duration) {
	f.keys[key] = value
	if ttl > 0 {
		f.expiry[key] = f.nowFunc().Add(ttl)
	} else {
		delete(f.expiry, key)
	}
}

// Get reads key, returning broker.ErrNotFound when absent or expired.
func (f *FakeBroker) Get(ctx context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.reapLocked(key)
	v, ok := f.keys[key]
	if !ok {
		return "", broker.ErrNotFound
	}
	return v, nil
}

// Del removes keys and hashes under those keys.
func (f *FakeBroker) Del(ctx context.Context, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, key := range keys {
		delete(f.keys, key)
		delete(f.expiry, key)
		delete(f.hashes, key)
	}
	return nil
}

// Exists reports whether key is present and unexpired.
func (f *FakeBroker) Exists(ctx context.Context, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.reapLocked(key)
	_, ok := f.keys[key]
	if !ok {
		_, ok = f.hashes[key]
	}
	return ok, nil
}

// ExistsBatch probes keys in order.
func (f *FakeBroker) ExistsBatch(ctx context.Context, keys []string) ([]bool, error) {
	flags := make([]bool, len(keys))
	for i, key := range keys {
		ok, err := f.Exists(ctx, key)
		if err != nil {
			return nil, err
		}
		flags[i] = ok
	}
	return flags, nil
}

func (f *FakeBroker) reapLocked(key string) {
	exp, ok := f.expiry[key]
	if ok && f.nowFunc().After(exp) {
		delete(f.keys, key)
		delete(f.expiry, key)
	}
}

// ---- Hash operations ----

// HGet reads one hash field, returning broker.ErrNotFound when absent.
func (f *FakeBroker) HGet(ctx context.Context, key, field string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	v, ok := f.hashes[key][field]
	if !ok {
		return "", broker.ErrNotFound
	}
	return v, nil
}

// HGetAll returns a copy of the hash; absent keys yield an empty map.
func (f *FakeBroker) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make(map[string]string, len(f.hashes[key]))
	for k, v := range f.hashes[key] {
		out[k] = v
	}
	return out, nil
}

// HSet writes alternating field, value pairs.
func (f *FakeBroker) HSet(ctx context.Context, key string, values ...any) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	h := f.hashes[key]
	if h == nil {
		h = make(map[string]string)
		f.hashes[key] = h
	}
	for i := 0; i+1 < len(values); i += 2 {
		h[fmt.Sprint(values[i])] = fmt.Sprint(values[i+1])
	}
	return nil
}

// HIncrBy adds n to an integer field and returns the result.
func (f *FakeBroker) HIncrBy(ctx context.Context, key, field string, n int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	h := f.hashes[key]
	if h == nil {
		h = make(map[string]string)
		f.hashes[key] = h
	}
	cur, _ := strconv.ParseInt(h[field], 10, 64)
	cur += n
	h[field] = strconv.FormatInt(cur, 10)
	return cur, nil
}

// HIncrByFloat adds x to a float field and returns the result.
func (f *FakeBroker) HIncrByFloat(ctx context.Context, key, field string, x float64) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	h := f.hashes[key]
	if h == nil {
		h = make(map[string]string)
		f.hashes[key] = h
	}
	cur, _ := strconv.ParseFloat(h[field], 64)
	cur += x
	h[field] = strconv.FormatFloat(cur, 'f', -1, 64)
	return cur, nil
}

// HDel removes hash fields.
func (f *FakeBroker) HDel(ctx context.Context, key string, fields ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, field := range fields {
		delete(f.hashes[key], field)
	}
	return nil
}

// ScanKeys matches plain keys and hash keys against a glob pattern.
func (f *FakeBroker) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var keys []string
	for key := range f.keys {
		if ok, _ := path.Match(pattern, key); ok {
			keys = append(keys, key)
		}
	}
	for key := range f.hashes {
		if _, dup := f.keys[key]; dup {
			continue
		}
		if ok, _ := path.Match(pattern, key); ok {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// MockExchange is a configurable exchange adapter for tests. When no result
// or error is injected it fills every order at a fixed price of 100.
type MockExchange struct {
	mu     sync.Mutex
	name   string
	result *domain.OrderResult
	err    error
	calls  []domain.OrderRequest
}

// NewMockExchange creates a mock exchange with the given venue name.
func NewMockExchange(name string) *MockExchange {
	return &MockExchange{name: name}
}

// SetResult injects the result returned by PlaceOrder.
func (m *MockExchange) SetResult(result *domain.OrderResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.result = result
}

// SetError makes PlaceOrder fail until cleared with nil.
func (m *MockExchange) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Calls returns the order requests received so far.
func (m *MockExchange) Calls() []domain.OrderRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.OrderRequest, len(m.calls))
	copy(out, m.calls)
	return out
}

// Name returns the venue name.
func (m *MockExchange) Name() string { return m.name }

// PlaceOrder records the request and returns the injected result or error.
func (m *MockExchange) PlaceOrder(ctx context.Context, req domain.OrderRequest) (*domain.OrderResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, req)
	if m.err != nil {
		return nil, m.err
	}
	if m.result != nil {
		res := *m.result
		return &res, nil
	}
	return &domain.OrderResult{
		Filled:   true,
		OrderID:  req.OrderID,
		Symbol:   req.Symbol,
		Side:     req.Side,
		Qty:      req.Qty,
		Price:    100,
		Notional: req.Qty * 100,
	}, nil
}

var _ domain.ExchangeAdapter = (*MockExchange)(nil)
