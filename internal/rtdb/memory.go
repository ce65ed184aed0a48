package rtdb

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/comsrv/edge-core/internal/coreerr"
)

// Memory is the in-memory Rtdb implementation required by spec.md §4.2 for
// tests, addressed through the same Rtdb interface as the redis-backed
// implementation. Its list order differs: after LPush, BLPop here returns
// the oldest element (first in, first out), whereas Redis BLPOP after LPUSH
// returns the newest.
type Memory struct {
	mu     sync.Mutex
	kv     map[string][]byte
	hashes map[string]map[string][]byte
	sets   map[string]map[string]struct{}
	lists  map[string][][]byte

	listSignal chan struct{} // non-blocking broadcast, mirrors queue.go's notifyEnq

	subMu sync.Mutex
	subs  map[string][]*memorySub
}

// NewMemory constructs an empty in-memory Rtdb.
func NewMemory() *Memory {
	return &Memory{
		kv:         make(map[string][]byte),
		hashes:     make(map[string]map[string][]byte),
		sets:       make(map[string]map[string]struct{}),
		lists:      make(map[string][][]byte),
		listSignal: make(chan struct{}, 1),
		subs:       make(map[string][]*memorySub),
	}
}

func (m *Memory) notifyList() {
	select {
	case m.listSignal <- struct{}{}:
	default:
	}
}

func (m *Memory) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := append([]byte(nil), value...)
	m.kv[key] = cp
	return nil
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.kv[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (m *Memory) Del(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.kv, key)
	delete(m.hashes, key)
	delete(m.sets, key)
	delete(m.lists, key)
	return nil
}

func (m *Memory) HashSet(_ context.Context, key, field string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.hashes[key]
	if !ok {
		h = make(map[string][]byte)
		m.hashes[key] = h
	}
	h[field] = append([]byte(nil), value...)
	return nil
}

func (m *Memory) HashGet(_ context.Context, key, field string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.hashes[key]
	if !ok {
		return nil, false, nil
	}
	v, ok := h[field]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (m *Memory) HashMSet(_ context.Context, key string, fields []HashField) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.hashes[key]
	if !ok {
		h = make(map[string][]byte)
		m.hashes[key] = h
	}
	for _, f := range fields {
		h[f.Field] = append([]byte(nil), f.Value...)
	}
	return nil
}

func (m *Memory) HashDel(_ context.Context, key, field string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.hashes[key]; ok {
		delete(h, field)
	}
	return nil
}

func (m *Memory) HashGetAll(_ context.Context, key string) (map[string][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string][]byte)
	for f, v := range m.hashes[key] {
		out[f] = append([]byte(nil), v...)
	}
	return out, nil
}

func (m *Memory) SAdd(_ context.Context, key, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sets[key]
	if !ok {
		s = make(map[string]struct{})
		m.sets[key] = s
	}
	s[member] = struct{}{}
	return nil
}

func (m *Memory) SRem(_ context.Context, key, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sets[key]; ok {
		delete(s, member)
	}
	return nil
}

func (m *Memory) LPush(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	cp := append([]byte(nil), value...)
	m.lists[key] = append([][]byte{cp}, m.lists[key]...)
	m.mu.Unlock()
	m.notifyList()
	return nil
}

func (m *Memory) tryPop(keys []string) (string, []byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		l := m.lists[key]
		if len(l) == 0 {
			continue
		}
		// Pops from the tail of the slice (oldest pushed first, since LPush
		// prepends). Redis BLPOP pops from the head instead, i.e. the newest.
		v := l[len(l)-1]
		m.lists[key] = l[:len(l)-1]
		return key, v, true
	}
	return "", nil, false
}

func (m *Memory) BLPop(ctx context.Context, timeout time.Duration, keys ...string) (string, []byte, bool, error) {
	deadline := time.Now().Add(timeout)
	for {
		if key, v, ok := m.tryPop(keys); ok {
			return key, v, true, nil
		}

		var wait time.Duration
		if timeout <= 0 {
			wait = time.Hour // "block forever" approximated with long polls
		} else {
			wait = time.Until(deadline)
			if wait <= 0 {
				return "", nil, false, nil
			}
		}

		select {
		case <-ctx.Done():
			return "", nil, false, ctx.Err()
		case <-time.After(wait):
			if timeout > 0 {
				return "", nil, false, nil
			}
		case <-m.listSignal:
		}
	}
}

func (m *Memory) LRange(_ context.Context, key string, start, stop int) ([][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l := m.lists[key]
	n := len(l)
	if n == 0 {
		return nil, nil
	}
	s, e := normalizeRange(start, stop, n)
	if s > e {
		return nil, nil
	}
	out := make([][]byte, 0, e-s+1)
	for i := s; i <= e; i++ {
		out = append(out, append([]byte(nil), l[i]...))
	}
	return out, nil
}

func normalizeRange(start, stop, n int) (int, int) {
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	return start, stop
}

type memorySub struct {
	ch     chan Message
	closed chan struct{}
	once   sync.Once
}

func (s *memorySub) C() <-chan Message { return s.ch }

func (s *memorySub) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func (m *Memory) Publish(_ context.Context, channel string, value []byte) error {
	m.subMu.Lock()
	subs := append([]*memorySub(nil), m.subs[channel]...)
	m.subMu.Unlock()

	msg := Message{Channel: channel, Payload: append([]byte(nil), value...)}
	for _, s := range subs {
		select {
		case s.ch <- msg:
		case <-s.closed:
		default: // slow subscriber, drop rather than block the publisher
		}
	}
	return nil
}

func (m *Memory) Subscribe(_ context.Context, channels ...string) (Subscription, error) {
	sub := &memorySub{ch: make(chan Message, 64), closed: make(chan struct{})}
	m.subMu.Lock()
	for _, ch := range channels {
		m.subs[ch] = append(m.subs[ch], sub)
	}
	m.subMu.Unlock()

	go func() {
		<-sub.closed
		m.subMu.Lock()
		for _, ch := range channels {
			list := m.subs[ch]
			for i, s := range list {
				if s == sub {
					m.subs[ch] = append(list[:i], list[i+1:]...)
					break
				}
			}
		}
		m.subMu.Unlock()
	}()

	return sub, nil
}

func (m *Memory) ScanMatch(_ context.Context, pattern string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[string]struct{})
	for k := range m.kv {
		seen[k] = struct{}{}
	}
	for k := range m.hashes {
		seen[k] = struct{}{}
	}
	for k := range m.sets {
		seen[k] = struct{}{}
	}
	for k := range m.lists {
		seen[k] = struct{}{}
	}

	var out []string
	for k := range seen {
		if globMatch(pattern, k) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

// globMatch supports the subset of glob syntax redis SCAN MATCH needs for
// this core: '*' as a wildcard, everything else literal.
func globMatch(pattern, s string) bool {
	parts := strings.Split(pattern, "*")
	if len(parts) == 1 {
		return pattern == s
	}
	if !strings.HasPrefix(s, parts[0]) {
		return false
	}
	s = s[len(parts[0]):]
	for i := 1; i < len(parts)-1; i++ {
		idx := strings.Index(s, parts[i])
		if idx < 0 {
			return false
		}
		s = s[idx+len(parts[i]):]
	}
	last := parts[len(parts)-1]
	return strings.HasSuffix(s, last)
}

func (m *Memory) PipelineHashMSet(ctx context.Context, batch []KeyFields) error {
	for _, kf := range batch {
		if err := m.HashMSet(ctx, kf.Key, kf.Fields); err != nil {
			return coreerr.New(coreerr.Storage, "PipelineHashMSet", err)
		}
	}
	return nil
}

func (m *Memory) TimeMillis(_ context.Context) (int64, error) {
	return time.Now().UnixMilli(), nil
}

var _ Rtdb = (*Memory)(nil)
