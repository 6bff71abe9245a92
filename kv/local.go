package kv

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// LocalStore keeps the kv state in process memory. It is a single-instance
// approximation of the redis store; expirations are enforced lazily on
// access.
type LocalStore struct {
	mu     sync.Mutex
	values map[string]localValue
	sets   map[string]map[string]struct{}
	lists  map[string][]string
	now    func() time.Time
}

type localValue struct {
	value     string
	expiresAt time.Time
}

func (v localValue) expired(now time.Time) bool {
	return !v.expiresAt.IsZero() && now.After(v.expiresAt)
}

func NewLocal() *LocalStore {
	return &LocalStore{
		values: make(map[string]localValue),
		sets:   make(map[string]map[string]struct{}),
		lists:  make(map[string][]string),
		now:    time.Now,
	}
}

func (s *LocalStore) Ping(_ context.Context) error { return nil }
func (s *LocalStore) Close() error                 { return nil }

// liveValue drops the entry when it is past its expiry and reports whether a
// live value remains. Callers hold s.mu.
func (s *LocalStore) liveValue(key string) (localValue, bool) {
	v, ok := s.values[key]
	if !ok {
		return localValue{}, false
	}
	if v.expired(s.now()) {
		delete(s.values, key)
		return localValue{}, false
	}
	return v, true
}

func (s *LocalStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.liveValue(key)
	if !ok {
		return "", false, nil
	}
	return v.value, true, nil
}

func (s *LocalStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = localValue{value: value, expiresAt: s.expiry(ttl)}
	return nil
}

func (s *LocalStore) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.liveValue(key); ok {
		return false, nil
	}
	s.values[key] = localValue{value: value, expiresAt: s.expiry(ttl)}
	return true, nil
}

func (s *LocalStore) Del(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		delete(s.values, key)
		delete(s.sets, key)
		delete(s.lists, key)
	}
	return nil
}

func (s *LocalStore) Exists(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.liveValue(key); ok {
		return true, nil
	}
	if _, ok := s.sets[key]; ok {
		return true, nil
	}
	if _, ok := s.lists[key]; ok {
		return true, nil
	}
	return false, nil
}

func (s *LocalStore) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.liveValue(key)
	if !ok {
		s.values[key] = localValue{value: "1", expiresAt: s.expiry(ttl)}
		return 1, nil
	}
	n, err := strconv.ParseInt(v.value, 10, 64)
	if err != nil {
		return 0, errors.Wrap(err, "value is not an integer")
	}
	n++
	v.value = strconv.FormatInt(n, 10)
	s.values[key] = v
	return n, nil
}

func (s *LocalStore) SAdd(_ context.Context, key string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.sets[key]
	if !ok {
		set = make(map[string]struct{})
		s.sets[key] = set
	}
	for _, m := range members {
		set[m] = struct{}{}
	}
	return nil
}

func (s *LocalStore) SRem(_ context.Context, key string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.sets[key]
	if !ok {
		return nil
	}
	for _, m := range members {
		delete(set, m)
	}
	if len(set) == 0 {
		delete(s.sets, key)
	}
	return nil
}

func (s *LocalStore) SIsMember(_ context.Context, key, member string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.sets[key]
	if !ok {
		return false, nil
	}
	_, ok = set[member]
	return ok, nil
}

func (s *LocalStore) LPush(_ context.Context, key string, values ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.lists[key]
	for _, v := range values {
		list = append([]string{v}, list...)
	}
	s.lists[key] = list
	return nil
}

func (s *LocalStore) LTrim(_ context.Context, key string, start, stop int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list, ok := s.lists[key]
	if !ok {
		return nil
	}
	lo, hi, empty := normalizeRange(start, stop, int64(len(list)))
	if empty {
		delete(s.lists, key)
		return nil
	}
	s.lists[key] = list[lo : hi+1]
	return nil
}

func (s *LocalStore) LRange(_ context.Context, key string, start, stop int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list, ok := s.lists[key]
	if !ok {
		return nil, nil
	}
	lo, hi, empty := normalizeRange(start, stop, int64(len(list)))
	if empty {
		return nil, nil
	}
	out := make([]string, hi-lo+1)
	copy(out, list[lo:hi+1])
	return out, nil
}

func (s *LocalStore) Eval(_ context.Context, _ string, _ []string, _ ...any) (any, error) {
	return nil, ErrScriptsUnsupported
}

func (s *LocalStore) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return s.now().Add(ttl)
}

// normalizeRange resolves redis-style negative indexes against a list of the
// given length and clamps the result to valid bounds.
func normalizeRange(start, stop, length int64) (int64, int64, bool) {
	if length == 0 {
		return 0, 0, true
	}
	if start < 0 {
		start += length
	}
	if stop < 0 {
		stop += length
	}
	if start < 0 {
		start = 0
	}
	if stop >= length {
		stop = length - 1
	}
	if start > stop || start >= length || stop < 0 {
		return 0, 0, true
	}
	return start, stop, false
}
