package scheduler

import (
	"sort"
	"sync"
	"time"
)

// keyedMutex hands out one mutex per key so unrelated sessions never serialize on each other.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyedEntry)}
}

// Lock blocks until key is held and returns the release function.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	entry, ok := k.locks[key]
	if !ok {
		entry = &keyedEntry{}
		k.locks[key] = entry
	}
	entry.refs++
	k.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		k.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// LockAll acquires every key in sorted order so concurrent callers cannot deadlock.
func (k *keyedMutex) LockAll(keys []string) func() {
	unique := make([]string, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		unique = append(unique, key)
	}
	sort.Strings(unique)

	releases := make([]func(), 0, len(unique))
	for _, key := range unique {
		releases = append(releases, k.Lock(key))
	}
	return func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}
}

func sessionLockKey(id string) string {
	return "session:" + id
}

func resourceLockKeys(refs ...ResourceRefs) []string {
	var keys []string
	for _, r := range refs {
		for _, key := range r.Keys() {
			keys = append(keys, "resource:"+key.String())
		}
	}
	return keys
}

const secondsPerDay = 24 * 60 * 60

func dayNumber(t time.Time) int64 {
	unix := t.Unix()
	day := unix / secondsPerDay
	if unix%secondsPerDay < 0 {
		day--
	}
	return day
}

// resourceIndex buckets occupying sessions by resource and UTC day so a check only visits the
// sessions a resource holds on the days the candidate touches.
type resourceIndex struct {
	buckets map[ResourceKey]map[int64]map[string]struct{}
}

func newResourceIndex() *resourceIndex {
	return &resourceIndex{buckets: make(map[ResourceKey]map[int64]map[string]struct{})}
}

func spanDays(r TimeRange) (int64, int64) {
	first := dayNumber(r.Start)
	last := dayNumber(r.End.Add(-time.Nanosecond))
	if last < first {
		last = first
	}
	return first, last
}

func (x *resourceIndex) add(s Session) {
	if !s.Status.Occupies() {
		return
	}
	first, last := spanDays(s.Range())
	for _, key := range s.Resources.Keys() {
		days, ok := x.buckets[key]
		if !ok {
			days = make(map[int64]map[string]struct{})
			x.buckets[key] = days
		}
		for d := first; d <= last; d++ {
			ids, ok := days[d]
			if !ok {
				ids = make(map[string]struct{})
				days[d] = ids
			}
			ids[s.ID] = struct{}{}
		}
	}
}

func (x *resourceIndex) remove(s Session) {
	first, last := spanDays(s.Range())
	for _, key := range s.Resources.Keys() {
		days, ok := x.buckets[key]
		if !ok {
			continue
		}
		for d := first; d <= last; d++ {
			if ids, ok := days[d]; ok {
				delete(ids, s.ID)
				if len(ids) == 0 {
					delete(days, d)
				}
			}
		}
		if len(days) == 0 {
			delete(x.buckets, key)
		}
	}
}

func (x *resourceIndex) candidates(key ResourceKey, window TimeRange) map[string]struct{} {
	days, ok := x.buckets[key]
	if !ok {
		return nil
	}
	out := make(map[string]struct{})
	first, last := spanDays(window)
	for d := first; d <= last; d++ {
		for id := range days[d] {
			out[id] = struct{}{}
		}
	}
	return out
}

// Sequencer issues strictly increasing server stamps derived from the clock.
type Sequencer struct {
	mu   sync.Mutex
	last int64
	now  func() time.Time
}

// NewSequencer constructs a Sequencer. A nil clock uses time.Now.
func NewSequencer(now func() time.Time) *Sequencer {
	if now == nil {
		now = time.Now
	}
	return &Sequencer{now: now}
}

// Next returns a stamp greater than every stamp previously returned.
func (s *Sequencer) Next() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	stamp := s.now().UnixNano()
	if stamp <= s.last {
		stamp = s.last + 1
	}
	s.last = stamp
	return stamp
}
