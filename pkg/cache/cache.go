// Package cache is the in-memory keyspace held by one cluster node.
//
// It stores strings, hashes, lists and sets with optional expiration and is
// safe for concurrent use. Besides the data commands it exposes the
// operations a node needs to take part in a slot cluster: listing keys by
// pattern or by hash slot, and exporting/importing the keys of a slot when
// the slot moves to another node.
//
//	c := cache.New()
//	defer c.Close()
//
//	c.Set("user:{42}:name", "ada", time.Hour)
//	name, ok := c.Get("user:{42}:name")
package cache

import (
	"errors"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/tidwall/match"

	"github.com/cachemir/clustermir/pkg/hash"
)

var (
	// ErrWrongType is returned when a key holds a value of another type.
	ErrWrongType = errors.New("WRONGTYPE Operation against a key holding the wrong kind of value")
	// ErrNotInteger is returned by the counter operations.
	ErrNotInteger = errors.New("value is not an integer or out of range")
	// ErrNoSuchKey is returned by Rename when the source is missing.
	ErrNoSuchKey = errors.New("no such key")
)

// ValueType is the type of a stored value.
type ValueType uint8

const (
	TypeString ValueType = iota // string
	TypeHash                    // map[string]string
	TypeList                    // []string
	TypeSet                     // map[string]struct{}
)

// String returns the name reported by the TYPE command.
func (t ValueType) String() string {
	switch t {
	case TypeString:
		return "string"
	case TypeHash:
		return "hash"
	case TypeList:
		return "list"
	case TypeSet:
		return "set"
	default:
		return "none"
	}
}

// Value is one entry. Data holds string, map[string]string, []string or
// map[string]struct{} depending on Type.
type Value struct {
	Data      any
	ExpiresAt time.Time
	Type      ValueType
}

func (v *Value) expired(now time.Time) bool {
	return !v.ExpiresAt.IsZero() && now.After(v.ExpiresAt)
}

// clone deep-copies v so an exported entry does not share maps or slices
// with the store.
func (v *Value) clone() *Value {
	out := &Value{ExpiresAt: v.ExpiresAt, Type: v.Type}
	switch d := v.Data.(type) {
	case string:
		out.Data = d
	case map[string]string:
		m := make(map[string]string, len(d))
		for k, x := range d {
			m[k] = x
		}
		out.Data = m
	case []string:
		out.Data = append([]string(nil), d...)
	case map[string]struct{}:
		m := make(map[string]struct{}, len(d))
		for k := range d {
			m[k] = struct{}{}
		}
		out.Data = m
	}
	return out
}

// Cache is a thread-safe keyspace.
type Cache struct {
	data map[string]*Value
	mu   sync.RWMutex

	stop     chan struct{}
	stopOnce sync.Once
}

// New creates a Cache and starts the expiration janitor, which runs every
// minute until Close.
func New() *Cache {
	return NewWithJanitor(time.Minute)
}

// NewWithJanitor is New with a custom janitor interval. A non-positive
// interval disables the janitor; expired keys are then dropped lazily.
func NewWithJanitor(interval time.Duration) *Cache {
	c := &Cache{
		data: make(map[string]*Value),
		stop: make(chan struct{}),
	}
	if interval > 0 {
		go c.janitor(interval)
	}
	return c
}

// Close stops the janitor. It is safe to call more than once.
func (c *Cache) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *Cache) janitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.purge()
		}
	}
}

func (c *Cache) purge() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	n := 0
	for key, v := range c.data {
		if v.expired(now) {
			delete(c.data, key)
			n++
		}
	}
	return n
}

// lookup returns the live value for key. Callers hold c.mu.
func (c *Cache) lookup(key string) *Value {
	v, ok := c.data[key]
	if !ok || v.expired(time.Now()) {
		return nil
	}
	return v
}

// lookupType returns the live value for key if it has type t, nil if the
// key is missing and ErrWrongType otherwise.
func (c *Cache) lookupType(key string, t ValueType) (*Value, error) {
	v := c.lookup(key)
	if v == nil {
		return nil, nil
	}
	if v.Type != t {
		return nil, ErrWrongType
	}
	return v, nil
}

// Get returns the string at key.
func (c *Cache) Get(key string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	v, err := c.lookupType(key, TypeString)
	if err != nil || v == nil {
		return "", false
	}
	return v.Data.(string), true
}

// Set stores a string. A ttl of 0 means no expiration.
func (c *Cache) Set(key, val string, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	v := &Value{Type: TypeString, Data: val}
	if ttl > 0 {
		v.ExpiresAt = time.Now().Add(ttl)
	}
	c.data[key] = v
}

// SetNX stores a string only if key does not exist.
func (c *Cache) SetNX(key, val string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.lookup(key) != nil {
		return false
	}
	c.data[key] = &Value{Type: TypeString, Data: val}
	return true
}

// Del removes keys and returns how many existed.
func (c *Cache) Del(keys ...string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, key := range keys {
		if c.lookup(key) != nil {
			n++
		}
		delete(c.data, key)
	}
	return n
}

// Exists returns how many of keys exist. Repeated keys count repeatedly.
func (c *Cache) Exists(keys ...string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	n := 0
	for _, key := range keys {
		if c.lookup(key) != nil {
			n++
		}
	}
	return n
}

// Type returns the type name of key, or "none".
func (c *Cache) Type(key string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	v := c.lookup(key)
	if v == nil {
		return "none"
	}
	return v.Type.String()
}

// Incr increments the integer at key by one.
func (c *Cache) Incr(key string) (int64, error) { return c.IncrBy(key, 1) }

// Decr decrements the integer at key by one.
func (c *Cache) Decr(key string) (int64, error) { return c.IncrBy(key, -1) }

// IncrBy adds delta to the integer at key. A missing key counts as 0 and
// the expiration of an existing key is preserved.
func (c *Cache) IncrBy(key string, delta int64) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	v, err := c.lookupType(key, TypeString)
	if err != nil {
		return 0, err
	}
	var cur int64
	if v != nil {
		cur, err = strconv.ParseInt(v.Data.(string), 10, 64)
		if err != nil {
			return 0, ErrNotInteger
		}
	} else {
		v = &Value{Type: TypeString}
		c.data[key] = v
	}
	cur += delta
	v.Data = strconv.FormatInt(cur, 10)
	return cur, nil
}

// Expire sets a ttl on an existing key.
func (c *Cache) Expire(key string, ttl time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	v := c.lookup(key)
	if v == nil {
		return false
	}
	v.ExpiresAt = time.Now().Add(ttl)
	return true
}

// TTL returns the remaining lifetime of key: -2 if it does not exist and -1
// if it has no expiration.
func (c *Cache) TTL(key string) time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()

	v := c.lookup(key)
	switch {
	case v == nil:
		return -2
	case v.ExpiresAt.IsZero():
		return -1
	default:
		return time.Until(v.ExpiresAt)
	}
}

// Persist removes the expiration of key.
func (c *Cache) Persist(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	v := c.lookup(key)
	if v == nil || v.ExpiresAt.IsZero() {
		return false
	}
	v.ExpiresAt = time.Time{}
	return true
}

// Rename moves src to dst, replacing dst.
func (c *Cache) Rename(src, dst string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	v := c.lookup(src)
	if v == nil {
		return ErrNoSuchKey
	}
	delete(c.data, src)
	c.data[dst] = v
	return nil
}

// HGet returns a hash field.
func (c *Cache) HGet(key, field string) (string, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	v, err := c.lookupType(key, TypeHash)
	if err != nil || v == nil {
		return "", false, err
	}
	val, ok := v.Data.(map[string]string)[field]
	return val, ok, nil
}

// HSet sets a hash field and reports whether the field is new.
func (c *Cache) HSet(key, field, val string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	v, err := c.lookupType(key, TypeHash)
	if err != nil {
		return false, err
	}
	if v == nil {
		v = &Value{Type: TypeHash, Data: make(map[string]string)}
		c.data[key] = v
	}
	m := v.Data.(map[string]string)
	_, existed := m[field]
	m[field] = val
	return !existed, nil
}

// HDel removes hash fields and returns how many existed.
func (c *Cache) HDel(key string, fields ...string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	v, err := c.lookupType(key, TypeHash)
	if err != nil || v == nil {
		return 0, err
	}
	m := v.Data.(map[string]string)
	n := 0
	for _, f := range fields {
		if _, ok := m[f]; ok {
			delete(m, f)
			n++
		}
	}
	if len(m) == 0 {
		delete(c.data, key)
	}
	return n, nil
}

// HGetAll returns a copy of the hash at key.
func (c *Cache) HGetAll(key string) (map[string]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	v, err := c.lookupType(key, TypeHash)
	if err != nil || v == nil {
		return map[string]string{}, err
	}
	return v.clone().Data.(map[string]string), nil
}

func (c *Cache) push(key string, front bool, values []string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	v, err := c.lookupType(key, TypeList)
	if err != nil {
		return 0, err
	}
	if v == nil {
		v = &Value{Type: TypeList, Data: []string{}}
		c.data[key] = v
	}
	list := v.Data.([]string)
	if front {
		head := make([]string, 0, len(values)+len(list))
		for i := len(values) - 1; i >= 0; i-- {
			head = append(head, values[i])
		}
		list = append(head, list...)
	} else {
		list = append(list, values...)
	}
	v.Data = list
	return len(list), nil
}

// LPush prepends values; the last value ends up first.
func (c *Cache) LPush(key string, values ...string) (int, error) {
	return c.push(key, true, values)
}

// RPush appends values.
func (c *Cache) RPush(key string, values ...string) (int, error) {
	return c.push(key, false, values)
}

func (c *Cache) pop(key string, front bool) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	v, err := c.lookupType(key, TypeList)
	if err != nil || v == nil {
		return "", false, err
	}
	list := v.Data.([]string)
	var item string
	if front {
		item, list = list[0], list[1:]
	} else {
		item, list = list[len(list)-1], list[:len(list)-1]
	}
	if len(list) == 0 {
		delete(c.data, key)
	} else {
		v.Data = list
	}
	return item, true, nil
}

// LPop removes and returns the first element.
func (c *Cache) LPop(key string) (string, bool, error) { return c.pop(key, true) }

// RPop removes and returns the last element.
func (c *Cache) RPop(key string) (string, bool, error) { return c.pop(key, false) }

// LLen returns the list length.
func (c *Cache) LLen(key string) (int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	v, err := c.lookupType(key, TypeList)
	if err != nil || v == nil {
		return 0, err
	}
	return len(v.Data.([]string)), nil
}

// LRange returns elements start..stop inclusive; negative indexes count
// from the end.
func (c *Cache) LRange(key string, start, stop int) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	v, err := c.lookupType(key, TypeList)
	if err != nil || v == nil {
		return []string{}, err
	}
	list := v.Data.([]string)
	n := len(list)
	if start < 0 {
		start = max(n+start, 0)
	}
	if stop < 0 {
		stop = n + stop
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop {
		return []string{}, nil
	}
	return append([]string(nil), list[start:stop+1]...), nil
}

// SAdd adds members and returns how many were new.
func (c *Cache) SAdd(key string, members ...string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	v, err := c.lookupType(key, TypeSet)
	if err != nil {
		return 0, err
	}
	if v == nil {
		v = &Value{Type: TypeSet, Data: make(map[string]struct{})}
		c.data[key] = v
	}
	set := v.Data.(map[string]struct{})
	n := 0
	for _, m := range members {
		if _, ok := set[m]; !ok {
			set[m] = struct{}{}
			n++
		}
	}
	return n, nil
}

// SRem removes members and returns how many existed.
func (c *Cache) SRem(key string, members ...string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	v, err := c.lookupType(key, TypeSet)
	if err != nil || v == nil {
		return 0, err
	}
	set := v.Data.(map[string]struct{})
	n := 0
	for _, m := range members {
		if _, ok := set[m]; ok {
			delete(set, m)
			n++
		}
	}
	if len(set) == 0 {
		delete(c.data, key)
	}
	return n, nil
}

// SMembers returns the members of a set, sorted.
func (c *Cache) SMembers(key string) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	v, err := c.lookupType(key, TypeSet)
	if err != nil || v == nil {
		return []string{}, err
	}
	return sortedMembers(v.Data.(map[string]struct{})), nil
}

// SIsMember reports whether member is in the set.
func (c *Cache) SIsMember(key, member string) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	v, err := c.lookupType(key, TypeSet)
	if err != nil || v == nil {
		return false, err
	}
	_, ok := v.Data.(map[string]struct{})[member]
	return ok, nil
}

// SInter returns the sorted intersection of the sets at keys. A missing key
// is an empty set.
func (c *Cache) SInter(keys ...string) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var acc map[string]struct{}
	for i, key := range keys {
		v, err := c.lookupType(key, TypeSet)
		if err != nil {
			return nil, err
		}
		if v == nil {
			return []string{}, nil
		}
		set := v.Data.(map[string]struct{})
		if i == 0 {
			acc = make(map[string]struct{}, len(set))
			for m := range set {
				acc[m] = struct{}{}
			}
			continue
		}
		for m := range acc {
			if _, ok := set[m]; !ok {
				delete(acc, m)
			}
		}
	}
	return sortedMembers(acc), nil
}

func sortedMembers(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for m := range set {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// Keys returns the live keys matching a glob pattern, sorted.
func (c *Cache) Keys(pattern string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := time.Now()
	var out []string
	for key, v := range c.data {
		if v.expired(now) {
			continue
		}
		if pattern == "" || pattern == "*" || match.Match(key, pattern) {
			out = append(out, key)
		}
	}
	sort.Strings(out)
	return out
}

// KeysInSlot returns the live keys hashing to slot, sorted.
func (c *Cache) KeysInSlot(slot int) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := time.Now()
	var out []string
	for key, v := range c.data {
		if !v.expired(now) && hash.Slot(key) == slot {
			out = append(out, key)
		}
	}
	sort.Strings(out)
	return out
}

// SlotIndex groups the live keys by hash slot. Keys within a slot are
// sorted.
func (c *Cache) SlotIndex() map[int][]string {
	c.mu.RLock()
	now := time.Now()
	idx := make(map[int][]string)
	for key, v := range c.data {
		if !v.expired(now) {
			slot := hash.Slot(key)
			idx[slot] = append(idx[slot], key)
		}
	}
	c.mu.RUnlock()

	for _, keys := range idx {
		sort.Strings(keys)
	}
	return idx
}

// CountKeysInSlot returns the number of live keys hashing to slot.
func (c *Cache) CountKeysInSlot(slot int) int {
	return len(c.KeysInSlot(slot))
}

// DBSize returns the number of live keys.
func (c *Cache) DBSize() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := time.Now()
	n := 0
	for _, v := range c.data {
		if !v.expired(now) {
			n++
		}
	}
	return n
}

// Flush removes every key.
func (c *Cache) Flush() {
	c.mu.Lock()
	c.data = make(map[string]*Value)
	c.mu.Unlock()
}

// Export removes and returns the live entries whose key satisfies keep.
// The caller owns the returned values.
func (c *Cache) Export(keep func(key string) bool) map[string]*Value {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	out := make(map[string]*Value)
	for key, v := range c.data {
		if v.expired(now) || !keep(key) {
			continue
		}
		out[key] = v
		delete(c.data, key)
	}
	return out
}

// Snapshot returns copies of the live entries whose key satisfies keep,
// leaving them in place.
func (c *Cache) Snapshot(keep func(key string) bool) map[string]*Value {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := time.Now()
	out := make(map[string]*Value)
	for key, v := range c.data {
		if !v.expired(now) && keep(key) {
			out[key] = v.clone()
		}
	}
	return out
}

// Import stores entries, replacing existing keys.
func (c *Cache) Import(entries map[string]*Value) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, v := range entries {
		c.data[key] = v
	}
}

// Stats reports the key count broken down by type.
func (c *Cache) Stats() map[string]int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := time.Now()
	stats := map[string]int{"total_keys": 0}
	for _, v := range c.data {
		if v.expired(now) {
			stats["expired_keys"]++
			continue
		}
		stats["total_keys"]++
		stats[v.Type.String()+"_keys"]++
	}
	return stats
}
