package polling

import (
	"bytes"
	"encoding/json"
	"reflect"
	"sync"
)

// Cache holds the last snapshot fetched for each polling key. Values are
// stored and returned as deep copies.
type Cache struct {
	mu    sync.Mutex
	items map[string]any
}

// NewCache returns an empty cache.
func NewCache() *Cache {
	return &Cache{items: make(map[string]any)}
}

// Get returns a copy of the snapshot stored under key.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	v, ok := c.items[key]
	c.mu.Unlock()
	if !ok {
		return nil, false
	}
	return clone(v), true
}

// Set stores a deep copy of v under key.
func (c *Cache) Set(key string, v any) {
	cp := clone(v)
	c.mu.Lock()
	c.items[key] = cp
	c.mu.Unlock()
}

// Delete forgets the snapshot of key.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	delete(c.items, key)
	c.mu.Unlock()
}

// Clear forgets every snapshot.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.items = make(map[string]any)
	c.mu.Unlock()
}

// Len returns the number of stored snapshots.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// HasChanged reports whether two snapshots differ. Object key order never
// counts as a difference. Snapshots that cannot be encoded are treated as
// changed.
func HasChanged(prev, next any) bool {
	prevNil, nextNil := isNil(prev), isNil(next)
	if prevNil && nextNil {
		return false
	}
	if prevNil || nextNil {
		return true
	}
	a, err := canonical(prev)
	if err != nil {
		return true
	}
	b, err := canonical(next)
	if err != nil {
		return true
	}
	return !bytes.Equal(a, b)
}

// canonical re-encodes v through a generic value, which sorts object keys
// at every depth and erases struct-versus-map differences.
func canonical(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}
	return json.Marshal(generic)
}

// clone copies v through a JSON round trip into a fresh value of the same
// dynamic type. Values that do not survive the round trip are kept as is.
func clone(v any) any {
	if isNil(v) {
		return v
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	ptr := reflect.New(reflect.TypeOf(v))
	if err := json.Unmarshal(raw, ptr.Interface()); err != nil {
		return v
	}
	return ptr.Elem().Interface()
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface, reflect.Func, reflect.Chan:
		return rv.IsNil()
	}
	return false
}
