package storage

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// MetadataKey is the document key holding collection metadata.
const MetadataKey = "__metadata"

// Record is a single JSON object stored under a collection key.
type Record map[string]any

// Entry is a key/record pair in collection order.
type Entry struct {
	Key    string
	Record Record
}

// Metadata tracks key allocation for a collection.
type Metadata struct {
	// NextKey is the next integer key handed out by Add. It only grows.
	NextKey int64
	// LastInsertedKey is the key of the most recent Set or Add.
	LastInsertedKey *string
}

type metadataJSON struct {
	NextKey         int64 `json:"nextKey"`
	LastInsertedKey any   `json:"lastInsertedKey"`
}

// Collection is the in-memory view of a locked collection. It is owned by a
// single caller for the lifetime of the lock and is not safe for concurrent
// use. Records handed out by the accessors belong to the collection: change
// them through Set, Update or Put.
type Collection struct {
	name          string
	lease         Lease
	data          *orderedmap.OrderedMap[string, Record]
	meta          Metadata
	hasMeta       bool
	autoIncrement bool
	closed        bool
}

func newCollection(name string, lease Lease, autoIncrement bool) *Collection {
	return &Collection{
		name:          name,
		lease:         lease,
		data:          orderedmap.New[string, Record](),
		hasMeta:       true,
		autoIncrement: autoIncrement,
	}
}

// IntKey formats an integer key.
func IntKey(id int64) string {
	return strconv.FormatInt(id, 10)
}

// Name returns the collection name.
func (c *Collection) Name() string { return c.name }

// Len returns the number of records.
func (c *Collection) Len() int { return c.data.Len() }

// NextKey returns the next key Add will allocate.
func (c *Collection) NextKey() int64 { return c.meta.NextKey }

// LastInsertedKey returns the key of the most recent insert.
func (c *Collection) LastInsertedKey() (string, bool) {
	if c.meta.LastInsertedKey == nil {
		return "", false
	}
	return *c.meta.LastInsertedKey, true
}

// Get returns the record stored under key.
func (c *Collection) Get(key string) (Record, bool) {
	return c.data.Get(key)
}

// Exists reports whether key is present.
func (c *Collection) Exists(key string) bool {
	_, ok := c.data.Get(key)
	return ok
}

// Keys returns all keys in collection order.
func (c *Collection) Keys() []string {
	keys := make([]string, 0, c.data.Len())
	for pair := c.data.Oldest(); pair != nil; pair = pair.Next() {
		keys = append(keys, pair.Key)
	}
	return keys
}

// All returns every entry in collection order.
func (c *Collection) All() []Entry {
	entries := make([]Entry, 0, c.data.Len())
	for pair := c.data.Oldest(); pair != nil; pair = pair.Next() {
		entries = append(entries, Entry{Key: pair.Key, Record: pair.Value})
	}
	return entries
}

// Each calls fn for every entry in collection order. fn must not modify the
// collection.
func (c *Collection) Each(fn func(key string, rec Record)) {
	for pair := c.data.Oldest(); pair != nil; pair = pair.Next() {
		fn(pair.Key, pair.Value)
	}
}

// Filter keeps only the entries for which keep returns true and reports how
// many were removed.
func (c *Collection) Filter(keep func(key string, rec Record) bool) int {
	var drop []string
	for pair := c.data.Oldest(); pair != nil; pair = pair.Next() {
		if !keep(pair.Key, pair.Value) {
			drop = append(drop, pair.Key)
		}
	}
	for _, key := range drop {
		c.data.Delete(key)
	}
	return len(drop)
}

// Set stores rec under key, replacing any previous record. A new key consumes
// an id from the counter when auto-increment is enabled.
func (c *Collection) Set(key string, rec Record) {
	c.meta.LastInsertedKey = &key
	if _, ok := c.data.Get(key); !ok && c.autoIncrement {
		rec = withID(rec, c.meta.NextKey)
		c.meta.NextKey++
	}
	c.data.Set(key, rec)
}

// Add stores rec under the next integer key and returns that key.
func (c *Collection) Add(rec Record) int64 {
	id := c.meta.NextKey
	c.meta.NextKey++
	key := IntKey(id)
	c.meta.LastInsertedKey = &key
	if c.autoIncrement {
		rec = withID(rec, id)
	}
	c.data.Set(key, rec)
	return id
}

// Update shallow-merges partial into the record under key, creating it when
// absent.
func (c *Collection) Update(key string, partial Record) {
	existing, _ := c.data.Get(key)
	merged := make(Record, len(existing)+len(partial))
	for k, v := range existing {
		merged[k] = v
	}
	for k, v := range partial {
		merged[k] = v
	}
	c.data.Set(key, merged)
}

// Put recursively merges partial into the record under key, creating it when
// absent. Nested objects are merged, lists are appended and any other value
// replaces the previous one.
func (c *Collection) Put(key string, partial Record) {
	existing, _ := c.data.Get(key)
	c.data.Set(key, Record(mergeRecursive(existing, partial)))
}

// Remove deletes key and reports whether it was present.
func (c *Collection) Remove(key string) bool {
	_, ok := c.data.Delete(key)
	return ok
}

// Empty removes every record. Metadata is kept so ids are never reused.
func (c *Collection) Empty() {
	c.data = orderedmap.New[string, Record]()
}

// Sort reorders the collection. With an empty field entries are ordered by
// key, comparing integer keys numerically; otherwise by the named field.
// Keys are preserved and equal elements keep their relative order.
func (c *Collection) Sort(field string) {
	entries := c.All()
	sort.SliceStable(entries, func(i, j int) bool {
		if field == "" {
			return compareKeys(entries[i].Key, entries[j].Key) < 0
		}
		return Compare(entries[i].Record[field], entries[j].Record[field]) < 0
	})
	sorted := orderedmap.New[string, Record]()
	for _, e := range entries {
		sorted.Set(e.Key, e.Record)
	}
	c.data = sorted
}

// Max returns the key of the record with the greatest value in field.
// Records without the field are skipped.
func (c *Collection) Max(field string) (string, bool) {
	return c.extreme(field, 1)
}

// Min returns the key of the record with the smallest value in field.
func (c *Collection) Min(field string) (string, bool) {
	return c.extreme(field, -1)
}

func (c *Collection) extreme(field string, sign int) (string, bool) {
	var (
		bestKey string
		best    any
		found   bool
	)
	for pair := c.data.Oldest(); pair != nil; pair = pair.Next() {
		v, ok := pair.Value[field]
		if !ok {
			continue
		}
		if !found || Compare(v, best)*sign > 0 {
			bestKey, best, found = pair.Key, v, true
		}
	}
	return bestKey, found
}

// Save persists the full collection, replacing the stored document.
func (c *Collection) Save(ctx context.Context) error {
	if c.closed {
		return ErrClosed
	}
	doc, err := c.encode()
	if err != nil {
		return fmt.Errorf("%w: encode collection %q: %w", ErrStorage, c.name, err)
	}
	if err := c.lease.Store(ctx, doc); err != nil {
		return fmt.Errorf("%w: save collection %q: %w", ErrStorage, c.name, err)
	}
	return nil
}

// Close releases the lock. Unsaved changes are discarded.
func (c *Collection) Close(ctx context.Context) error {
	if c.closed {
		return nil
	}
	c.closed = true
	if err := c.lease.Release(ctx); err != nil {
		return fmt.Errorf("%w: release collection %q: %w", ErrStorage, c.name, err)
	}
	return nil
}

func (c *Collection) encode() ([]byte, error) {
	doc := orderedmap.New[string, any]()
	for pair := c.data.Oldest(); pair != nil; pair = pair.Next() {
		doc.Set(pair.Key, pair.Value)
	}
	if c.hasMeta {
		meta := metadataJSON{NextKey: c.meta.NextKey}
		if c.meta.LastInsertedKey != nil {
			meta.LastInsertedKey = *c.meta.LastInsertedKey
		}
		doc.Set(MetadataKey, meta)
	}
	return json.Marshal(doc)
}

func (c *Collection) decode(raw []byte) error {
	doc := orderedmap.New[string, json.RawMessage]()
	if err := json.Unmarshal(raw, doc); err != nil {
		return err
	}

	c.hasMeta = false
	for pair := doc.Oldest(); pair != nil; pair = pair.Next() {
		if pair.Key == MetadataKey {
			var meta metadataJSON
			if err := json.Unmarshal(pair.Value, &meta); err != nil {
				return fmt.Errorf("metadata: %w", err)
			}
			c.meta.NextKey = meta.NextKey
			c.meta.LastInsertedKey = keyString(meta.LastInsertedKey)
			c.hasMeta = true
			continue
		}
		var rec Record
		if err := json.Unmarshal(pair.Value, &rec); err != nil {
			return fmt.Errorf("record %q: %w", pair.Key, err)
		}
		c.data.Set(pair.Key, rec)
	}
	if !c.hasMeta {
		// Documents written without metadata never had ids assigned.
		c.autoIncrement = false
	}
	return nil
}

func keyString(v any) *string {
	var s string
	switch k := v.(type) {
	case nil:
		return nil
	case string:
		s = k
	case float64:
		s = strconv.FormatFloat(k, 'f', -1, 64)
	default:
		s = fmt.Sprint(k)
	}
	return &s
}

func withID(rec Record, id int64) Record {
	out := make(Record, len(rec)+1)
	for k, v := range rec {
		out[k] = v
	}
	out["id"] = id
	return out
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case Record:
		return m, true
	case map[string]any:
		return m, true
	}
	return nil, false
}

func mergeRecursive(dst, src map[string]any) map[string]any {
	out := make(map[string]any, len(dst)+len(src))
	for k, v := range dst {
		out[k] = v
	}
	for k, v := range src {
		prev, ok := out[k]
		if !ok {
			out[k] = v
			continue
		}
		if pm, ok := asMap(prev); ok {
			if vm, ok := asMap(v); ok {
				out[k] = mergeRecursive(pm, vm)
				continue
			}
		}
		if pl, ok := prev.([]any); ok {
			if vl, ok := v.([]any); ok {
				merged := make([]any, 0, len(pl)+len(vl))
				out[k] = append(append(merged, pl...), vl...)
				continue
			}
		}
		out[k] = v
	}
	return out
}

func compareKeys(a, b string) int {
	ai, aerr := strconv.ParseInt(a, 10, 64)
	bi, berr := strconv.ParseInt(b, 10, 64)
	switch {
	case aerr == nil && berr == nil:
		return cmp.Compare(ai, bi)
	case aerr == nil:
		return -1
	case berr == nil:
		return 1
	}
	return strings.Compare(a, b)
}
