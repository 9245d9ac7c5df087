package oria

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/go-faster/errors"
	"github.com/sirupsen/logrus"
)

var identifierRE = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

func checkIdentifiers(names ...string) error {
	for _, n := range names {
		if !identifierRE.MatchString(n) {
			return errors.Errorf("invalid SQL identifier %q", n)
		}
	}
	return nil
}

// KeyCache memoizes natural key to surrogate id lookups for one run.
type KeyCache[K comparable] struct {
	name string
	mu   sync.RWMutex
	ids  map[K]int64
}

func NewKeyCache[K comparable](name string) *KeyCache[K] {
	return &KeyCache[K]{name: name, ids: make(map[K]int64)}
}

func (c *KeyCache[K]) Get(key K) (int64, bool) {
	c.mu.RLock()
	id, ok := c.ids[key]
	c.mu.RUnlock()
	recordCacheRequest(c.name, ok)
	return id, ok
}

func (c *KeyCache[K]) Set(key K, id int64) {
	c.mu.Lock()
	c.ids[key] = id
	c.mu.Unlock()
}

func (c *KeyCache[K]) Invalidate(key K) {
	c.mu.Lock()
	delete(c.ids, key)
	c.mu.Unlock()
	recordCacheInvalidate(c.name)
}

func (c *KeyCache[K]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.ids)
}

// Columns maps column names to values for GetOrSetID.
type Columns map[string]any

func (cols Columns) names() []string {
	names := make([]string, 0, len(cols))
	for n := range cols {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// FetchID returns the id of the row in table whose column equals value. The
// cache, when given, is consulted first and updated on a hit.
func FetchID[K comparable](ctx context.Context, c *Conn, table, column string, value K, cache *KeyCache[K]) (int64, bool, error) {
	if cache != nil {
		if id, ok := cache.Get(value); ok {
			return id, true, nil
		}
	}
	if err := checkIdentifiers(table, column); err != nil {
		return 0, false, err
	}

	var id int64
	found, err := c.Read(ctx, &id, "SELECT id FROM "+table+" WHERE "+column+" = ?", value)
	if err != nil || !found {
		return 0, false, err
	}
	if cache != nil {
		cache.Set(value, id)
	}
	return id, true, nil
}

// GetOrSetID finds the row of table identified by columns[key], creating it
// from columns when it does not exist, and returns its id. Only key is used
// for lookup; the other columns are written on creation only.
func GetOrSetID[K comparable](ctx context.Context, c *Conn, cache *KeyCache[K], table, key string, cols Columns) (int64, error) {
	raw, ok := cols[key]
	if !ok {
		return 0, errors.Errorf("%s: key column %q missing from columns", table, key)
	}
	value, ok := raw.(K)
	if !ok {
		return 0, errors.Errorf("%s: key column %q has type %T", table, key, raw)
	}

	if id, ok := cache.Get(value); ok {
		if c.debug {
			c.log.WithFields(logrus.Fields{"table": table, key: value}).Debug("found in cache")
		}
		return id, nil
	}

	names := cols.names()
	if err := checkIdentifiers(append([]string{table}, names...)...); err != nil {
		return 0, err
	}

	id, found, err := FetchID[K](ctx, c, table, key, value, nil)
	if err != nil {
		return 0, err
	}
	if found {
		cache.Set(value, id)
		return id, nil
	}

	values := make([]any, len(names))
	for i, n := range names {
		values[i] = cols[n]
	}
	stmt := "INSERT INTO " + table + " (" + strings.Join(names, ", ") + ") VALUES (" +
		strings.TrimSuffix(strings.Repeat("?, ", len(names)), ", ") + ")"
	if _, err := c.Write(ctx, stmt, values...); err != nil {
		return 0, err
	}

	id, found, err = FetchID[K](ctx, c, table, key, value, nil)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, errors.Wrapf(ErrLookup, "%s: %s (%v)", table, key, value)
	}
	cache.Set(value, id)
	return id, nil
}
