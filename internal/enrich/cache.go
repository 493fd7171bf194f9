// Package enrich joins option ticks with the latest polled analytics and
// republishes them to the features stream.
package enrich

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dgnsrekt/mdlake/internal/model"
	"github.com/dgnsrekt/mdlake/internal/stream"
)

type cacheKey struct {
	underlying string
	expiry     string
}

type cacheEntry struct {
	greeks  map[string]model.Greeks
	fetched time.Time
}

// Cache is a read-through, time-boxed cache of the latest analytics snapshot
// per (underlying, expiry). An entry is re-fetched from the keyed store only
// when absent or older than the refresh interval. A missing or unparsable
// snapshot is absorbed as an empty map, never an error.
//
// The cache is owned by a single processing loop; wrap it in a mutex before
// sharing it across goroutines.
type Cache struct {
	store   stream.Store
	refresh time.Duration
	logger  *zap.Logger
	now     func() time.Time

	entries map[cacheKey]cacheEntry
}

func NewCache(store stream.Store, refresh time.Duration, logger *zap.Logger) *Cache {
	return &Cache{
		store:   store,
		refresh: refresh,
		logger:  logger,
		now:     time.Now,
		entries: make(map[cacheKey]cacheEntry),
	}
}

// Greeks returns the analytics for one contract, or the zero value when the
// snapshot has no entry for it.
func (c *Cache) Greeks(ctx context.Context, underlying, expiry, tradingsymbol string) model.Greeks {
	k := cacheKey{underlying: underlying, expiry: expiry}
	entry, ok := c.entries[k]
	if !ok || c.now().Sub(entry.fetched) > c.refresh {
		entry = cacheEntry{greeks: c.load(ctx, underlying, expiry), fetched: c.now()}
		c.entries[k] = entry
	}
	return entry.greeks[tradingsymbol]
}

// load fetches and flattens the latest snapshot list into a per-contract map.
func (c *Cache) load(ctx context.Context, underlying, expiry string) map[string]model.Greeks {
	raw, err := c.store.GetLatest(ctx, model.LatestGreeksKey(underlying, expiry))
	if err != nil {
		c.logger.Warn("greeks snapshot fetch failed",
			zap.String("underlying", underlying),
			zap.String("expiry", expiry),
			zap.Error(err),
		)
		return map[string]model.Greeks{}
	}
	if raw == "" {
		return map[string]model.Greeks{}
	}
	return parseSnapshot([]byte(raw))
}

func parseSnapshot(raw []byte) map[string]model.Greeks {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var items []map[string]any
	if err := dec.Decode(&items); err != nil {
		return map[string]model.Greeks{}
	}

	out := make(map[string]model.Greeks, len(items))
	for _, item := range items {
		norm := lowerKeys(item)
		tsym := stringValue(norm["tradingsymbol"])
		if tsym == "" {
			tsym = stringValue(norm["symbol"])
		}
		if tsym == "" {
			continue
		}
		iv := stringValue(norm["iv"])
		if iv == "" {
			iv = stringValue(norm["impliedvolatility"])
		}
		out[tsym] = model.Greeks{
			IV:    iv,
			Delta: stringValue(norm["delta"]),
			Gamma: stringValue(norm["gamma"]),
			Theta: stringValue(norm["theta"]),
			Vega:  stringValue(norm["vega"]),
		}
	}
	return out
}

func lowerKeys(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[strings.ToLower(k)] = v
	}
	return out
}

func stringValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	default:
		return ""
	}
}
