// Package poller periodically fetches option analytics for every active
// (underlying, expiry) pair the feed producer published, appends a snapshot
// to the greeks stream, and caches the flattened latest copy for the joiner.
package poller

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/dgnsrekt/mdlake/internal/broker"
	"github.com/dgnsrekt/mdlake/internal/catalog"
	"github.com/dgnsrekt/mdlake/internal/model"
	"github.com/dgnsrekt/mdlake/internal/stream"
)

// Fetcher is the analytics endpoint. Implementations may be rebuilt after a
// session expiry via the Reauth hook.
type Fetcher interface {
	FetchGreeks(ctx context.Context, name, expiry string) (json.RawMessage, error)
}

type Config struct {
	Stream    string
	MaxLen    int64
	Interval  time.Duration
	LatestTTL time.Duration
}

type Poller struct {
	log    stream.Log
	store  stream.Store
	fetch  Fetcher
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	// Reauth rebuilds the fetcher after a session expiry; nil disables
	// recovery and surfaces the expiry as a skipped cycle.
	Reauth func(ctx context.Context) (Fetcher, error)
}

func New(log stream.Log, store stream.Store, fetch Fetcher, cfg Config, logger *zap.Logger) *Poller {
	return &Poller{
		log:    log,
		store:  store,
		fetch:  fetch,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

// Run polls until ctx is cancelled. All per-underlying failures are
// transient: logged, skipped, and retried on the next cycle.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	p.pollOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("poller stopping")
			return nil
		case <-ticker.C:
			p.pollOnce(ctx)
		}
	}
}

func (p *Poller) pollOnce(ctx context.Context) {
	active, err := p.store.GetMeta(ctx, model.ActiveExpiryKey)
	if err != nil {
		p.logger.Warn("reading active expiry mapping failed", zap.Error(err))
		return
	}
	if len(active) == 0 {
		p.logger.Debug("no active expiries published yet")
		return
	}

	underlyings := make([]string, 0, len(active))
	for u := range active {
		underlyings = append(underlyings, u)
	}
	sort.Strings(underlyings)

	for _, underlying := range underlyings {
		if ctx.Err() != nil {
			return
		}
		p.pollUnderlying(ctx, underlying, active[underlying])
	}
}

func (p *Poller) pollUnderlying(ctx context.Context, underlying, expiryISO string) {
	expiry, err := catalog.FormatExpiry(expiryISO)
	if err != nil {
		p.logger.Warn("bad active expiry", zap.String("underlying", underlying), zap.Error(err))
		return
	}

	data, err := p.fetch.FetchGreeks(ctx, underlying, expiry)
	if err != nil {
		if errors.Is(err, broker.ErrSessionExpired) && p.Reauth != nil {
			p.logger.Warn("session expired, re-authenticating")
			fetcher, reErr := p.Reauth(ctx)
			if reErr != nil {
				p.logger.Error("re-authentication failed", zap.Error(reErr))
				return
			}
			p.fetch = fetcher
			return
		}
		p.logger.Warn("greeks fetch failed",
			zap.String("underlying", underlying),
			zap.String("expiry", expiry),
			zap.Error(err),
		)
		return
	}

	snapshot := model.GreeksSnapshot{
		TsRecv:     p.now().UnixMilli(),
		Underlying: underlying,
		Expiry:     expiryISO,
		DataJSON:   string(data),
	}
	if err := p.log.Add(ctx, p.cfg.Stream, snapshot.Fields(), p.cfg.MaxLen); err != nil {
		p.logger.Warn("snapshot append failed", zap.String("underlying", underlying), zap.Error(err))
		return
	}
	if err := p.store.SetLatest(ctx, model.LatestGreeksKey(underlying, expiryISO), snapshot.DataJSON, p.cfg.LatestTTL); err != nil {
		p.logger.Warn("latest snapshot cache failed", zap.String("underlying", underlying), zap.Error(err))
	}
}
