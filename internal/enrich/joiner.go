package enrich

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/dgnsrekt/mdlake/internal/model"
	"github.com/dgnsrekt/mdlake/internal/stream"
)

type JoinerConfig struct {
	OutStream string
	OutMaxLen int64
}

// Joiner attaches cached analytics to each option tick and republishes the
// augmented record. Original tick fields always pass through unchanged; the
// five analytics fields default to empty strings when the cache has nothing
// for the contract.
type Joiner struct {
	log    stream.Log
	cache  *Cache
	cfg    JoinerConfig
	logger *zap.Logger
}

func NewJoiner(log stream.Log, cache *Cache, cfg JoinerConfig, logger *zap.Logger) *Joiner {
	return &Joiner{log: log, cache: cache, cfg: cfg, logger: logger}
}

// Process enriches and republishes the batch. Acknowledgment is all-or-
// nothing: one failed republish withholds the whole batch's ack, and the
// replayed messages are re-enriched and re-published, which downstream
// tolerates as at-least-once duplicates.
func (j *Joiner) Process(ctx context.Context, msgs []stream.Message) ([]string, error) {
	ids := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out := j.enrich(ctx, m.Fields)
		if err := j.log.Add(ctx, j.cfg.OutStream, out, j.cfg.OutMaxLen); err != nil {
			return nil, fmt.Errorf("republishing %s: %w", m.ID, err)
		}
		ids = append(ids, m.ID)
	}
	return ids, nil
}

func (j *Joiner) enrich(ctx context.Context, fields map[string]string) map[string]string {
	var greeks model.Greeks
	underlying := fields["underlying"]
	expiry := fields["expiry"]
	tsym := fields["tradingsymbol"]
	if underlying != "" && expiry != "" && tsym != "" {
		greeks = j.cache.Greeks(ctx, underlying, expiry, tsym)
	}

	out := make(map[string]string, len(fields)+5)
	for k, v := range fields {
		out[k] = v
	}
	out["iv"] = greeks.IV
	out["delta"] = greeks.Delta
	out["gamma"] = greeks.Gamma
	out["theta"] = greeks.Theta
	out["vega"] = greeks.Vega
	return out
}
