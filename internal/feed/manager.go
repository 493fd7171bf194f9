package feed

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/dgnsrekt/mdlake/internal/catalog"
	"github.com/dgnsrekt/mdlake/internal/model"
	"github.com/dgnsrekt/mdlake/internal/stream"
)

// State is the subscription manager's lifecycle. Planning runs exactly once
// per process; re-planning on spot drift or expiry rollover is a documented
// limitation, not a bug.
type State int

const (
	StateConnectedNoOptions State = iota
	StateWarmingUp
	StateOptionsPlanned
)

type Config struct {
	Warmup        time.Duration
	StrikesAround int
	// MaxSubs caps total live subscriptions (equities plus options).
	MaxSubs        int
	SubscribeBatch int
	Mode           int
	EqStream       string
	EqMaxLen       int64
	OptStream      string
	OptMaxLen      int64
}

// Manager owns all mutable feed state: the token maps, the spot prices, and
// the state machine. It is driven by a single transport read loop and must
// not be shared across goroutines without an owner boundary.
type Manager struct {
	log     stream.Log
	store   stream.Store
	planner Planner
	sub     Subscriber
	cfg     Config
	logger  *zap.Logger
	now     func() time.Time

	symbols       []string
	equities      map[string]catalog.Equity // watchlist symbol -> instrument
	eqTokenSymbol map[string]string
	optMeta       map[string]model.Contract
	activeExpiry  map[string]string
	spot          map[string]float64
	openedAt      time.Time
	state         State
}

func NewManager(
	log stream.Log,
	store stream.Store,
	planner Planner,
	sub Subscriber,
	cfg Config,
	symbols []string,
	equities map[string]catalog.Equity,
	logger *zap.Logger,
) (*Manager, error) {
	if len(equities) == 0 {
		return nil, fmt.Errorf("no equity tokens resolved from catalog")
	}
	eqTokenSymbol := make(map[string]string, len(equities))
	for sym, eq := range equities {
		eqTokenSymbol[eq.Token] = sym
	}
	return &Manager{
		log:           log,
		store:         store,
		planner:       planner,
		sub:           sub,
		cfg:           cfg,
		logger:        logger,
		now:           time.Now,
		symbols:       symbols,
		equities:      equities,
		eqTokenSymbol: eqTokenSymbol,
		optMeta:       make(map[string]model.Contract),
		activeExpiry:  make(map[string]string),
		spot:          make(map[string]float64),
		state:         StateConnectedNoOptions,
	}, nil
}

func (m *Manager) State() State { return m.state }

// OnOpen subscribes the resolved equities and starts the warmup window.
func (m *Manager) OnOpen(ctx context.Context) error {
	m.openedAt = m.now()
	m.state = StateWarmingUp

	tokens := make([]string, 0, len(m.equities))
	for sym, eq := range m.equities {
		tokens = append(tokens, eq.Token)
		if err := m.store.SetMeta(ctx, "meta:eq:"+eq.Token, map[string]string{
			"symbol":        sym,
			"tradingsymbol": eq.TradingSymbol,
			"exchange":      eq.Exchange,
		}); err != nil {
			m.logger.Warn("equity meta publish failed", zap.String("symbol", sym), zap.Error(err))
		}
	}

	if err := m.sub.Subscribe("EQ01", m.cfg.Mode, ExchangeNSECM, tokens); err != nil {
		return fmt.Errorf("subscribing equities: %w", err)
	}
	m.logger.Info("subscribed equities", zap.Int("count", len(tokens)))
	return nil
}

// OnTick routes one transport update: equity ticks feed the spot map and may
// trigger option planning, option ticks are emitted with their contract
// identity attached, unknown tokens are dropped.
func (m *Manager) OnTick(ctx context.Context, t RawTick) {
	if sym, ok := m.eqTokenSymbol[t.Token]; ok {
		m.emitEquity(ctx, sym, t)
		m.maybePlanOptions(ctx)
		return
	}
	if c, ok := m.optMeta[t.Token]; ok {
		m.emitOption(ctx, c, t)
	}
}

func (m *Manager) emitEquity(ctx context.Context, sym string, t RawTick) {
	ltp := model.PaiseToRupees(t.LTP)
	if ltp > 0 {
		m.spot[sym] = ltp
	}

	tick := model.EquityTick{
		TsRecv: model.NowMillis(),
		TsExch: t.ExchangeTsMs,
		Token:  t.Token,
		Symbol: sym,
		LTP:    ltp,
		Open:   model.PaiseToRupees(t.Open),
		High:   model.PaiseToRupees(t.High),
		Low:    model.PaiseToRupees(t.Low),
		Close:  model.PaiseToRupees(t.Close),
		Volume: t.Volume,
		TBQ:    t.TBQ,
		TSQ:    t.TSQ,
	}
	if err := m.log.Add(ctx, m.cfg.EqStream, tick.Fields(), m.cfg.EqMaxLen); err != nil {
		m.logger.Warn("equity tick publish failed", zap.String("symbol", sym), zap.Error(err))
	}
}

func (m *Manager) emitOption(ctx context.Context, c model.Contract, t RawTick) {
	tick := model.OptionTick{
		TsRecv:        model.NowMillis(),
		TsExch:        t.ExchangeTsMs,
		Token:         t.Token,
		Underlying:    c.Underlying,
		TradingSymbol: c.TradingSymbol,
		Expiry:        c.Expiry,
		Strike:        c.Strike,
		CP:            c.CP,
		LTP:           model.PaiseToRupees(t.LTP),
		OI:            t.OI,
		Volume:        t.Volume,
		Open:          model.PaiseToRupees(t.Open),
		High:          model.PaiseToRupees(t.High),
		Low:           model.PaiseToRupees(t.Low),
		Close:         model.PaiseToRupees(t.Close),
		TBQ:           t.TBQ,
		TSQ:           t.TSQ,
	}
	if err := m.log.Add(ctx, m.cfg.OptStream, tick.Fields(), m.cfg.OptMaxLen); err != nil {
		m.logger.Warn("option tick publish failed", zap.String("token", t.Token), zap.Error(err))
	}
}

// maybePlanOptions runs the one-shot planning step once enough spot prices
// arrived or the warmup window elapsed.
func (m *Manager) maybePlanOptions(ctx context.Context) {
	if m.state != StateWarmingUp {
		return
	}

	enoughSpots := len(m.spot) >= max(10, len(m.equities)/2)
	if !enoughSpots && m.now().Sub(m.openedAt) < m.cfg.Warmup {
		return
	}

	m.planOptions(ctx)
}

func (m *Manager) planOptions(ctx context.Context) {
	var planned []model.Contract
	for _, sym := range m.symbols {
		spot, ok := m.spot[sym]
		if !ok {
			continue
		}
		contracts, expiry := m.planner.Plan(sym, spot, m.cfg.StrikesAround)
		if expiry != "" {
			m.activeExpiry[sym] = expiry
		}
		planned = append(planned, contracts...)
	}

	unique := dedupeByToken(planned)

	// Hard cap on total live subscriptions: equities always win, the option
	// tail is truncated in plan order.
	if total := len(m.equities) + len(unique); total > m.cfg.MaxSubs {
		keep := max(0, m.cfg.MaxSubs-len(m.equities))
		m.logger.Warn("capping option subscriptions",
			zap.Int("planned", len(unique)),
			zap.Int("kept", keep),
			zap.Int("max_subs", m.cfg.MaxSubs),
		)
		unique = unique[:keep]
	}

	m.state = StateOptionsPlanned
	defer m.publishActiveExpiry(ctx)

	if len(unique) == 0 {
		m.logger.Info("no option contracts planned")
		return
	}

	tokens := make([]string, 0, len(unique))
	for _, c := range unique {
		m.optMeta[c.Token] = c
		tokens = append(tokens, c.Token)
		if err := m.store.SetMeta(ctx, "meta:opt:"+c.Token, c.MetaFields()); err != nil {
			m.logger.Warn("option meta publish failed", zap.String("token", c.Token), zap.Error(err))
		}
	}

	batch := m.cfg.SubscribeBatch
	for i := 0; i < len(tokens); i += batch {
		end := min(i+batch, len(tokens))
		correlationID := fmt.Sprintf("OPT%02d", i/batch)
		if err := m.sub.Subscribe(correlationID, m.cfg.Mode, ExchangeNSEFO, tokens[i:end]); err != nil {
			m.logger.Error("option subscribe failed", zap.String("correlation_id", correlationID), zap.Error(err))
		}
	}

	m.logger.Info("subscribed options",
		zap.Int("options", len(tokens)),
		zap.Int("equities", len(m.equities)),
		zap.Int("total", len(tokens)+len(m.equities)),
	)
}

// publishActiveExpiry records the planning outcome for the analytics poller,
// even when nothing was planned, so the poller observes a decision rather
// than silence.
func (m *Manager) publishActiveExpiry(ctx context.Context) {
	if err := m.store.SetMeta(ctx, model.ActiveExpiryKey, m.activeExpiry); err != nil {
		m.logger.Warn("active expiry publish failed", zap.Error(err))
	}
	ts := fmt.Sprintf("%d", m.now().UnixMilli())
	if err := m.store.SetLatest(ctx, model.ActiveExpiryTsKey, ts, time.Hour); err != nil {
		m.logger.Warn("active expiry timestamp publish failed", zap.Error(err))
	}
}

func dedupeByToken(contracts []model.Contract) []model.Contract {
	seen := make(map[string]struct{}, len(contracts))
	out := make([]model.Contract, 0, len(contracts))
	for _, c := range contracts {
		if _, ok := seen[c.Token]; ok {
			continue
		}
		seen[c.Token] = struct{}{}
		out = append(out, c)
	}
	return out
}
