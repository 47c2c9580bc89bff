package market

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"solana-dex-view/internal/balance"
	"solana-dex-view/internal/book"
	"solana-dex-view/internal/cache"
	"solana-dex-view/internal/fingerprint"
	"solana-dex-view/internal/serum"
)

// Default refresh cadences. Market structure barely changes; books and
// balances do.
const (
	SnapshotInterval  = 1 * time.Minute
	OrderbookInterval = 1 * time.Second
	BalancesInterval  = 5 * time.Second
)

// Intervals are the refresh cadences for the service's cache entries. Zero
// fields fall back to the package defaults.
type Intervals struct {
	Orderbook time.Duration
	Balances  time.Duration
}

func (i Intervals) withDefaults() Intervals {
	if i.Orderbook <= 0 {
		i.Orderbook = OrderbookInterval
	}
	if i.Balances <= 0 {
		i.Balances = BalancesInterval
	}
	return i
}

// Operation names used in fingerprint keys and metrics labels.
const (
	opSnapshot   = "marketSnapshot"
	opOrderbook  = "orderbook"
	opMarkPrice  = "markPrice"
	opBalances   = "balances"
	opOpenOrders = "openOrders"
)

// Service fronts the resolver with the async result cache. Subscribers get
// the last known value immediately and typed updates as entries revalidate.
type Service struct {
	cache     *cache.Cache
	res       *Resolver
	policy    book.MarkPricePolicy
	intervals Intervals
	log       *zap.Logger

	mu sync.Mutex
	// snapshots memoizes resolved market structure. Mints and book addresses
	// are immutable once listed; the snapshot subscription refreshes the memo
	// anyway in case a listing is replaced.
	snapshots map[string]*Snapshot
	// lastTrade feeds the mark-price median when a trade stream reports one.
	lastTrade map[string]decimal.Decimal
}

// NewService creates a market data service on top of a shared cache.
func NewService(c *cache.Cache, res *Resolver, policy book.MarkPricePolicy, intervals Intervals, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		cache:     c,
		res:       res,
		policy:    policy,
		intervals: intervals.withDefaults(),
		log:       log.Named("market"),
		snapshots: make(map[string]*Snapshot),
		lastTrade: make(map[string]decimal.Decimal),
	}
}

// RecordTrade feeds the most recent trade price for a market into the
// mark-price calculation.
func (s *Service) RecordTrade(marketAddr string, price decimal.Decimal) {
	s.mu.Lock()
	s.lastTrade[marketAddr] = price
	s.mu.Unlock()
}

func (s *Service) lastTradePrice(marketAddr string) *decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.lastTrade[marketAddr]; ok {
		return &p
	}
	return nil
}

// snapshot returns the resolved market structure, loading it on first use.
func (s *Service) snapshot(ctx context.Context, info Info) (*Snapshot, error) {
	s.mu.Lock()
	snap, ok := s.snapshots[info.Address]
	s.mu.Unlock()
	if ok {
		return snap, nil
	}

	snap, err := s.res.LoadSnapshot(ctx, info)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.snapshots[info.Address] = snap
	s.mu.Unlock()
	return snap, nil
}

// SnapshotUpdate is the subscriber view of a market snapshot entry.
type SnapshotUpdate struct {
	Snapshot *Snapshot
	Err      error
	Fetching bool
}

// SubscribeSnapshot subscribes to the market's resolved structure.
func (s *Service) SubscribeSnapshot(info Info, onUpdate func(SnapshotUpdate)) (*cache.Subscription, SnapshotUpdate) {
	key := fingerprint.New(opSnapshot, info.Address)
	fetch := func(ctx context.Context) (any, error) {
		snap, err := s.res.LoadSnapshot(ctx, info)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.snapshots[info.Address] = snap
		s.mu.Unlock()
		return snap, nil
	}

	opts := cache.Options{Op: opSnapshot, RefreshInterval: SnapshotInterval}
	sub, cur := s.cache.Subscribe(key, fetch, opts, func(u cache.Update) {
		if onUpdate != nil {
			onUpdate(toSnapshotUpdate(u))
		}
	})
	return sub, toSnapshotUpdate(cur)
}

func toSnapshotUpdate(u cache.Update) SnapshotUpdate {
	out := SnapshotUpdate{Err: u.Err, Fetching: u.Fetching}
	if u.HasValue {
		out.Snapshot = u.Value.(*Snapshot)
	}
	return out
}

// OrderbookUpdate is the subscriber view of an order-book entry. Bids and
// Asks are aggregated to the subscriber's depth; Book is the full raw book.
type OrderbookUpdate struct {
	Book     *book.Orderbook
	Bids     []book.Level
	Asks     []book.Level
	Err      error
	Fetching bool
}

// SubscribeOrderbook subscribes to the market's order book, aggregated to
// depth levels per side. Subscribers with different depths share one fetch.
func (s *Service) SubscribeOrderbook(info Info, depth int, onUpdate func(OrderbookUpdate)) (*cache.Subscription, OrderbookUpdate) {
	key := fingerprint.New(opOrderbook, info.Address)
	opts := cache.Options{Op: opOrderbook, RefreshInterval: s.intervals.Orderbook}

	sub, cur := s.cache.Subscribe(key, s.orderbookFetcher(info), opts, func(u cache.Update) {
		if onUpdate != nil {
			onUpdate(toOrderbookUpdate(u, depth))
		}
	})
	return sub, toOrderbookUpdate(cur, depth)
}

func (s *Service) orderbookFetcher(info Info) cache.Fetcher {
	return func(ctx context.Context) (any, error) {
		snap, err := s.snapshot(ctx, info)
		if err != nil {
			return nil, err
		}
		return s.res.LoadOrderbook(ctx, snap)
	}
}

func toOrderbookUpdate(u cache.Update, depth int) OrderbookUpdate {
	out := OrderbookUpdate{Err: u.Err, Fetching: u.Fetching}
	if u.HasValue {
		ob := u.Value.(*book.Orderbook)
		out.Book = ob
		out.Bids = book.AggregateLevels(ob.Bids, depth, book.Sell)
		out.Asks = book.AggregateLevels(ob.Asks, depth, book.Buy)
	}
	return out
}

// MarkPriceUpdate is the subscriber view of a mark-price entry. HasPrice is
// false while the book is empty on either side of the chosen policy.
type MarkPriceUpdate struct {
	Price    decimal.Decimal
	HasPrice bool
	Err      error
	Fetching bool
}

// markPoint is the cached value of a mark-price entry.
type markPoint struct {
	price decimal.Decimal
	ok    bool
}

// SubscribeMarkPrice subscribes to the market's mark price.
func (s *Service) SubscribeMarkPrice(info Info, onUpdate func(MarkPriceUpdate)) (*cache.Subscription, MarkPriceUpdate) {
	key := fingerprint.New(opMarkPrice, info.Address)
	fetch := func(ctx context.Context) (any, error) {
		snap, err := s.snapshot(ctx, info)
		if err != nil {
			return nil, err
		}
		ob, err := s.res.LoadOrderbook(ctx, snap)
		if err != nil {
			return nil, err
		}
		price, ok := book.MarkPrice(*ob, s.lastTradePrice(info.Address), s.policy)
		return markPoint{price: price, ok: ok}, nil
	}

	opts := cache.Options{Op: opMarkPrice, RefreshInterval: s.intervals.Orderbook}
	sub, cur := s.cache.Subscribe(key, fetch, opts, func(u cache.Update) {
		if onUpdate != nil {
			onUpdate(toMarkPriceUpdate(u))
		}
	})
	return sub, toMarkPriceUpdate(cur)
}

func toMarkPriceUpdate(u cache.Update) MarkPriceUpdate {
	out := MarkPriceUpdate{Err: u.Err, Fetching: u.Fetching}
	if u.HasValue {
		mp := u.Value.(markPoint)
		out.Price = mp.price
		out.HasPrice = mp.ok
	}
	return out
}

// BalancesUpdate is the subscriber view of a balances entry. Balances is nil
// while no wallet is connected.
type BalancesUpdate struct {
	Balances *balance.MarketBalances
	Err      error
	Fetching bool
}

// SubscribeBalances subscribes to reconciled per-currency balances for the
// market. The entry is gated on the wallet connection: while disconnected it
// resolves to absent without fetching.
func (s *Service) SubscribeBalances(info Info, onUpdate func(BalancesUpdate)) (*cache.Subscription, BalancesUpdate) {
	owner, _ := s.res.wallet.Owner()
	key := fingerprint.New(opBalances, info.Address, owner)
	fetch := func(ctx context.Context) (any, error) {
		snap, err := s.snapshot(ctx, info)
		if err != nil {
			return nil, err
		}
		return s.res.LoadBalances(ctx, snap)
	}

	opts := cache.Options{Op: opBalances, RefreshInterval: s.intervals.Balances, RequireConnection: true}
	sub, cur := s.cache.Subscribe(key, fetch, opts, func(u cache.Update) {
		if onUpdate != nil {
			onUpdate(toBalancesUpdate(u))
		}
	})
	return sub, toBalancesUpdate(cur)
}

func toBalancesUpdate(u cache.Update) BalancesUpdate {
	out := BalancesUpdate{Err: u.Err, Fetching: u.Fetching}
	if u.HasValue {
		out.Balances = u.Value.(*balance.MarketBalances)
	}
	return out
}

// OpenOrdersUpdate is the subscriber view of an open-orders entry.
// OpenOrders is nil while no wallet is connected or no account exists for
// the (market, owner) pair; the latter arrives with HasData true.
type OpenOrdersUpdate struct {
	OpenOrders *serum.OpenOrders
	// HasData reports that a fetch has resolved, distinguishing "not yet
	// loaded" from "loaded, no account".
	HasData  bool
	Err      error
	Fetching bool
}

// SubscribeOpenOrders subscribes to the owner's open-orders account for the
// market. Gated on the wallet connection like balances: while disconnected
// the entry resolves to absent without fetching.
func (s *Service) SubscribeOpenOrders(info Info, onUpdate func(OpenOrdersUpdate)) (*cache.Subscription, OpenOrdersUpdate) {
	owner, _ := s.res.wallet.Owner()
	key := fingerprint.New(opOpenOrders, info.Address, owner)
	fetch := func(ctx context.Context) (any, error) {
		snap, err := s.snapshot(ctx, info)
		if err != nil {
			return nil, err
		}
		return s.res.LoadOpenOrders(ctx, snap)
	}

	opts := cache.Options{Op: opOpenOrders, RefreshInterval: s.intervals.Balances, RequireConnection: true}
	sub, cur := s.cache.Subscribe(key, fetch, opts, func(u cache.Update) {
		if onUpdate != nil {
			onUpdate(toOpenOrdersUpdate(u))
		}
	})
	return sub, toOpenOrdersUpdate(cur)
}

func toOpenOrdersUpdate(u cache.Update) OpenOrdersUpdate {
	out := OpenOrdersUpdate{Err: u.Err, Fetching: u.Fetching}
	if u.HasValue {
		out.HasData = true
		out.OpenOrders = u.Value.(*serum.OpenOrders)
	}
	return out
}

// RefreshOpenOrders forces an immediate open-orders revalidation.
func (s *Service) RefreshOpenOrders(info Info) {
	owner, _ := s.res.wallet.Owner()
	s.cache.Refresh(fingerprint.New(opOpenOrders, info.Address, owner))
}

// RefreshBalances forces an immediate balance revalidation, for push
// notifications on wallet accounts.
func (s *Service) RefreshBalances(info Info) {
	owner, _ := s.res.wallet.Owner()
	s.cache.Refresh(fingerprint.New(opBalances, info.Address, owner))
}

// RefreshOrderbook forces an immediate book revalidation.
func (s *Service) RefreshOrderbook(info Info) {
	s.cache.Refresh(fingerprint.New(opOrderbook, info.Address))
}

// EstimateFill estimates the average execution price for a notional against
// the last cached book. ok is false when no book has been fetched yet.
func (s *Service) EstimateFill(info Info, side book.Side, notional decimal.Decimal) (book.FillEstimate, bool, error) {
	u, found := s.cache.Get(fingerprint.New(opOrderbook, info.Address))
	if !found || !u.HasValue {
		return book.FillEstimate{}, false, nil
	}
	ob := u.Value.(*book.Orderbook)

	tick := info.TickDecimals
	est, err := book.ExpectedFillPrice(*ob, side, notional, &tick)
	return est, true, err
}
