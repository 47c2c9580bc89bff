package market

import (
	"context"
	"encoding/binary"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mr-tron/base58"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"solana-dex-view/internal/book"
	"solana-dex-view/internal/cache"
	"solana-dex-view/internal/serum"
	"solana-dex-view/internal/solana"
	"solana-dex-view/internal/solana/stub"
	"solana-dex-view/internal/wallet"
)

func addr(seed byte) string {
	var b [32]byte
	for i := range b {
		b[i] = seed
	}
	return base58.Encode(b[:])
}

var (
	marketAddr  = addr(1)
	baseMint    = addr(2)
	quoteMint   = addr(3)
	bidsAddr    = addr(4)
	asksAddr    = addr(5)
	ownerAddr   = addr(6)
	programAddr = addr(7)
)

var testInfo = Info{
	Address:      marketAddr,
	BaseSymbol:   "SRM",
	QuoteSymbol:  "USDC",
	TickDecimals: 2,
}

func put32(dst []byte, b58 string) {
	raw, err := base58.Decode(b58)
	if err != nil {
		panic(err)
	}
	copy(dst, raw)
}

func buildMarket() []byte {
	data := make([]byte, 184)
	binary.LittleEndian.PutUint64(data[0:8], serum.FlagInitialized|serum.FlagMarket)
	put32(data[8:40], marketAddr)
	put32(data[40:72], baseMint)
	put32(data[72:104], quoteMint)
	put32(data[104:136], bidsAddr)
	put32(data[136:168], asksAddr)
	binary.LittleEndian.PutUint64(data[168:176], 100)
	binary.LittleEndian.PutUint64(data[176:184], 10)
	return data
}

func buildMint(decimals uint8) []byte {
	data := make([]byte, 82)
	data[44] = decimals
	return data
}

func buildBookSide(isBids bool, levels [][2]uint64) []byte {
	flags := serum.FlagInitialized | serum.FlagAsks
	if isBids {
		flags = serum.FlagInitialized | serum.FlagBids
	}
	data := make([]byte, 12+48*len(levels))
	binary.LittleEndian.PutUint64(data[0:8], flags)
	binary.LittleEndian.PutUint32(data[8:12], uint32(len(levels)))
	for i, lv := range levels {
		off := 12 + i*48
		binary.LittleEndian.PutUint64(data[off:off+8], lv[0])
		binary.LittleEndian.PutUint64(data[off+8:off+16], lv[1])
		put32(data[off+16:off+48], ownerAddr)
	}
	return data
}

func buildOpenOrders(baseFree, baseTotal, quoteFree, quoteTotal uint64) []byte {
	data := make([]byte, 104)
	binary.LittleEndian.PutUint64(data[0:8], serum.FlagInitialized|serum.FlagOpenOrders)
	put32(data[8:40], marketAddr)
	put32(data[40:72], ownerAddr)
	binary.LittleEndian.PutUint64(data[72:80], baseFree)
	binary.LittleEndian.PutUint64(data[80:88], baseTotal)
	binary.LittleEndian.PutUint64(data[88:96], quoteFree)
	binary.LittleEndian.PutUint64(data[96:104], quoteTotal)
	return data
}

func buildTokenAccount(mint string, amount uint64) []byte {
	data := make([]byte, 165)
	put32(data[0:32], mint)
	put32(data[32:64], ownerAddr)
	binary.LittleEndian.PutUint64(data[64:72], amount)
	return data
}

// seedMarket loads market, mints and both book sides into the stub.
func seedMarket(rpc *stub.RPCClient) {
	rpc.SetAccount(marketAddr, &solana.AccountInfo{Data: buildMarket()})
	rpc.SetAccount(baseMint, &solana.AccountInfo{Data: buildMint(6)})
	rpc.SetAccount(quoteMint, &solana.AccountInfo{Data: buildMint(6)})
	// Raw fixed-point: price 10.00 and 11.00 quote, size 1.000000 base.
	rpc.SetAccount(bidsAddr, &solana.AccountInfo{Data: buildBookSide(true, [][2]uint64{{9_000_000, 1_000_000}})})
	rpc.SetAccount(asksAddr, &solana.AccountInfo{Data: buildBookSide(false, [][2]uint64{{10_000_000, 1_000_000}, {11_000_000, 1_000_000}})})
}

func TestResolver_LoadSnapshot(t *testing.T) {
	rpc := stub.NewRPCClient()
	seedMarket(rpc)
	r := NewResolver(rpc, wallet.NewStatic(""), programAddr, nil)

	snap, err := r.LoadSnapshot(context.Background(), testInfo)
	require.NoError(t, err)

	assert.Equal(t, baseMint, snap.State.BaseMint)
	assert.Equal(t, quoteMint, snap.State.QuoteMint)
	assert.Equal(t, uint8(6), snap.BaseDecimals)
	assert.Equal(t, uint8(6), snap.QuoteDecimals)
}

func TestResolver_LoadSnapshot_MissingMarket(t *testing.T) {
	r := NewResolver(stub.NewRPCClient(), wallet.NewStatic(""), programAddr, nil)

	_, err := r.LoadSnapshot(context.Background(), testInfo)
	require.ErrorIs(t, err, ErrMarketNotFound)
}

func TestResolver_LoadOrderbook_ScalesLevels(t *testing.T) {
	rpc := stub.NewRPCClient()
	seedMarket(rpc)
	r := NewResolver(rpc, wallet.NewStatic(""), programAddr, nil)

	snap, err := r.LoadSnapshot(context.Background(), testInfo)
	require.NoError(t, err)

	ob, err := r.LoadOrderbook(context.Background(), snap)
	require.NoError(t, err)

	require.Len(t, ob.Bids, 1)
	require.Len(t, ob.Asks, 2)
	assert.True(t, ob.Bids[0].Price.Equal(decimal.NewFromInt(9)))
	assert.True(t, ob.Bids[0].Size.Equal(decimal.NewFromInt(1)))
	assert.True(t, ob.Asks[0].Price.Equal(decimal.NewFromInt(10)))
	assert.True(t, ob.Asks[1].Price.Equal(decimal.NewFromInt(11)))
}

func TestResolver_LoadOpenOrders_DisconnectedWalletSkipsNetwork(t *testing.T) {
	rpc := stub.NewRPCClient()
	seedMarket(rpc)
	r := NewResolver(rpc, wallet.NewStatic(""), programAddr, nil)

	snap, err := r.LoadSnapshot(context.Background(), testInfo)
	require.NoError(t, err)

	before := rpc.Calls.Load()
	oo, err := r.LoadOpenOrders(context.Background(), snap)
	require.NoError(t, err)
	assert.Nil(t, oo, "no wallet means absent, not error")
	assert.Equal(t, before, rpc.Calls.Load(), "must not hit the network")
}

func TestResolver_LoadOpenOrders_ResolvesDerivedAccount(t *testing.T) {
	rpc := stub.NewRPCClient()
	seedMarket(rpc)

	ooAddr, err := serum.DeriveOpenOrdersAddress(marketAddr, ownerAddr, programAddr)
	require.NoError(t, err)
	rpc.SetAccount(ooAddr, &solana.AccountInfo{Data: buildOpenOrders(1_000_000, 3_000_000, 0, 0)})

	r := NewResolver(rpc, wallet.NewStatic(ownerAddr), programAddr, nil)
	snap, err := r.LoadSnapshot(context.Background(), testInfo)
	require.NoError(t, err)

	oo, err := r.LoadOpenOrders(context.Background(), snap)
	require.NoError(t, err)
	require.NotNil(t, oo)
	assert.Equal(t, uint64(1_000_000), oo.BaseFree)
	assert.Equal(t, uint64(3_000_000), oo.BaseTotal)
}

func TestResolver_LoadBalances_Reconciles(t *testing.T) {
	rpc := stub.NewRPCClient()
	seedMarket(rpc)
	rpc.Lamports[ownerAddr] = 2_000_000_000
	rpc.TokenAccounts[ownerAddr] = []solana.KeyedAccount{
		{Pubkey: addr(8), Account: solana.AccountInfo{Data: buildTokenAccount(baseMint, 5_000_000)}},
		{Pubkey: addr(9), Account: solana.AccountInfo{Data: buildTokenAccount(quoteMint, 20_000_000)}},
	}

	ooAddr, err := serum.DeriveOpenOrdersAddress(marketAddr, ownerAddr, programAddr)
	require.NoError(t, err)
	rpc.SetAccount(ooAddr, &solana.AccountInfo{Data: buildOpenOrders(1_000_000, 3_000_000, 0, 10_000_000)})

	r := NewResolver(rpc, wallet.NewStatic(ownerAddr), programAddr, nil)
	snap, err := r.LoadSnapshot(context.Background(), testInfo)
	require.NoError(t, err)

	got, err := r.LoadBalances(context.Background(), snap)
	require.NoError(t, err)

	assert.True(t, got.Base.Wallet.Equal(decimal.NewFromInt(5)))
	require.True(t, got.Base.LockedInOrders.Valid)
	assert.True(t, got.Base.LockedInOrders.Decimal.Equal(decimal.NewFromInt(2)))
	assert.True(t, got.Quote.LockedInOrders.Decimal.Equal(decimal.NewFromInt(10)))
}

func TestResolver_TransportErrorSurfaces(t *testing.T) {
	rpc := stub.NewRPCClient()
	seedMarket(rpc)
	r := NewResolver(rpc, wallet.NewStatic(""), programAddr, nil)

	snap, err := r.LoadSnapshot(context.Background(), testInfo)
	require.NoError(t, err)

	boom := errors.New("connection refused")
	rpc.Fail(boom)
	before := rpc.Calls.Load()

	_, err = r.LoadOrderbook(context.Background(), snap)
	require.ErrorIs(t, err, boom)
	// One attempt per side, no internal retry loop.
	assert.LessOrEqual(t, rpc.Calls.Load()-before, int64(2))
}

func newTestService(t *testing.T, rpc *stub.RPCClient, w wallet.Identity) *Service {
	t.Helper()
	c := cache.New(
		cache.WithTick(5*time.Millisecond),
		cache.WithConnectionCheck(w.Connected),
	)
	t.Cleanup(c.Close)
	return NewService(c, NewResolver(rpc, w, programAddr, nil), book.MidpointOnly, Intervals{}, nil)
}

func TestService_MarkPriceMidpoint(t *testing.T) {
	rpc := stub.NewRPCClient()
	seedMarket(rpc)
	svc := newTestService(t, rpc, wallet.NewStatic(""))

	updates := make(chan MarkPriceUpdate, 64)
	sub, cur := svc.SubscribeMarkPrice(testInfo, func(u MarkPriceUpdate) { updates <- u })
	defer sub.Unsubscribe()

	assert.False(t, cur.HasPrice, "first call resolves absent while the fetch runs")

	require.Eventually(t, func() bool {
		select {
		case u := <-updates:
			// Midpoint of best bid 9 and best ask 10.
			return u.HasPrice && u.Price.Equal(decimal.RequireFromString("9.5"))
		default:
			return false
		}
	}, 2*time.Second, 5*time.Millisecond)
}

func TestService_MarkPriceMedianWithTrade(t *testing.T) {
	rpc := stub.NewRPCClient()
	seedMarket(rpc)
	c := cache.New(cache.WithTick(5 * time.Millisecond))
	t.Cleanup(c.Close)
	svc := NewService(c, NewResolver(rpc, wallet.NewStatic(""), programAddr, nil), book.MedianWithLastTrade, Intervals{}, nil)

	svc.RecordTrade(marketAddr, decimal.RequireFromString("9.8"))

	updates := make(chan MarkPriceUpdate, 64)
	sub, _ := svc.SubscribeMarkPrice(testInfo, func(u MarkPriceUpdate) { updates <- u })
	defer sub.Unsubscribe()

	require.Eventually(t, func() bool {
		select {
		case u := <-updates:
			// Median of bid 9, ask 10, trade 9.8.
			return u.HasPrice && u.Price.Equal(decimal.RequireFromString("9.8"))
		default:
			return false
		}
	}, 2*time.Second, 5*time.Millisecond)
}

func TestService_EstimateFillUsesCachedBook(t *testing.T) {
	rpc := stub.NewRPCClient()
	seedMarket(rpc)
	svc := newTestService(t, rpc, wallet.NewStatic(""))

	_, ok, err := svc.EstimateFill(testInfo, book.Buy, decimal.NewFromInt(15))
	require.NoError(t, err)
	assert.False(t, ok, "no book cached yet")

	sub, _ := svc.SubscribeOrderbook(testInfo, 10, nil)
	defer sub.Unsubscribe()

	require.Eventually(t, func() bool {
		_, ok, _ := svc.EstimateFill(testInfo, book.Buy, decimal.NewFromInt(15))
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	est, ok, err := svc.EstimateFill(testInfo, book.Buy, decimal.NewFromInt(15))
	require.NoError(t, err)
	require.True(t, ok)
	// Asks (10,1),(11,1), 15 quote: floor(155/15, 2 ticks).
	assert.True(t, est.AvgPrice.Equal(decimal.RequireFromString("10.33")), "got %s", est.AvgPrice)
}

func TestService_BalancesGatedOnWallet(t *testing.T) {
	rpc := stub.NewRPCClient()
	seedMarket(rpc)
	w := wallet.NewSwitchable("")
	svc := newTestService(t, rpc, w)

	updates := make(chan BalancesUpdate, 64)
	sub, cur := svc.SubscribeBalances(testInfo, func(u BalancesUpdate) { updates <- u })
	defer sub.Unsubscribe()

	assert.Nil(t, cur.Balances)
	assert.NoError(t, cur.Err, "disconnected is absent, never an error")

	// Give the scheduler a few ticks: still no balance fetches.
	time.Sleep(50 * time.Millisecond)
	select {
	case u := <-updates:
		t.Fatalf("unexpected update while disconnected: %+v", u)
	default:
	}
}

func TestService_OpenOrdersSubscription(t *testing.T) {
	rpc := stub.NewRPCClient()
	seedMarket(rpc)

	ooAddr, err := serum.DeriveOpenOrdersAddress(marketAddr, ownerAddr, programAddr)
	require.NoError(t, err)
	rpc.SetAccount(ooAddr, &solana.AccountInfo{Data: buildOpenOrders(1_000_000, 3_000_000, 0, 0)})

	svc := newTestService(t, rpc, wallet.NewStatic(ownerAddr))

	updates := make(chan OpenOrdersUpdate, 64)
	sub, cur := svc.SubscribeOpenOrders(testInfo, func(u OpenOrdersUpdate) { updates <- u })
	defer sub.Unsubscribe()

	assert.False(t, cur.HasData, "nothing loaded before the first fetch resolves")

	require.Eventually(t, func() bool {
		select {
		case u := <-updates:
			return u.HasData && u.OpenOrders != nil && u.OpenOrders.BaseTotal == 3_000_000
		default:
			return false
		}
	}, 2*time.Second, 5*time.Millisecond)
}

func TestService_OpenOrdersGatedOnWallet(t *testing.T) {
	rpc := stub.NewRPCClient()
	seedMarket(rpc)
	svc := newTestService(t, rpc, wallet.NewSwitchable(""))

	updates := make(chan OpenOrdersUpdate, 64)
	sub, cur := svc.SubscribeOpenOrders(testInfo, func(u OpenOrdersUpdate) { updates <- u })
	defer sub.Unsubscribe()

	assert.Nil(t, cur.OpenOrders)
	assert.NoError(t, cur.Err, "disconnected is absent, never an error")

	time.Sleep(50 * time.Millisecond)
	select {
	case u := <-updates:
		t.Fatalf("unexpected update while disconnected: %+v", u)
	default:
	}
}

func TestService_OpenOrdersAbsentAccountIsData(t *testing.T) {
	rpc := stub.NewRPCClient()
	seedMarket(rpc)
	// Connected wallet, but no open-orders account seeded for the pair.
	svc := newTestService(t, rpc, wallet.NewStatic(ownerAddr))

	updates := make(chan OpenOrdersUpdate, 64)
	sub, _ := svc.SubscribeOpenOrders(testInfo, func(u OpenOrdersUpdate) { updates <- u })
	defer sub.Unsubscribe()

	require.Eventually(t, func() bool {
		select {
		case u := <-updates:
			// Loaded and absent, not an error: never traded here.
			return u.HasData && u.OpenOrders == nil && u.Err == nil
		default:
			return false
		}
	}, 2*time.Second, 5*time.Millisecond)
}

func TestService_ConfiguredIntervalsDriveRefresh(t *testing.T) {
	rpc := stub.NewRPCClient()
	seedMarket(rpc)
	c := cache.New(cache.WithTick(2 * time.Millisecond))
	t.Cleanup(c.Close)
	svc := NewService(c, NewResolver(rpc, wallet.NewStatic(""), programAddr, nil),
		book.MidpointOnly, Intervals{Orderbook: 5 * time.Millisecond}, nil)

	var fetches atomic.Int64
	sub, _ := svc.SubscribeOrderbook(testInfo, 10, func(u OrderbookUpdate) {
		if u.Book != nil && !u.Fetching {
			fetches.Add(1)
		}
	})
	defer sub.Unsubscribe()

	// The default cadence is 1s; several completions well inside that window
	// prove the configured interval is the one in effect.
	require.Eventually(t, func() bool {
		return fetches.Load() >= 3
	}, 2*time.Second, 5*time.Millisecond)
}

func TestService_OrderbookAggregatedPerSubscriberDepth(t *testing.T) {
	rpc := stub.NewRPCClient()
	seedMarket(rpc)
	svc := newTestService(t, rpc, wallet.NewStatic(""))

	updates := make(chan OrderbookUpdate, 64)
	sub, _ := svc.SubscribeOrderbook(testInfo, 1, func(u OrderbookUpdate) { updates <- u })
	defer sub.Unsubscribe()

	require.Eventually(t, func() bool {
		select {
		case u := <-updates:
			return u.Book != nil && len(u.Asks) == 1 && u.Asks[0].Price.Equal(decimal.NewFromInt(10))
		default:
			return false
		}
	}, 2*time.Second, 5*time.Millisecond)
}
