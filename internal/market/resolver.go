// Package market resolves on-chain venue state into typed snapshots and
// fronts them with the async result cache. The resolver performs single
// fetch attempts only; retry cadence belongs to the cache refresh schedule.
package market

import (
	"context"
	"errors"
	"fmt"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"solana-dex-view/internal/balance"
	"solana-dex-view/internal/book"
	"solana-dex-view/internal/serum"
	"solana-dex-view/internal/solana"
	"solana-dex-view/internal/wallet"
)

// ErrMarketNotFound is returned when the market account does not exist.
var ErrMarketNotFound = errors.New("market account not found")

// Info names a listed market. Symbols and tick decimals come from the
// listing, everything else from the chain.
type Info struct {
	Address      string
	BaseSymbol   string
	QuoteSymbol  string
	TickDecimals int32
}

// Snapshot is a resolved market: decoded state plus the mint decimals needed
// to scale raw amounts.
type Snapshot struct {
	Info          Info
	State         serum.MarketState
	BaseDecimals  uint8
	QuoteDecimals uint8
}

// Meta derives the balance-reconciliation view of the snapshot.
func (s *Snapshot) Meta() balance.MarketMeta {
	return balance.MarketMeta{
		BaseSymbol:    s.Info.BaseSymbol,
		QuoteSymbol:   s.Info.QuoteSymbol,
		BaseMint:      s.State.BaseMint,
		QuoteMint:     s.State.QuoteMint,
		BaseDecimals:  s.BaseDecimals,
		QuoteDecimals: s.QuoteDecimals,
	}
}

// Resolver loads venue accounts and decodes them into typed views.
type Resolver struct {
	rpc       solana.RPCClient
	wallet    wallet.Identity
	programID string
	log       *zap.Logger
}

// NewResolver creates a resolver. programID is the venue program owning
// open-orders accounts.
func NewResolver(rpc solana.RPCClient, w wallet.Identity, programID string, log *zap.Logger) *Resolver {
	if log == nil {
		log = zap.NewNop()
	}
	return &Resolver{rpc: rpc, wallet: w, programID: programID, log: log.Named("resolver")}
}

// LoadSnapshot resolves a market listing into a full snapshot: the market
// account plus both mint accounts for their decimal counts.
func (r *Resolver) LoadSnapshot(ctx context.Context, info Info) (*Snapshot, error) {
	acc, err := r.rpc.GetAccountInfo(ctx, info.Address)
	if err != nil {
		return nil, fmt.Errorf("load market %s: %w", info.Address, err)
	}
	if acc == nil {
		return nil, fmt.Errorf("load market %s: %w", info.Address, ErrMarketNotFound)
	}

	state, err := serum.DecodeMarketState(acc.Data)
	if err != nil {
		return nil, fmt.Errorf("load market %s: %w", info.Address, err)
	}

	mints, err := r.rpc.GetMultipleAccounts(ctx, []string{state.BaseMint, state.QuoteMint})
	if err != nil {
		return nil, fmt.Errorf("load mints for %s: %w", info.Address, err)
	}
	if len(mints) != 2 || mints[0] == nil || mints[1] == nil {
		return nil, fmt.Errorf("load mints for %s: mint account missing", info.Address)
	}

	baseMint, err := serum.DecodeMint(mints[0].Data)
	if err != nil {
		return nil, fmt.Errorf("base mint %s: %w", state.BaseMint, err)
	}
	quoteMint, err := serum.DecodeMint(mints[1].Data)
	if err != nil {
		return nil, fmt.Errorf("quote mint %s: %w", state.QuoteMint, err)
	}

	return &Snapshot{
		Info:          info,
		State:         *state,
		BaseDecimals:  baseMint.Decimals,
		QuoteDecimals: quoteMint.Decimals,
	}, nil
}

// LoadOrderbook fetches and decodes both book sides in parallel and scales
// raw fixed-point levels into real prices and sizes.
func (r *Resolver) LoadOrderbook(ctx context.Context, snap *Snapshot) (*book.Orderbook, error) {
	var bids, asks *serum.BookSide

	p := pool.New().WithContext(ctx).WithCancelOnError()
	p.Go(func(ctx context.Context) error {
		side, err := r.loadBookSide(ctx, snap.State.Bids)
		if err != nil {
			return fmt.Errorf("bids: %w", err)
		}
		bids = side
		return nil
	})
	p.Go(func(ctx context.Context) error {
		side, err := r.loadBookSide(ctx, snap.State.Asks)
		if err != nil {
			return fmt.Errorf("asks: %w", err)
		}
		asks = side
		return nil
	})
	if err := p.Wait(); err != nil {
		return nil, fmt.Errorf("load orderbook %s: %w", snap.Info.Address, err)
	}

	return &book.Orderbook{
		Bids: scaleLevels(bids.Levels, snap),
		Asks: scaleLevels(asks.Levels, snap),
	}, nil
}

func (r *Resolver) loadBookSide(ctx context.Context, address string) (*serum.BookSide, error) {
	acc, err := r.rpc.GetAccountInfo(ctx, address)
	if err != nil {
		return nil, err
	}
	if acc == nil {
		return nil, fmt.Errorf("book side account %s not found", address)
	}
	return serum.DecodeBookSide(acc.Data)
}

func scaleLevels(raw []serum.RawLevel, snap *Snapshot) []book.Level {
	out := make([]book.Level, len(raw))
	for i, lv := range raw {
		out[i] = book.Level{
			Price: balance.Scale(lv.Price, snap.QuoteDecimals),
			Size:  balance.Scale(lv.Size, snap.BaseDecimals),
		}
	}
	return out
}

// LoadOpenOrders resolves the owner's open-orders account for a market.
// Returns nil without error when no wallet is connected or the account does
// not exist; "absent" is data, not a failure.
func (r *Resolver) LoadOpenOrders(ctx context.Context, snap *Snapshot) (*serum.OpenOrders, error) {
	owner, ok := r.wallet.Owner()
	if !ok {
		return nil, nil
	}

	addr, err := serum.DeriveOpenOrdersAddress(snap.Info.Address, owner, r.programID)
	if err != nil {
		return nil, fmt.Errorf("derive open orders: %w", err)
	}

	acc, err := r.rpc.GetAccountInfo(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("load open orders %s: %w", addr, err)
	}
	if acc == nil {
		return nil, nil
	}
	return serum.DecodeOpenOrders(acc.Data)
}

// LoadWalletView fetches the connected owner's native balance and SPL token
// accounts in parallel. Returns the zero view when no wallet is connected.
func (r *Resolver) LoadWalletView(ctx context.Context) (balance.WalletView, error) {
	owner, ok := r.wallet.Owner()
	if !ok {
		return balance.WalletView{}, nil
	}

	var view balance.WalletView

	p := pool.New().WithContext(ctx).WithCancelOnError()
	p.Go(func(ctx context.Context) error {
		lamports, err := r.rpc.GetBalance(ctx, owner)
		if err != nil {
			return fmt.Errorf("balance: %w", err)
		}
		view.Lamports = lamports
		return nil
	})
	p.Go(func(ctx context.Context) error {
		accounts, err := r.rpc.GetTokenAccountsByOwner(ctx, owner)
		if err != nil {
			return fmt.Errorf("token accounts: %w", err)
		}
		tokens := make([]serum.TokenAccount, 0, len(accounts))
		for _, ka := range accounts {
			ta, err := serum.DecodeTokenAccount(ka.Account.Data)
			if err != nil {
				r.log.Warn("skipping undecodable token account",
					zap.String("pubkey", ka.Pubkey), zap.Error(err))
				continue
			}
			tokens = append(tokens, *ta)
		}
		view.TokenAccounts = tokens
		return nil
	})
	if err := p.Wait(); err != nil {
		return balance.WalletView{}, fmt.Errorf("load wallet view for %s: %w", owner, err)
	}

	return view, nil
}

// LoadBalances reconciles the wallet view with the market's open-orders
// account into per-currency balances.
func (r *Resolver) LoadBalances(ctx context.Context, snap *Snapshot) (*balance.MarketBalances, error) {
	var (
		view balance.WalletView
		oo   *serum.OpenOrders
	)

	p := pool.New().WithContext(ctx).WithCancelOnError()
	p.Go(func(ctx context.Context) error {
		v, err := r.LoadWalletView(ctx)
		if err != nil {
			return err
		}
		view = v
		return nil
	})
	p.Go(func(ctx context.Context) error {
		o, err := r.LoadOpenOrders(ctx, snap)
		if err != nil {
			return err
		}
		oo = o
		return nil
	})
	if err := p.Wait(); err != nil {
		return nil, err
	}

	balances := balance.Reconcile(snap.Meta(), view, oo)
	return &balances, nil
}
