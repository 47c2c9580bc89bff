// Package balance reconciles wallet token holdings with open-orders
// locked/free amounts into a per-currency view. Fixed-point on-chain
// integers stay integers until the final scaling step, so repeated
// arithmetic never accumulates floating-point drift.
package balance

import (
	"math/big"

	"github.com/shopspring/decimal"

	"solana-dex-view/internal/serum"
)

// Scale converts a raw fixed-point integer amount with d decimals to its
// real value a / 10^d. Exact for the full uint64 range and any d.
func Scale(raw uint64, d uint8) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(raw), -int32(d))
}

// CurrencyBalance is the unified view of one currency on one market.
// LockedInOrders and Unsettled are absent, not zero, when the owner has no
// open-orders account for the market: "never traded here" is distinguishable
// from "traded and now flat".
type CurrencyBalance struct {
	Symbol string
	Mint   string
	// Wallet is the spendable wallet-side balance.
	Wallet decimal.Decimal
	// LockedInOrders is total minus free: funds committed to resting orders.
	LockedInOrders decimal.NullDecimal
	// Unsettled is the free amount: filled but not yet settled back to the
	// wallet.
	Unsettled decimal.NullDecimal
}

// MarketMeta identifies the two currencies of a market and their scaling.
type MarketMeta struct {
	BaseSymbol    string
	QuoteSymbol   string
	BaseMint      string
	QuoteMint     string
	BaseDecimals  uint8
	QuoteDecimals uint8
}

// WalletView is the raw wallet-side state: the native ledger balance in
// lamports plus all SPL token accounts held by the owner.
type WalletView struct {
	Lamports      uint64
	TokenAccounts []serum.TokenAccount
}

// Amount returns the raw wallet balance for a mint. The native asset reads
// the lamport field rather than a token account; SPL balances sum across the
// owner's token accounts for that mint.
func (w WalletView) Amount(mint string) uint64 {
	if mint == serum.NativeMint {
		return w.Lamports
	}
	var total uint64
	for _, ta := range w.TokenAccounts {
		if ta.Mint == mint {
			total += ta.Amount
		}
	}
	return total
}

// MarketBalances pairs the base and quote currency views for one market.
type MarketBalances struct {
	Base  CurrencyBalance
	Quote CurrencyBalance
}

// Reconcile combines wallet holdings and the market's open-orders snapshot.
// openOrders may be nil, meaning no account exists yet for this market.
func Reconcile(meta MarketMeta, wallet WalletView, openOrders *serum.OpenOrders) MarketBalances {
	base := reconcileCurrency(meta.BaseSymbol, meta.BaseMint, currencyDecimals(meta.BaseMint, meta.BaseDecimals), wallet)
	quote := reconcileCurrency(meta.QuoteSymbol, meta.QuoteMint, currencyDecimals(meta.QuoteMint, meta.QuoteDecimals), wallet)

	if openOrders != nil {
		applyOpenOrders(&base, openOrders.BaseFree, openOrders.BaseTotal, currencyDecimals(meta.BaseMint, meta.BaseDecimals))
		applyOpenOrders(&quote, openOrders.QuoteFree, openOrders.QuoteTotal, currencyDecimals(meta.QuoteMint, meta.QuoteDecimals))
	}

	return MarketBalances{Base: base, Quote: quote}
}

// currencyDecimals pins the native asset to its fixed decimal count.
func currencyDecimals(mint string, d uint8) uint8 {
	if mint == serum.NativeMint {
		return serum.NativeDecimals
	}
	return d
}

func reconcileCurrency(symbol, mint string, d uint8, wallet WalletView) CurrencyBalance {
	return CurrencyBalance{
		Symbol: symbol,
		Mint:   mint,
		Wallet: Scale(wallet.Amount(mint), d),
	}
}

func applyOpenOrders(cb *CurrencyBalance, free, total uint64, d uint8) {
	cb.LockedInOrders = decimal.NullDecimal{Decimal: Scale(total-free, d), Valid: true}
	cb.Unsettled = decimal.NullDecimal{Decimal: Scale(free, d), Valid: true}
}
