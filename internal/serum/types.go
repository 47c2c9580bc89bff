// Package serum decodes the venue's on-chain account layouts into typed
// views. All multi-byte integers are little-endian. Decode failures are
// fatal to the single fetch attempt that hit them, never to the process.
package serum

// Account flag bits (accountFlags field, first 8 bytes of every layout).
const (
	FlagInitialized uint64 = 1 << 0
	FlagMarket      uint64 = 1 << 1
	FlagOpenOrders  uint64 = 1 << 2
	FlagBids        uint64 = 1 << 3
	FlagAsks        uint64 = 1 << 4
)

// MarketState is the decoded market account.
type MarketState struct {
	OwnAddress   string
	BaseMint     string
	QuoteMint    string
	Bids         string
	Asks         string
	BaseLotSize  uint64
	QuoteLotSize uint64
}

// RawLevel is one resting order entry in a book side account. Price is a
// fixed-point integer scaled by the market's quote decimals, Size by its
// base decimals. Multiple entries may share a price; aggregation merges them.
type RawLevel struct {
	Price uint64
	Size  uint64
	Owner string
}

// BookSide is a decoded bids or asks account.
type BookSide struct {
	IsBids bool
	Levels []RawLevel
}

// OpenOrders is the decoded per-(market, owner) open-orders account. The
// Free fields are settled-but-unclaimed amounts; Total minus Free is locked
// in resting orders. Fixed-point integers in the market's native decimals.
type OpenOrders struct {
	Market     string
	Owner      string
	BaseFree   uint64
	BaseTotal  uint64
	QuoteFree  uint64
	QuoteTotal uint64
}

// TokenAccount is a decoded SPL token account (mint, owner, amount prefix of
// the 165-byte layout).
type TokenAccount struct {
	Mint   string
	Owner  string
	Amount uint64
}

// Mint is a decoded SPL mint; only the decimal count matters here.
type Mint struct {
	Decimals uint8
}
