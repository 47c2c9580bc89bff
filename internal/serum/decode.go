package serum

import (
	"encoding/binary"
	"fmt"

	"github.com/mr-tron/base58"
)

// Layout sizes and offsets.
const (
	marketStateLen  = 184
	openOrdersLen   = 104
	bookHeaderLen   = 12
	bookEntryLen    = 48
	tokenAccountLen = 165
	mintLen         = 82

	mintDecimalsOffset = 44
)

// DecodeError reports a malformed or unexpected account layout.
type DecodeError struct {
	Layout string
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %s", e.Layout, e.Reason)
}

func decodeErrf(layout, format string, args ...any) *DecodeError {
	return &DecodeError{Layout: layout, Reason: fmt.Sprintf(format, args...)}
}

// DecodeMarketState decodes a market account:
// accountFlags u64 | ownAddress [32] | baseMint [32] | quoteMint [32] |
// bids [32] | asks [32] | baseLotSize u64 | quoteLotSize u64.
func DecodeMarketState(data []byte) (*MarketState, error) {
	if len(data) < marketStateLen {
		return nil, decodeErrf("market", "short buffer: %d bytes, want %d", len(data), marketStateLen)
	}

	flags := binary.LittleEndian.Uint64(data[0:8])
	if flags&FlagInitialized == 0 || flags&FlagMarket == 0 {
		return nil, decodeErrf("market", "account flags %#x do not mark an initialized market", flags)
	}

	return &MarketState{
		OwnAddress:   base58.Encode(data[8:40]),
		BaseMint:     base58.Encode(data[40:72]),
		QuoteMint:    base58.Encode(data[72:104]),
		Bids:         base58.Encode(data[104:136]),
		Asks:         base58.Encode(data[136:168]),
		BaseLotSize:  binary.LittleEndian.Uint64(data[168:176]),
		QuoteLotSize: binary.LittleEndian.Uint64(data[176:184]),
	}, nil
}

// DecodeBookSide decodes a bids or asks account:
// accountFlags u64 | count u32 | count * (price u64 | size u64 | owner [32]).
func DecodeBookSide(data []byte) (*BookSide, error) {
	if len(data) < bookHeaderLen {
		return nil, decodeErrf("book side", "short buffer: %d bytes, want at least %d", len(data), bookHeaderLen)
	}

	flags := binary.LittleEndian.Uint64(data[0:8])
	isBids := flags&FlagBids != 0
	if flags&FlagInitialized == 0 || (!isBids && flags&FlagAsks == 0) {
		return nil, decodeErrf("book side", "account flags %#x mark neither bids nor asks", flags)
	}

	count := int(binary.LittleEndian.Uint32(data[8:12]))
	want := bookHeaderLen + count*bookEntryLen
	if len(data) < want {
		return nil, decodeErrf("book side", "truncated: %d entries need %d bytes, have %d", count, want, len(data))
	}

	levels := make([]RawLevel, count)
	for i := 0; i < count; i++ {
		off := bookHeaderLen + i*bookEntryLen
		levels[i] = RawLevel{
			Price: binary.LittleEndian.Uint64(data[off : off+8]),
			Size:  binary.LittleEndian.Uint64(data[off+8 : off+16]),
			Owner: base58.Encode(data[off+16 : off+48]),
		}
	}

	return &BookSide{IsBids: isBids, Levels: levels}, nil
}

// DecodeOpenOrders decodes an open-orders account:
// accountFlags u64 | market [32] | owner [32] |
// baseFree u64 | baseTotal u64 | quoteFree u64 | quoteTotal u64.
func DecodeOpenOrders(data []byte) (*OpenOrders, error) {
	if len(data) < openOrdersLen {
		return nil, decodeErrf("open orders", "short buffer: %d bytes, want %d", len(data), openOrdersLen)
	}

	flags := binary.LittleEndian.Uint64(data[0:8])
	if flags&FlagInitialized == 0 || flags&FlagOpenOrders == 0 {
		return nil, decodeErrf("open orders", "account flags %#x do not mark open orders", flags)
	}

	oo := &OpenOrders{
		Market:     base58.Encode(data[8:40]),
		Owner:      base58.Encode(data[40:72]),
		BaseFree:   binary.LittleEndian.Uint64(data[72:80]),
		BaseTotal:  binary.LittleEndian.Uint64(data[80:88]),
		QuoteFree:  binary.LittleEndian.Uint64(data[88:96]),
		QuoteTotal: binary.LittleEndian.Uint64(data[96:104]),
	}

	if oo.BaseFree > oo.BaseTotal || oo.QuoteFree > oo.QuoteTotal {
		return nil, decodeErrf("open orders", "free exceeds total (base %d/%d, quote %d/%d)",
			oo.BaseFree, oo.BaseTotal, oo.QuoteFree, oo.QuoteTotal)
	}
	return oo, nil
}

// DecodeTokenAccount decodes the SPL token account layout:
// mint [32] | owner [32] | amount u64, padded to 165 bytes.
func DecodeTokenAccount(data []byte) (*TokenAccount, error) {
	if len(data) < tokenAccountLen {
		return nil, decodeErrf("token account", "short buffer: %d bytes, want %d", len(data), tokenAccountLen)
	}

	return &TokenAccount{
		Mint:   base58.Encode(data[0:32]),
		Owner:  base58.Encode(data[32:64]),
		Amount: binary.LittleEndian.Uint64(data[64:72]),
	}, nil
}

// DecodeMint decodes the SPL mint layout; decimals live at byte 44 of the
// 82-byte account.
func DecodeMint(data []byte) (*Mint, error) {
	if len(data) < mintLen {
		return nil, decodeErrf("mint", "short buffer: %d bytes, want %d", len(data), mintLen)
	}
	return &Mint{Decimals: data[mintDecimalsOffset]}, nil
}
