package serum

import (
	"encoding/binary"
	"testing"

	"github.com/mr-tron/base58"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func addrBytes(fill byte) []byte {
	b := make([]byte, 32)
	for i := range b {
		b[i] = fill
	}
	return b
}

func putU64(buf []byte, off int, v uint64) {
	binary.LittleEndian.PutUint64(buf[off:], v)
}

func buildMarket(flags uint64) []byte {
	buf := make([]byte, marketStateLen)
	putU64(buf, 0, flags)
	copy(buf[8:40], addrBytes(0x01))
	copy(buf[40:72], addrBytes(0x02))
	copy(buf[72:104], addrBytes(0x03))
	copy(buf[104:136], addrBytes(0x04))
	copy(buf[136:168], addrBytes(0x05))
	putU64(buf, 168, 100)
	putU64(buf, 176, 10)
	return buf
}

func TestDecodeMarketState(t *testing.T) {
	ms, err := DecodeMarketState(buildMarket(FlagInitialized | FlagMarket))

	require.NoError(t, err)
	assert.Equal(t, base58.Encode(addrBytes(0x02)), ms.BaseMint)
	assert.Equal(t, base58.Encode(addrBytes(0x03)), ms.QuoteMint)
	assert.Equal(t, base58.Encode(addrBytes(0x04)), ms.Bids)
	assert.Equal(t, base58.Encode(addrBytes(0x05)), ms.Asks)
	assert.Equal(t, uint64(100), ms.BaseLotSize)
	assert.Equal(t, uint64(10), ms.QuoteLotSize)
}

func TestDecodeMarketState_BadFlags(t *testing.T) {
	_, err := DecodeMarketState(buildMarket(FlagInitialized))

	var decErr *DecodeError
	require.ErrorAs(t, err, &decErr)
	assert.Equal(t, "market", decErr.Layout)
}

func TestDecodeMarketState_ShortBuffer(t *testing.T) {
	_, err := DecodeMarketState(make([]byte, 50))

	var decErr *DecodeError
	assert.ErrorAs(t, err, &decErr)
}

func buildBookSide(flags uint64, levels []RawLevel) []byte {
	buf := make([]byte, bookHeaderLen+len(levels)*bookEntryLen)
	putU64(buf, 0, flags)
	binary.LittleEndian.PutUint32(buf[8:], uint32(len(levels)))
	for i, lvl := range levels {
		off := bookHeaderLen + i*bookEntryLen
		putU64(buf, off, lvl.Price)
		putU64(buf, off+8, lvl.Size)
		raw, _ := base58.Decode(lvl.Owner)
		copy(buf[off+16:off+48], raw)
	}
	return buf
}

func TestDecodeBookSide(t *testing.T) {
	owner := base58.Encode(addrBytes(0x0a))
	data := buildBookSide(FlagInitialized|FlagAsks, []RawLevel{
		{Price: 105000, Size: 2000000, Owner: owner},
		{Price: 106000, Size: 500000, Owner: owner},
	})

	side, err := DecodeBookSide(data)

	require.NoError(t, err)
	assert.False(t, side.IsBids)
	require.Len(t, side.Levels, 2)
	assert.Equal(t, uint64(105000), side.Levels[0].Price)
	assert.Equal(t, uint64(2000000), side.Levels[0].Size)
	assert.Equal(t, owner, side.Levels[0].Owner)
}

func TestDecodeBookSide_BidsFlag(t *testing.T) {
	data := buildBookSide(FlagInitialized|FlagBids, nil)

	side, err := DecodeBookSide(data)

	require.NoError(t, err)
	assert.True(t, side.IsBids)
	assert.Empty(t, side.Levels)
}

func TestDecodeBookSide_TruncatedEntries(t *testing.T) {
	data := buildBookSide(FlagInitialized|FlagAsks, []RawLevel{{Price: 1, Size: 1, Owner: base58.Encode(addrBytes(1))}})
	_, err := DecodeBookSide(data[:len(data)-10])

	var decErr *DecodeError
	require.ErrorAs(t, err, &decErr)
	assert.Contains(t, decErr.Reason, "truncated")
}

func buildOpenOrders(baseFree, baseTotal, quoteFree, quoteTotal uint64) []byte {
	buf := make([]byte, openOrdersLen)
	putU64(buf, 0, FlagInitialized|FlagOpenOrders)
	copy(buf[8:40], addrBytes(0x01))
	copy(buf[40:72], addrBytes(0x09))
	putU64(buf, 72, baseFree)
	putU64(buf, 80, baseTotal)
	putU64(buf, 88, quoteFree)
	putU64(buf, 96, quoteTotal)
	return buf
}

func TestDecodeOpenOrders(t *testing.T) {
	oo, err := DecodeOpenOrders(buildOpenOrders(100, 700, 5000, 5000))

	require.NoError(t, err)
	assert.Equal(t, uint64(100), oo.BaseFree)
	assert.Equal(t, uint64(700), oo.BaseTotal)
	assert.Equal(t, uint64(5000), oo.QuoteFree)
	assert.Equal(t, uint64(5000), oo.QuoteTotal)
	assert.Equal(t, base58.Encode(addrBytes(0x09)), oo.Owner)
}

func TestDecodeOpenOrders_FreeExceedsTotal(t *testing.T) {
	_, err := DecodeOpenOrders(buildOpenOrders(800, 700, 0, 0))

	var decErr *DecodeError
	assert.ErrorAs(t, err, &decErr)
}

func TestDecodeTokenAccount(t *testing.T) {
	buf := make([]byte, tokenAccountLen)
	copy(buf[0:32], addrBytes(0x02))
	copy(buf[32:64], addrBytes(0x09))
	putU64(buf, 64, 123456789)

	ta, err := DecodeTokenAccount(buf)

	require.NoError(t, err)
	assert.Equal(t, base58.Encode(addrBytes(0x02)), ta.Mint)
	assert.Equal(t, base58.Encode(addrBytes(0x09)), ta.Owner)
	assert.Equal(t, uint64(123456789), ta.Amount)
}

func TestDecodeTokenAccount_ShortBuffer(t *testing.T) {
	_, err := DecodeTokenAccount(make([]byte, 72))

	var decErr *DecodeError
	assert.ErrorAs(t, err, &decErr)
}

func TestDecodeMint(t *testing.T) {
	buf := make([]byte, mintLen)
	buf[mintDecimalsOffset] = 6

	mint, err := DecodeMint(buf)

	require.NoError(t, err)
	assert.Equal(t, uint8(6), mint.Decimals)
}
