package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeCoinType(t *testing.T) {
	assert.Equal(t,
		"0x0000000000000000000000000000000000000000000000000000000000000002::sui::SUI",
		NormalizeCoinType("0x2::sui::SUI"))
	assert.Equal(t, CoinUSDC, NormalizeCoinType(CoinUSDC), "full-length address stays as is")
	assert.Equal(t, "not-a-coin", NormalizeCoinType("not-a-coin"))
}

func TestRegistry_Lookup(t *testing.T) {
	r := DefaultRegistry()

	sui, ok := r.BySymbol("sui")
	require.True(t, ok)
	assert.Equal(t, uint8(9), sui.Decimals)

	long := "0x0000000000000000000000000000000000000000000000000000000000000002::sui::SUI"
	byCoin, ok := r.ByCoinType(long)
	require.True(t, ok, "padded address resolves to the short form")
	assert.Equal(t, "SUI", byCoin.Symbol)

	usdc, err := r.Resolve(CoinUSDC)
	require.NoError(t, err)
	assert.Equal(t, uint8(6), usdc.Decimals)

	_, err = r.Resolve("DOGE")
	assert.Error(t, err)

	assert.Len(t, r.Assets(), 12)
	assert.True(t, sui.Same(Asset{CoinType: long}))
}

func TestNewRegistry_RejectsDuplicates(t *testing.T) {
	_, err := NewRegistry([]Asset{
		{Symbol: "SUI", CoinType: CoinSUI, Decimals: 9},
		{Symbol: "sui", CoinType: CoinUSDC, Decimals: 6},
	})
	assert.Error(t, err)

	_, err = NewRegistry([]Asset{
		{Symbol: "SUI", CoinType: "0x2::sui::SUI", Decimals: 9},
		{Symbol: "SUI2", CoinType: "0x0002::sui::SUI", Decimals: 9},
	})
	assert.Error(t, err)
}
