// Package types contains shared asset definitions used across multiple packages
package types

import (
	"fmt"
	"sort"
	"strings"
)

// Asset identifies a token by its on-chain coin type and precision
type Asset struct {
	Symbol   string `json:"symbol" yaml:"symbol"`
	CoinType string `json:"coinType" yaml:"coinType"`
	Decimals uint8  `json:"decimals" yaml:"decimals"`
}

func (a Asset) String() string {
	if a.Symbol != "" {
		return a.Symbol
	}
	return a.CoinType
}

// Same reports whether a and b name the same coin type
func (a Asset) Same(b Asset) bool {
	return NormalizeCoinType(a.CoinType) == NormalizeCoinType(b.CoinType)
}

// Known coin types
const (
	CoinSUI   = "0x2::sui::SUI"
	CoinUSDC  = "0xdba34672e30cb065b1f93e3ab55318768fd6fef66c15942c9f7cb846e2f900e7::usdc::USDC"
	CoinLBTC  = "0x3e8e9423d80e1774a7ca128fccd8bf5f1f7753be658c5e645929037f7c819040::lbtc::LBTC"
	CoinWUSDC = "0x5d4b302506645c37ff133b98c4b50a5ae14841659738d6d733d59d0d217a93bf::coin::COIN"
	CoinWUSDT = "0xc060006111016b8a020ad5b33834984a437aaa7d3c74c18e09a95d48aceab08c::coin::COIN"
	CoinWETH  = "0xaf8cd5edc19c4512f4259f0bee101a40d41ebed738ade5874359610ef8eeced5::coin::COIN"
	CoinWBTC  = "0x027792d9fed7f9844eb4839566001bb6f6cb4804f66aa2da6fe1ee242d896881::coin::COIN"
	CoinCETUS = "0x06864a6f921804860930db6ddbe2e16acdf8504495ea7481637a1c8b9a8fe54b::cetus::CETUS"
	CoinAFSUI = "0xf325ce1300e8dac124071d3152c5c5ee6174914f8bc2161e88329cf579246efc::afsui::AFSUI"
	CoinHASUI = "0xbde4ba4c2e274a60ce15c1cfff9e5c42e41654ac8b6d906a57efa4bd3c29f47d::hasui::HASUI"
	CoinCERT  = "0x549e8b69270defbfafd4f94e17ec44cdbdd99820b33bda2278dea3b9a32d3f55::cert::CERT"
	CoinSCA   = "0x7016aae72cfc67f2fadf55769c0a7dd54291a583b63051a5ed71081cce836ac6::sca::SCA"
)

// DefaultAssets lists the reserves the engine knows out of the box
func DefaultAssets() []Asset {
	return []Asset{
		{Symbol: "SUI", CoinType: CoinSUI, Decimals: 9},
		{Symbol: "USDC", CoinType: CoinUSDC, Decimals: 6},
		{Symbol: "LBTC", CoinType: CoinLBTC, Decimals: 8},
		{Symbol: "wUSDC", CoinType: CoinWUSDC, Decimals: 6},
		{Symbol: "wUSDT", CoinType: CoinWUSDT, Decimals: 6},
		{Symbol: "wETH", CoinType: CoinWETH, Decimals: 18},
		{Symbol: "wBTC", CoinType: CoinWBTC, Decimals: 8},
		{Symbol: "CETUS", CoinType: CoinCETUS, Decimals: 9},
		{Symbol: "AFSUI", CoinType: CoinAFSUI, Decimals: 9},
		{Symbol: "HASUI", CoinType: CoinHASUI, Decimals: 9},
		{Symbol: "CERT", CoinType: CoinCERT, Decimals: 9},
		{Symbol: "SCA", CoinType: CoinSCA, Decimals: 9},
	}
}

// NormalizeCoinType pads the package address of a Move coin type to 64 hex
// digits. Anything that is not a three-part coin type is returned unchanged.
func NormalizeCoinType(coinType string) string {
	parts := strings.Split(coinType, "::")
	if len(parts) != 3 {
		return coinType
	}
	pkg := strings.TrimPrefix(strings.ToLower(parts[0]), "0x")
	if len(pkg) < 64 {
		pkg = strings.Repeat("0", 64-len(pkg)) + pkg
	}
	return "0x" + pkg + "::" + parts[1] + "::" + parts[2]
}

// Registry resolves assets by symbol or coin type
type Registry struct {
	bySymbol map[string]Asset
	byCoin   map[string]Asset
}

// NewRegistry indexes the given assets. Symbols are matched case-insensitively.
func NewRegistry(assets []Asset) (*Registry, error) {
	r := &Registry{
		bySymbol: make(map[string]Asset, len(assets)),
		byCoin:   make(map[string]Asset, len(assets)),
	}
	for _, a := range assets {
		if a.Symbol == "" || a.CoinType == "" {
			return nil, fmt.Errorf("asset %q: symbol and coin type are required", a.String())
		}
		key := strings.ToUpper(a.Symbol)
		if _, dup := r.bySymbol[key]; dup {
			return nil, fmt.Errorf("duplicate asset symbol %s", a.Symbol)
		}
		coin := NormalizeCoinType(a.CoinType)
		if _, dup := r.byCoin[coin]; dup {
			return nil, fmt.Errorf("duplicate coin type %s", a.CoinType)
		}
		r.bySymbol[key] = a
		r.byCoin[coin] = a
	}
	return r, nil
}

// DefaultRegistry returns a registry over DefaultAssets
func DefaultRegistry() *Registry {
	r, err := NewRegistry(DefaultAssets())
	if err != nil {
		panic(err)
	}
	return r
}

func (r *Registry) BySymbol(symbol string) (Asset, bool) {
	a, ok := r.bySymbol[strings.ToUpper(symbol)]
	return a, ok
}

func (r *Registry) ByCoinType(coinType string) (Asset, bool) {
	a, ok := r.byCoin[NormalizeCoinType(coinType)]
	return a, ok
}

// Resolve accepts either a symbol or a coin type
func (r *Registry) Resolve(ref string) (Asset, error) {
	if a, ok := r.BySymbol(ref); ok {
		return a, nil
	}
	if a, ok := r.ByCoinType(ref); ok {
		return a, nil
	}
	return Asset{}, fmt.Errorf("unknown asset %q", ref)
}

// Assets returns all registered assets ordered by symbol
func (r *Registry) Assets() []Asset {
	out := make([]Asset, 0, len(r.bySymbol))
	for _, a := range r.bySymbol {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}
