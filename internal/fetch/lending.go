package fetch

import (
	"context"
	"fmt"
	"net/url"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/leverage-engine/internal/config"
	"github.com/yourorg/leverage-engine/internal/model"
	"github.com/yourorg/leverage-engine/internal/risk"
	"github.com/yourorg/leverage-engine/internal/types"
)

// LendingClient reads positions and market parameters from the lending
// market provider.
type LendingClient struct {
	jsonClient
	assets *types.Registry
}

// NewLendingClient creates a lending market client from configuration
func NewLendingClient(cfg config.Config, assets *types.Registry) *LendingClient {
	return &LendingClient{
		jsonClient: newJSONClient("lending", cfg.LendingURL, getAPIKey(cfg, "lending")),
		assets:     assets,
	}
}

type holdingResponse struct {
	CoinType             string  `json:"coinType"`
	Amount               string  `json:"amount"`
	Price                string  `json:"price"`
	LiquidationThreshold float64 `json:"liquidationThreshold"`
}

// GetPosition returns the account's collateral and debt snapshot
func (c *LendingClient) GetPosition(ctx context.Context, account string) (model.PositionState, error) {
	var response struct {
		Account    string          `json:"account"`
		Collateral holdingResponse `json:"collateral"`
		Debt       holdingResponse `json:"debt"`
		UpdatedAt  int64           `json:"updatedAt"`
	}
	if err := c.get(ctx, "/positions/"+url.PathEscape(account), &response); err != nil {
		return model.PositionState{}, err
	}

	collateral, err := c.holding(response.Collateral)
	if err != nil {
		return model.PositionState{}, fmt.Errorf("collateral: %w", err)
	}
	debt, err := c.holding(response.Debt)
	if err != nil {
		return model.PositionState{}, fmt.Errorf("debt: %w", err)
	}

	return model.PositionState{
		Account:    account,
		Collateral: collateral,
		Debt:       debt,
		UpdatedAt:  unixTime(response.UpdatedAt),
	}, nil
}

// holding decodes one side of a position. An empty side has no coin type.
func (c *LendingClient) holding(h holdingResponse) (model.Holding, error) {
	if h.CoinType == "" {
		return model.Holding{}, nil
	}
	asset, err := c.assets.Resolve(h.CoinType)
	if err != nil {
		return model.Holding{}, fmt.Errorf("%w: %v", ErrUnsupportedAsset, err)
	}
	amt, err := rawAmount(h.Amount, asset)
	if err != nil {
		return model.Holding{}, err
	}
	price := decimal.Zero
	if h.Price != "" {
		if price, err = decimal.NewFromString(h.Price); err != nil {
			return model.Holding{}, fmt.Errorf("price of %s: %w", asset.Symbol, err)
		}
	}
	return model.Holding{Asset: asset, Amount: amt, Price: price, LiquidationThreshold: h.LiquidationThreshold}, nil
}

// GetMarketParams returns the risk parameters of the asset's reserve. When
// the market publishes only a liquidation threshold the max LTV is derived
// from it.
func (c *LendingClient) GetMarketParams(ctx context.Context, asset types.Asset) (model.MarketParams, error) {
	var response struct {
		CoinType              string  `json:"coinType"`
		MaxLtv                float64 `json:"maxLtv"`
		LiquidationThreshold  float64 `json:"liquidationThreshold"`
		AvailableLiquidity    string  `json:"availableLiquidity"`
		Price                 string  `json:"price"`
		SupplyAPY             float64 `json:"supplyApy"`
		BorrowAPY             float64 `json:"borrowApy"`
		RewardAPR             float64 `json:"rewardApr"`
		RequiresOracleRefresh bool    `json:"requiresOracleRefresh"`
		UpdatedAt             int64   `json:"updatedAt"`
	}
	if err := c.get(ctx, "/markets/"+url.PathEscape(asset.CoinType), &response); err != nil {
		return model.MarketParams{}, err
	}

	if response.CoinType != "" && types.NormalizeCoinType(response.CoinType) != types.NormalizeCoinType(asset.CoinType) {
		return model.MarketParams{}, fmt.Errorf("lending market answered for %s, asked %s", response.CoinType, asset.CoinType)
	}

	liquidity, err := rawAmount(response.AvailableLiquidity, asset)
	if err != nil {
		return model.MarketParams{}, fmt.Errorf("available liquidity: %w", err)
	}
	price, err := decimal.NewFromString(response.Price)
	if err != nil {
		return model.MarketParams{}, fmt.Errorf("price of %s: %w", asset.Symbol, err)
	}

	maxLtv := response.MaxLtv
	if maxLtv == 0 && response.LiquidationThreshold > 0 {
		maxLtv = risk.DeriveLtv(response.LiquidationThreshold)
		logrus.WithFields(logrus.Fields{
			"asset":   asset.Symbol,
			"derived": maxLtv,
		}).Debug("Market reported no max LTV, derived from liquidation threshold")
	}

	updated := unixTime(response.UpdatedAt)
	return model.MarketParams{
		Asset:                asset,
		MaxLtv:               maxLtv,
		LiquidationThreshold: response.LiquidationThreshold,
		AvailableLiquidity:   liquidity,
		Price:                price,
		Rate: model.MarketRate{
			SupplyAPY: response.SupplyAPY,
			BorrowAPY: response.BorrowAPY,
			RewardAPR: response.RewardAPR,
			UpdatedAt: updated,
		},
		RequiresOracleRefresh: response.RequiresOracleRefresh,
		UpdatedAt:             updated,
	}, nil
}
