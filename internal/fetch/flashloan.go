package fetch

import (
	"context"
	"fmt"
	"net/url"

	"github.com/yourorg/leverage-engine/internal/amount"
	"github.com/yourorg/leverage-engine/internal/config"
	"github.com/yourorg/leverage-engine/internal/types"
)

// FlashLoanClient reads fee rates and loan capacity from the flash lender
type FlashLoanClient struct {
	jsonClient
}

// NewFlashLoanClient creates a flash lender client from configuration
func NewFlashLoanClient(cfg config.Config) *FlashLoanClient {
	return &FlashLoanClient{jsonClient: newJSONClient("flashloan", cfg.FlashLoanURL, getAPIKey(cfg, "flashloan"))}
}

type flashLoanResponse struct {
	FeeRateBps    *uint64 `json:"feeRateBps"`
	MaxLoanAmount string  `json:"maxLoanAmount"`
}

func (c *FlashLoanClient) terms(ctx context.Context, asset types.Asset) (flashLoanResponse, error) {
	var response flashLoanResponse
	if err := c.get(ctx, "/flashloan/"+url.PathEscape(asset.CoinType), &response); err != nil {
		return flashLoanResponse{}, err
	}
	return response, nil
}

// FeeRateBps returns the lender's fee in basis points for asset
func (c *FlashLoanClient) FeeRateBps(ctx context.Context, asset types.Asset) (uint64, error) {
	response, err := c.terms(ctx, asset)
	if err != nil {
		return 0, err
	}
	if response.FeeRateBps == nil {
		return 0, fmt.Errorf("flash lender returned no fee rate for %s", asset.Symbol)
	}
	if *response.FeeRateBps >= amount.BpsDenominator {
		return 0, fmt.Errorf("flash loan fee %d bps for %s is not a valid rate", *response.FeeRateBps, asset.Symbol)
	}
	return *response.FeeRateBps, nil
}

// MaxLoanAmount returns how much of asset can be flash borrowed right now
func (c *FlashLoanClient) MaxLoanAmount(ctx context.Context, asset types.Asset) (amount.Amount, error) {
	response, err := c.terms(ctx, asset)
	if err != nil {
		return amount.Amount{}, err
	}
	return rawAmount(response.MaxLoanAmount, asset)
}
