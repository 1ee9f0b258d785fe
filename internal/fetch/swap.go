package fetch

import (
	"context"
	"fmt"
	"net/url"

	"github.com/sirupsen/logrus"

	"github.com/yourorg/leverage-engine/internal/aggregate"
	"github.com/yourorg/leverage-engine/internal/amount"
	"github.com/yourorg/leverage-engine/internal/config"
	"github.com/yourorg/leverage-engine/internal/model"
	"github.com/yourorg/leverage-engine/internal/types"
)

// SwapClient asks one swap venue or router for quotes
type SwapClient struct {
	jsonClient
	name string
}

// NewSwapClient creates a quote client for the venue at baseURL
func NewSwapClient(name, baseURL, apiKey string) *SwapClient {
	return &SwapClient{jsonClient: newJSONClient(name, baseURL, apiKey), name: name}
}

// NewSwapVenues builds one resolver venue per configured swap URL. Venues are
// named by position, swap-0 first, and share the "swap" API key.
func NewSwapVenues(cfg config.Config) []aggregate.Venue {
	venues := make([]aggregate.Venue, 0, len(cfg.SwapURLs))
	for i, u := range cfg.SwapURLs {
		name := fmt.Sprintf("swap-%d", i)
		venues = append(venues, aggregate.Venue{Name: name, Quoter: NewSwapClient(name, u, getAPIKey(cfg, "swap"))})
	}
	return venues
}

// Quote returns the venue's candidate routes for amountIn of assetIn
func (c *SwapClient) Quote(ctx context.Context, amountIn amount.Amount, assetIn, assetOut types.Asset) ([]model.Quote, error) {
	q := url.Values{}
	q.Set("amountIn", amountIn.RawString())
	q.Set("coinTypeIn", assetIn.CoinType)
	q.Set("coinTypeOut", assetOut.CoinType)

	var response struct {
		Routes []struct {
			Venue     string `json:"venue"`
			AmountIn  string `json:"amountIn"`
			AmountOut string `json:"amountOut"`
		} `json:"routes"`
	}
	if err := c.get(ctx, "/quote?"+q.Encode(), &response); err != nil {
		return nil, err
	}

	quotes := make([]model.Quote, 0, len(response.Routes))
	for _, r := range response.Routes {
		in := amountIn
		if r.AmountIn != "" {
			parsed, err := amount.FromRaw(r.AmountIn, assetIn.Decimals)
			if err != nil {
				return nil, fmt.Errorf("route amountIn: %w", err)
			}
			in = parsed
		}
		out, err := amount.FromRaw(r.AmountOut, assetOut.Decimals)
		if err != nil {
			return nil, fmt.Errorf("route amountOut: %w", err)
		}
		venue := r.Venue
		if venue == "" {
			venue = c.name
		}
		quotes = append(quotes, model.Quote{Venue: venue, AmountIn: in, AmountOut: out})
	}

	logrus.Debugf("Received %d routes from %s", len(quotes), c.name)
	return quotes, nil
}
