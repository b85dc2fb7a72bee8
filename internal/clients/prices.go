package clients

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/skyduel/skyduel/internal/services/marketdata"
	"github.com/skyduel/skyduel/pkg/observability"
)

// ErrPriceFeedNotConfigured is returned until an operator sets the feed
// URL. The market-data breaker surfaces it as a failing service instead
// of the supervisor refusing to boot.
var ErrPriceFeedNotConfigured = errors.New("clients: price feed url not configured")

// HTTPPriceSource pulls token quotes from a JSON feed. Prices and
// volumes arrive as strings and stay decimal end to end.
type HTTPPriceSource struct {
	url        string
	httpClient *http.Client
	logger     observability.Logger
}

// NewHTTPPriceSource builds a source against url. An empty url is
// allowed; Quotes reports it per call.
func NewHTTPPriceSource(url string, timeout time.Duration, logger observability.Logger) *HTTPPriceSource {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &HTTPPriceSource{
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.WithPrefix("price-feed"),
	}
}

type feedQuote struct {
	Address   string    `json:"address"`
	Symbol    string    `json:"symbol"`
	PriceUSD  string    `json:"price_usd"`
	Change24h float64   `json:"change_24h"`
	VolumeUSD string    `json:"volume_usd"`
	AsOf      time.Time `json:"as_of"`
}

// Quotes fetches and decodes the full feed.
func (p *HTTPPriceSource) Quotes(ctx context.Context) ([]marketdata.TokenQuote, error) {
	if p.url == "" {
		return nil, ErrPriceFeedNotConfigured
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build price feed request")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "price feed request failed")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("price feed returned %d", resp.StatusCode)
	}

	var raw []feedQuote
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, errors.Wrap(err, "failed to decode price feed")
	}

	now := time.Now().UTC()
	quotes := make([]marketdata.TokenQuote, 0, len(raw))
	for _, q := range raw {
		price, err := decimal.NewFromString(q.PriceUSD)
		if err != nil {
			return nil, errors.Wrapf(err, "bad price for %s", q.Address)
		}

		volume := decimal.Zero
		if q.VolumeUSD != "" {
			volume, err = decimal.NewFromString(q.VolumeUSD)
			if err != nil {
				return nil, errors.Wrapf(err, "bad volume for %s", q.Address)
			}
		}

		asOf := q.AsOf
		if asOf.IsZero() {
			asOf = now
		}

		quotes = append(quotes, marketdata.TokenQuote{
			Address:   q.Address,
			Symbol:    q.Symbol,
			PriceUSD:  price,
			Change24h: q.Change24h,
			VolumeUSD: volume,
			AsOf:      asOf,
		})
	}

	return quotes, nil
}
