package polymarket

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/pairarb/internal/domain"
)

// GammaClient is the REST client for the Gamma API, used to look up market
// metadata for configured linked markets.
type GammaClient struct {
	rest *resty.Client
}

// NewGammaClient creates a client for baseURL, e.g.
// "https://gamma-api.polymarket.com".
func NewGammaClient(baseURL string, timeout time.Duration) *GammaClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &GammaClient{
		rest: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(timeout).
			SetHeader("Accept", "application/json"),
	}
}

// gammaMarket is the subset of the Gamma market payload the engine reads.
// outcomes and clobTokenIds arrive as JSON-encoded string arrays.
type gammaMarket struct {
	ConditionID  string          `json:"conditionId"`
	Question     string          `json:"question"`
	Slug         string          `json:"slug"`
	Active       bool            `json:"active"`
	Closed       bool            `json:"closed"`
	EndDate      string          `json:"endDate"`
	Outcomes     string          `json:"outcomes"`
	ClobTokenIDs string          `json:"clobTokenIds"`
	TickSize     decimal.Decimal `json:"orderPriceMinTickSize"`
}

// MarketInfo describes one exchange market.
type MarketInfo struct {
	ConditionID string
	Question    string
	Slug        string
	Active      bool
	Closed      bool
	EndsAt      time.Time
	TickSize    decimal.Decimal
	Tokens      map[string]string // token id -> outcome label
}

// MarketByCondition fetches the market with the given condition id.
func (g *GammaClient) MarketByCondition(ctx context.Context, conditionID string) (MarketInfo, error) {
	var markets []gammaMarket
	resp, err := g.rest.R().
		SetContext(ctx).
		SetQueryParam("condition_ids", conditionID).
		SetResult(&markets).
		Get("/markets")
	if err != nil {
		return MarketInfo{}, fmt.Errorf("polymarket/gamma: market %s: %w", conditionID, err)
	}
	if err := checkHTTPStatus(resp.StatusCode(), resp.Body()); err != nil {
		return MarketInfo{}, fmt.Errorf("polymarket/gamma: market %s: %w", conditionID, err)
	}
	for _, m := range markets {
		if m.ConditionID == conditionID {
			return m.info()
		}
	}
	return MarketInfo{}, fmt.Errorf("polymarket/gamma: market %s: %w", conditionID, domain.ErrNotFound)
}

func (m gammaMarket) info() (MarketInfo, error) {
	out := MarketInfo{
		ConditionID: m.ConditionID,
		Question:    m.Question,
		Slug:        m.Slug,
		Active:      m.Active,
		Closed:      m.Closed,
		TickSize:    m.TickSize,
		Tokens:      make(map[string]string),
	}
	if m.EndDate != "" {
		if t, err := time.Parse(time.RFC3339, m.EndDate); err == nil {
			out.EndsAt = t
		}
	}

	var outcomes, tokens []string
	if m.Outcomes != "" {
		if err := json.Unmarshal([]byte(m.Outcomes), &outcomes); err != nil {
			return MarketInfo{}, fmt.Errorf("polymarket/gamma: decode outcomes: %w", err)
		}
	}
	if m.ClobTokenIDs != "" {
		if err := json.Unmarshal([]byte(m.ClobTokenIDs), &tokens); err != nil {
			return MarketInfo{}, fmt.Errorf("polymarket/gamma: decode token ids: %w", err)
		}
	}
	for i, id := range tokens {
		label := ""
		if i < len(outcomes) {
			label = outcomes[i]
		}
		out.Tokens[id] = label
	}
	return out, nil
}

// VerifyMarket checks a configured linked market against the exchange: the
// market must be open and every leg must be one of its tokens.
func VerifyMarket(info MarketInfo, m domain.LinkedMarket) error {
	if info.Closed {
		return fmt.Errorf("market %s is closed", m.ID)
	}
	for _, leg := range m.Legs {
		if _, ok := info.Tokens[leg.ID]; !ok {
			return fmt.Errorf("market %s: instrument %s is not a token of condition %s", m.ID, leg.ID, info.ConditionID)
		}
		if !info.TickSize.IsZero() && !leg.TickSize.IsZero() && !leg.TickSize.Equal(info.TickSize) {
			return fmt.Errorf("market %s: instrument %s tick size %s, exchange uses %s", m.ID, leg.ID, leg.TickSize, info.TickSize)
		}
	}
	return nil
}
