package polymarket

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/pairarb/internal/domain"
)

// --------------------------------------------------------------------------
// WebSocket DTOs
// --------------------------------------------------------------------------

// WSPriceLevel is a price level as sent on the wire.
type WSPriceLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// BookMessage is a full book for one asset. The REST /book endpoint returns
// the same shape.
type BookMessage struct {
	EventType string         `json:"event_type"`
	AssetID   string         `json:"asset_id"`
	Market    string         `json:"market"`
	Bids      []WSPriceLevel `json:"bids"`
	Asks      []WSPriceLevel `json:"asks"`
	Seq       uint64         `json:"seq"`
	Timestamp string         `json:"timestamp"`
}

// PriceChange is one level update inside a price_change message.
type PriceChange struct {
	AssetID string `json:"asset_id"`
	Side    string `json:"side"` // "BUY" or "SELL"
	Price   string `json:"price"`
	Size    string `json:"size"` // "0" removes the level
	Seq     uint64 `json:"seq"`
}

// PriceChangeMessage carries incremental level updates.
type PriceChangeMessage struct {
	EventType string        `json:"event_type"`
	Market    string        `json:"market"`
	Changes   []PriceChange `json:"price_changes"`
	Timestamp string        `json:"timestamp"`
}

// UserTradeMessage reports a fill on one of our orders (user channel).
type UserTradeMessage struct {
	EventType string `json:"event_type"`
	ID        string `json:"id"`
	OrderID   string `json:"order_id"`
	AssetID   string `json:"asset_id"`
	Side      string `json:"side"`
	Price     string `json:"price"`
	Size      string `json:"size"`
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// UserOrderMessage reports an order lifecycle change (user channel).
type UserOrderMessage struct {
	EventType string `json:"event_type"`
	ID        string `json:"id"`
	Type      string `json:"type"` // PLACEMENT, UPDATE, CANCELLATION
	AssetID   string `json:"asset_id"`
	Timestamp string `json:"timestamp"`
}

// WSAuth authenticates a user channel subscription.
type WSAuth struct {
	APIKey     string `json:"apiKey"`
	Secret     string `json:"secret"`
	Passphrase string `json:"passphrase"`
}

// WSCommand is a subscription request.
type WSCommand struct {
	Type    string   `json:"type"` // "market" or "user"
	Assets  []string `json:"assets_ids,omitempty"`
	Markets []string `json:"markets,omitempty"`
	Auth    *WSAuth  `json:"auth,omitempty"`
}

// --------------------------------------------------------------------------
// REST DTOs
// --------------------------------------------------------------------------

// APIOrderRequest is the body of POST /order.
type APIOrderRequest struct {
	Order     APIOrder `json:"order"`
	Owner     string   `json:"owner"`
	OrderType string   `json:"orderType"`
}

// APIOrder is a limit order.
type APIOrder struct {
	TokenID       string `json:"tokenID"`
	Price         string `json:"price"`
	Size          string `json:"size"`
	Side          string `json:"side"`
	ClientOrderID string `json:"clientOrderId"`
}

// APIOrderResult is the response of POST /order.
type APIOrderResult struct {
	Success  bool   `json:"success"`
	ErrorMsg string `json:"errorMsg"`
	OrderID  string `json:"orderID"`
	Status   string `json:"status"`
}

// APICancelResult is the response of DELETE /order.
type APICancelResult struct {
	Canceled    []string          `json:"canceled"`
	NotCanceled map[string]string `json:"not_canceled"`
}

// --------------------------------------------------------------------------
// Conversions
// --------------------------------------------------------------------------

func parseLevels(levels []WSPriceLevel) ([]domain.PriceLevel, error) {
	out := make([]domain.PriceLevel, 0, len(levels))
	for _, l := range levels {
		p, err := decimal.NewFromString(l.Price)
		if err != nil {
			return nil, fmt.Errorf("price %q: %w", l.Price, err)
		}
		s, err := decimal.NewFromString(l.Size)
		if err != nil {
			return nil, fmt.Errorf("size %q: %w", l.Size, err)
		}
		out = append(out, domain.PriceLevel{Price: p, Size: s})
	}
	return out, nil
}

// BookToFeedEvent converts a book message into a snapshot event.
func BookToFeedEvent(b *BookMessage) (domain.FeedEvent, error) {
	bids, err := parseLevels(b.Bids)
	if err != nil {
		return domain.FeedEvent{}, fmt.Errorf("polymarket: book %s bids: %w", b.AssetID, err)
	}
	asks, err := parseLevels(b.Asks)
	if err != nil {
		return domain.FeedEvent{}, fmt.Errorf("polymarket: book %s asks: %w", b.AssetID, err)
	}
	return domain.FeedEvent{
		Kind:         domain.FeedSnapshot,
		InstrumentID: b.AssetID,
		Bids:         bids,
		Asks:         asks,
		Seq:          b.Seq,
		ReceivedAt:   parseTimestamp(b.Timestamp),
	}, nil
}

// PriceChangesToFeedEvents converts a price_change message into delta events,
// one per level change, preserving message order.
func PriceChangesToFeedEvents(m *PriceChangeMessage) ([]domain.FeedEvent, error) {
	ts := parseTimestamp(m.Timestamp)
	out := make([]domain.FeedEvent, 0, len(m.Changes))
	for _, c := range m.Changes {
		side, err := bookSide(c.Side)
		if err != nil {
			return nil, err
		}
		p, err := decimal.NewFromString(c.Price)
		if err != nil {
			return nil, fmt.Errorf("polymarket: price change %s price %q: %w", c.AssetID, c.Price, err)
		}
		s, err := decimal.NewFromString(c.Size)
		if err != nil {
			return nil, fmt.Errorf("polymarket: price change %s size %q: %w", c.AssetID, c.Size, err)
		}
		out = append(out, domain.FeedEvent{
			Kind:         domain.FeedDelta,
			InstrumentID: c.AssetID,
			Side:         side,
			Price:        p,
			Size:         s,
			Seq:          c.Seq,
			ReceivedAt:   ts,
		})
	}
	return out, nil
}

func bookSide(s string) (domain.BookSide, error) {
	switch strings.ToUpper(s) {
	case "BUY", "BID", "BIDS":
		return domain.SideBid, nil
	case "SELL", "ASK", "ASKS":
		return domain.SideAsk, nil
	default:
		return "", fmt.Errorf("polymarket: unknown side %q", s)
	}
}

func orderSide(s domain.OrderSide) string {
	if s == domain.OrderSideSell {
		return "SELL"
	}
	return "BUY"
}

// parseTimestamp accepts unix seconds, unix milliseconds or RFC3339 and
// falls back to now.
func parseTimestamp(raw string) time.Time {
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		if n > 1e12 {
			return time.UnixMilli(n)
		}
		return time.Unix(n, 0)
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t
	}
	return time.Now()
}
