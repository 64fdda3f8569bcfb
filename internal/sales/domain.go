package sales

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Channel identifies the sales channel a line item came from.
type Channel string

const (
	// ChannelMarketplace covers sales made through the marketplace.
	ChannelMarketplace Channel = "MARKETPLACE"
	// ChannelDirect covers direct sales agreed off the marketplace.
	ChannelDirect Channel = "DIRECT"
	// ChannelStorefront covers sales from the own storefront.
	ChannelStorefront Channel = "STOREFRONT"
)

// AllChannels lists every supported channel in a stable order.
var AllChannels = []Channel{ChannelMarketplace, ChannelDirect, ChannelStorefront}

// ParseChannel normalises a channel name.
func ParseChannel(raw string) (Channel, error) {
	ch := Channel(strings.ToUpper(strings.TrimSpace(raw)))
	switch ch {
	case ChannelMarketplace, ChannelDirect, ChannelStorefront:
		return ch, nil
	}
	return "", fmt.Errorf("sales: unknown channel %q", raw)
}

// Sale is one line item of the external sales feed.
type Sale struct {
	TransactionID string          `json:"transaction_id"`
	ItemID        string          `json:"item_id"`
	Channel       Channel         `json:"channel"`
	Quantity      decimal.Decimal `json:"quantity"`
	UnitAmount    decimal.Decimal `json:"unit_amount"`
	Currency      string          `json:"currency"`
	Timestamp     time.Time       `json:"timestamp"`
}

// Key returns the ordering key of the sale.
func (s Sale) Key() Key {
	return Key{Timestamp: s.Timestamp, TransactionID: s.TransactionID}
}

// Key totally orders sales by timestamp then transaction id.
type Key struct {
	Timestamp     time.Time `json:"timestamp"`
	TransactionID string    `json:"transaction_id"`
}

// IsZero reports whether the key is unset.
func (k Key) IsZero() bool {
	return k.Timestamp.IsZero() && k.TransactionID == ""
}

// Compare returns -1, 0 or 1 depending on the order of k relative to o.
func (k Key) Compare(o Key) int {
	if c := k.Timestamp.Compare(o.Timestamp); c != 0 {
		return c
	}
	return strings.Compare(k.TransactionID, o.TransactionID)
}

// Before reports whether k sorts strictly before o.
func (k Key) Before(o Key) bool {
	return k.Compare(o) < 0
}

// Query bounds a feed read. To is inclusive; a zero To is open ended.
// After restarts the stream strictly after the given key.
type Query struct {
	Channel Channel
	From    time.Time
	To      time.Time
	After   Key
}

// Feed exposes the append-only sales stream per channel, ascending by Key.
type Feed interface {
	ListSales(ctx context.Context, q Query) iter.Seq2[Sale, error]
}

// ErrUnordered signals a feed that yielded sales out of key order.
var ErrUnordered = errors.New("sales: feed yielded sales out of order")
