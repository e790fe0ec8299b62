package domain

import "time"

// Bid is the per (listing item, bidder) negotiation state. Action holds the
// kind of the most recently applied transition.
type Bid struct {
	ID              string     `json:"id"`
	ListingItemID   string     `json:"listingItemId"`
	ListingItemHash string     `json:"listingItemHash"`
	Bidder          string     `json:"bidder"`
	Seller          string     `json:"seller"`
	Action          ActionKind `json:"action"`
	Objects         []KeyValue `json:"objects,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

// OrderStatus tracks the order lifecycle.
type OrderStatus string

const (
	OrderStatusAccepted OrderStatus = "accepted"
	OrderStatusEscrowed OrderStatus = "escrowed"
	OrderStatusComplete OrderStatus = "complete"
	OrderStatusRefunded OrderStatus = "refunded"
)

// EscrowStatus is the escrow sub-state of an order item. The zero value
// means no escrow action has been applied yet.
type EscrowStatus string

const (
	EscrowNone            EscrowStatus = ""
	EscrowLocked          EscrowStatus = "LOCKED"
	EscrowReleased        EscrowStatus = "RELEASED"
	EscrowRefundRequested EscrowStatus = "REFUND_REQUESTED"
	EscrowRefunded        EscrowStatus = "REFUNDED"
)

// Order is derived from an accepted bid. There is at most one order per bid.
type Order struct {
	ID        string      `json:"id"`
	BidID     string      `json:"bidId"`
	Buyer     string      `json:"buyer"`
	Seller    string      `json:"seller"`
	Status    OrderStatus `json:"status"`
	Item      OrderItem   `json:"item"`
	CreatedAt time.Time   `json:"createdAt"`
	UpdatedAt time.Time   `json:"updatedAt"`
}

// OrderItem is the single item of an order and carries its escrow state.
type OrderItem struct {
	ID              string `json:"id"`
	OrderID         string `json:"orderId"`
	BidID           string `json:"bidId"`
	ListingItemID   string `json:"listingItemId"`
	ListingItemHash string `json:"listingItemHash"`
	Escrow          Escrow `json:"escrow"`
}

// Escrow is the escrow state attached to an order item.
type Escrow struct {
	Status    EscrowStatus `json:"status"`
	Nonce     string       `json:"nonce,omitempty"`
	Memo      string       `json:"memo,omitempty"`
	TxID      string       `json:"txid,omitempty"`
	UpdatedAt time.Time    `json:"updatedAt"`
}

// EscrowPatch is written together with an escrow transition.
type EscrowPatch struct {
	Nonce string
	Memo  string
	TxID  string
}

// OrderStatusFor maps an escrow status onto the owning order status.
func OrderStatusFor(s EscrowStatus) OrderStatus {
	switch s {
	case EscrowLocked, EscrowRefundRequested:
		return OrderStatusEscrowed
	case EscrowReleased:
		return OrderStatusComplete
	case EscrowRefunded:
		return OrderStatusRefunded
	default:
		return OrderStatusAccepted
	}
}
