package domain

import "time"

// ListingContent holds the content fields of a listing. The content hash is
// computed over these fields only.
type ListingContent struct {
	Information          ItemInformation        `json:"information"`
	Payment              PaymentInformation     `json:"payment"`
	ShippingDestinations []string               `json:"shippingDestinations,omitempty"`
	Messaging            []MessagingInformation `json:"messaging,omitempty"`
	Objects              []KeyValue             `json:"objects,omitempty"`
}

// ItemInformation is the descriptive part of a listing.
type ItemInformation struct {
	Title            string      `json:"title"`
	ShortDescription string      `json:"shortDescription,omitempty"`
	LongDescription  string      `json:"longDescription,omitempty"`
	Category         []string    `json:"category,omitempty"`
	Images           []ItemImage `json:"images,omitempty"`
}

// ItemImage references image data by its data hash.
type ItemImage struct {
	Hash string `json:"hash"`
}

// PaymentInformation describes how a listing is paid for.
type PaymentInformation struct {
	Type       string       `json:"type"`
	Escrow     *EscrowTerms `json:"escrow,omitempty"`
	CashPrices *CashPrices  `json:"cashPrices,omitempty"`
}

// EscrowTerms holds the escrow type and deposit ratio in percent.
type EscrowTerms struct {
	Type  string      `json:"type"`
	Ratio EscrowRatio `json:"ratio"`
}

// EscrowRatio is the buyer/seller deposit ratio in percent.
type EscrowRatio struct {
	Buyer  int64 `json:"buyer"`
	Seller int64 `json:"seller"`
}

// CashPrices are amounts in the smallest currency unit.
type CashPrices struct {
	Currency              string `json:"currency"`
	Base                  int64  `json:"base"`
	ShippingDomestic      int64  `json:"shippingDomestic,omitempty"`
	ShippingInternational int64  `json:"shippingInternational,omitempty"`
}

// MessagingInformation is a contact channel published with a listing.
type MessagingInformation struct {
	Protocol  string `json:"protocol"`
	PublicKey string `json:"publicKey"`
}

// ListingItem is a listing received from the network.
type ListingItem struct {
	ID            string         `json:"id"`
	Hash          string         `json:"hash"`
	Seller        string         `json:"seller"`
	MarketAddress string         `json:"marketAddress,omitempty"`
	TemplateID    string         `json:"templateId,omitempty"`
	ProposalHash  string         `json:"proposalHash,omitempty"`
	ExpiryDays    int            `json:"expiryDays,omitempty"`
	Content       ListingContent `json:"content"`
	PostedAt      time.Time      `json:"postedAt"`
	ReceivedAt    time.Time      `json:"receivedAt"`
	CreatedAt     time.Time      `json:"createdAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`
}

// ListingItemTemplate is a locally authored listing.
type ListingItemTemplate struct {
	ID             string         `json:"id"`
	Hash           string         `json:"hash"`
	ProfileAddress string         `json:"profileAddress"`
	Content        ListingContent `json:"content"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
}
