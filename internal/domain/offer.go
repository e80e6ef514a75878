package domain

import (
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Stage represents the lifecycle stage of an escrow offer
type Stage string

const (
	StageCreation  Stage = "creation"
	StagePending   Stage = "pending"
	StageActive    Stage = "active"
	StageConfirmed Stage = "confirmed"
	StageCompleted Stage = "completed"
)

// OfferType says which side of the pair is escrowed, from the
// initiator's point of view
type OfferType string

const (
	OfferTypeBuy  OfferType = "buy"
	OfferTypeSell OfferType = "sell"
)

// Role of an actor within one offer
type Role string

const (
	RoleDepositor Role = "depositor"
	RoleRecipient Role = "recipient"
)

// Party is one side of an escrow negotiation
type Party struct {
	ID             int64  `bson:"id"`
	Name           string `bson:"name"`
	Locale         string `bson:"locale"`
	ReceiveAddress string `bson:"receive_address,omitempty"`
	SendAddress    string `bson:"send_address,omitempty"`
}

// EscrowOffer is the central entity, one document per exchange
// negotiation. Decimal amounts are stored as Decimal128 so mongo keeps
// them exact.
type EscrowOffer struct {
	ID    primitive.ObjectID `bson:"_id"`
	Order primitive.ObjectID `bson:"order"`

	// Currency pair and escrowed side
	Buy  string    `bson:"buy"`
	Sell string    `bson:"sell"`
	Type OfferType `bson:"type"`

	// Parties
	Init    Party `bson:"init"`
	Counter Party `bson:"counter"`

	Stage Stage   `bson:"stage"`
	Time  float64 `bson:"time"`

	// Awaiting holds the pending fee decision ("sell_fee" or
	// "buy_fee") while a leg's fee question is open; plain text from
	// the party is not accepted as an address until it clears.
	Awaiting string `bson:"awaiting,omitempty"`

	// Amounts. SumCurrency names which of sum_buy/sum_sell the
	// initiator supplies; it is unset once the sum is fixed.
	SumCurrency string                `bson:"sum_currency,omitempty"`
	SumBuy      primitive.Decimal128  `bson:"sum_buy,omitempty"`
	SumSell     primitive.Decimal128  `bson:"sum_sell,omitempty"`
	SumFeeUp    primitive.Decimal128  `bson:"sum_fee_up,omitempty"`
	SumFeeDown  primitive.Decimal128  `bson:"sum_fee_down,omitempty"`

	// Addresses
	BuyAddress    string `bson:"buy_address,omitempty"`
	SellAddress   string `bson:"sell_address,omitempty"`
	Memo          string `bson:"memo,omitempty"`
	ReturnAddress string `bson:"return_address,omitempty"`

	// Timestamps
	ReactTime       float64 `bson:"react_time,omitempty"`
	TransactionTime float64 `bson:"transaction_time,omitempty"`
	CancelTime      float64 `bson:"cancel_time,omitempty"`

	TrxID string `bson:"trx_id,omitempty"`
}

// EscrowAsset returns the symbol of the asset being escrowed.
func (o *EscrowOffer) EscrowAsset() string {
	if o.Type == OfferTypeBuy {
		return o.Buy
	}
	return o.Sell
}

// OtherAsset returns the symbol of the non-escrowed leg.
func (o *EscrowOffer) OtherAsset() string {
	if o.Type == OfferTypeBuy {
		return o.Sell
	}
	return o.Buy
}

// EscrowSum returns the amount of the escrowed asset.
func (o *EscrowOffer) EscrowSum() primitive.Decimal128 {
	if o.Type == OfferTypeBuy {
		return o.SumBuy
	}
	return o.SumSell
}

// OtherSum returns the amount of the non-escrowed leg.
func (o *EscrowOffer) OtherSum() primitive.Decimal128 {
	if o.Type == OfferTypeBuy {
		return o.SumSell
	}
	return o.SumBuy
}

// Depositor returns the party who must send the escrowed asset to the
// custodial address: the initiator for buy offers, the counter-party
// for sell offers.
func (o *EscrowOffer) Depositor() Party {
	if o.Type == OfferTypeBuy {
		return o.Init
	}
	return o.Counter
}

// Recipient returns the party who receives the non-escrowed leg.
func (o *EscrowOffer) Recipient() Party {
	if o.Type == OfferTypeBuy {
		return o.Counter
	}
	return o.Init
}

// DepositorLegAddress is the depositor's own collected address: the
// destination of the direct (non-escrowed) leg and the sender address
// deposits are matched against. Both legs of a pair live on one chain,
// so the account is the same for either asset.
func (o *EscrowOffer) DepositorLegAddress() string {
	if o.Type == OfferTypeBuy {
		return o.SellAddress
	}
	return o.BuyAddress
}

// RecipientLegAddress is where the custodian pays the escrowed asset
// out on completion.
func (o *EscrowOffer) RecipientLegAddress() string {
	if o.Type == OfferTypeBuy {
		return o.BuyAddress
	}
	return o.SellAddress
}

// RoleOf maps an acting user to their role within the offer.
func RoleOf(o *EscrowOffer, userID int64) (Role, bool) {
	switch userID {
	case o.Depositor().ID:
		return RoleDepositor, true
	case o.Recipient().ID:
		return RoleRecipient, true
	}
	return "", false
}

// IsParty reports whether the user is one of the two parties.
func (o *EscrowOffer) IsParty(userID int64) bool {
	return o.Init.ID == userID || o.Counter.ID == userID
}

// Order is the published order an escrow offer originates from. Only
// the fields the escrow engine reads are modelled here; order-book
// browsing owns the rest.
type Order struct {
	ID        primitive.ObjectID   `bson:"_id"`
	UserID    int64                `bson:"user_id"`
	Buy       string               `bson:"buy"`
	Sell      string               `bson:"sell"`
	SumBuy    primitive.Decimal128 `bson:"sum_buy,omitempty"`
	SumSell   primitive.Decimal128 `bson:"sum_sell,omitempty"`
	PriceBuy  primitive.Decimal128 `bson:"price_buy,omitempty"`
	PriceSell primitive.Decimal128 `bson:"price_sell,omitempty"`
}
