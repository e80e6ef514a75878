package domain

import (
	"context"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// InsuranceLimits is the maximum amount of an asset insured during
// escrow exchange. An offer starts only if its sum stays within them.
type InsuranceLimits struct {
	// Limit on the sum of a single offer
	Single decimal.Decimal
	// Limit on the overall sum of open offers
	Total decimal.Decimal
}

// Operation is the chain-agnostic view of a transfer operation found
// in a block, used for watch-queue matching.
type Operation struct {
	From     string
	To       string
	Amount   decimal.Decimal
	Asset    string
	Memo     string
	TrxID    string
	BlockNum int64
}

// Blockchain is the per-chain backend the escrow engine depends on.
// One implementation per chain; an implementation may serve several
// assets. The engine holds a registry from asset symbol to instance
// and never branches on concrete type.
type Blockchain interface {
	// Name returns the chain name
	Name() string

	// Assets returns the asset symbols this backend serves
	Assets() []string

	// Address returns the custodial escrow account assets are sent to
	Address() string

	// Connect establishes node connectivity. Idempotent. Returns a
	// *ConnectionError when no node is reachable.
	Connect(ctx context.Context) error

	// GetLimits returns insured amounts for asset
	GetLimits(ctx context.Context, asset string) (InsuranceLimits, error)

	// Transfer sends amount of asset from the custodial address.
	// Atomic from the caller's perspective: either a usable
	// transaction id comes back or an error does.
	Transfer(ctx context.Context, to string, amount decimal.Decimal, asset string) (string, error)

	// IsBlockConfirmed checks chain-specific finality of op in block
	// blockNum, independent of amount/memo matching.
	IsBlockConfirmed(ctx context.Context, blockNum int64, op Operation) (bool, error)

	// StartStreaming begins observing new blocks. Called only on the
	// watch queue's empty-to-non-empty edge; calling it while already
	// streaming is a caller bug.
	StartStreaming(ctx context.Context) error

	// TrxURL renders an explorer link for a transaction id. Pure
	// formatting, no I/O.
	TrxURL(trxID string) string
}

// MismatchReason names a field of a queued entry a seen transaction
// disagreed with.
type MismatchReason string

const (
	MismatchAsset  MismatchReason = "asset"
	MismatchAmount MismatchReason = "amount"
	MismatchMemo   MismatchReason = "memo"
)

// WatchCallbacks resolve matched watch-queue entries. Implemented by
// the escrow layer; invoked by adapters while processing blocks,
// sequentially per adapter.
type WatchCallbacks interface {
	// ConfirmTransaction handles an exact match. Returns true when
	// the block passed confirmation and the offer advanced.
	ConfirmTransaction(ctx context.Context, offerID primitive.ObjectID, op Operation) (bool, error)

	// RefundTransaction handles a mismatched transfer addressed to
	// the custodial account. Never changes offer stage.
	RefundTransaction(ctx context.Context, reasons []MismatchReason, offerID primitive.ObjectID, op Operation) error
}
