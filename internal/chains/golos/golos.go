// Package golos implements the blockchain backend for the Golos chain
// and its GOLOS/GBG assets. Reads and streaming go to public nodes
// over websocket JSON-RPC; outbound transfers go through a trusted
// cli_wallet endpoint holding the custodial account's active key.
package golos

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"escrow-service/internal/domain"
	"escrow-service/internal/watch"
)

const (
	chainName = "GOLOS"

	// blockInterval is the chain's target seconds between blocks and
	// therefore the streaming poll cadence.
	blockInterval = 3 * time.Second

	// confirmWait bounds how long IsBlockConfirmed waits for a block
	// to become irreversible.
	confirmWait = 5 * time.Minute
)

// Config carries node endpoints and escrow policy for the backend.
type Config struct {
	// Nodes are websocket URLs tried in order until one connects.
	Nodes []string
	// WalletURL is the cli_wallet websocket used for transfers.
	WalletURL string
	// Account is the custodial escrow account name.
	Account string
	// Explorer is the transaction URL template with one %s.
	Explorer string
	// Limits is the insured amount per asset.
	Limits map[string]domain.InsuranceLimits
}

// Blockchain is the Golos implementation of domain.Blockchain.
type Blockchain struct {
	cfg    Config
	logger *zap.Logger

	queue     *watch.Queue
	callbacks domain.WatchCallbacks

	mu     sync.Mutex
	node   *rpcClient
	wallet *rpcClient

	streaming atomic.Bool
}

func New(cfg Config, logger *zap.Logger) *Blockchain {
	return &Blockchain{cfg: cfg, logger: logger}
}

// Attach wires the watch queue and its callbacks. Called once during
// startup, before Connect.
func (b *Blockchain) Attach(queue *watch.Queue, callbacks domain.WatchCallbacks) {
	b.queue = queue
	b.callbacks = callbacks
}

func (b *Blockchain) Name() string     { return chainName }
func (b *Blockchain) Assets() []string { return []string{"GOLOS", "GBG"} }
func (b *Blockchain) Address() string  { return b.cfg.Account }

func (b *Blockchain) TrxURL(trxID string) string {
	return fmt.Sprintf(b.cfg.Explorer, trxID)
}

// Connect dials the first reachable node and the wallet endpoint.
// Idempotent: an established connection is reused.
func (b *Blockchain) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.node == nil {
		node, err := dialFirst(ctx, b.cfg.Nodes)
		if err != nil {
			return err
		}
		b.node = node
		b.logger.Info("Connected to golos node", zap.String("node", node.node))
	}
	if b.wallet == nil && b.cfg.WalletURL != "" {
		wallet, err := dialFirst(ctx, []string{b.cfg.WalletURL})
		if err != nil {
			return err
		}
		b.wallet = wallet
	}
	return nil
}

// Close drops both websocket connections.
func (b *Blockchain) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.node != nil {
		b.node.close()
		b.node = nil
	}
	if b.wallet != nil {
		b.wallet.close()
		b.wallet = nil
	}
}

// GetLimits returns the configured insured amounts for asset.
func (b *Blockchain) GetLimits(ctx context.Context, asset string) (domain.InsuranceLimits, error) {
	limits, ok := b.cfg.Limits[asset]
	if !ok {
		return domain.InsuranceLimits{}, fmt.Errorf("asset not supported: %s", asset)
	}
	return limits, nil
}

// Transfer sends amount of asset from the custodial account through
// the wallet endpoint and returns the transaction id.
func (b *Blockchain) Transfer(ctx context.Context, to string, amount decimal.Decimal, asset string) (string, error) {
	b.mu.Lock()
	wallet := b.wallet
	b.mu.Unlock()
	if wallet == nil {
		return "", &domain.ConnectionError{Node: b.cfg.WalletURL, Err: fmt.Errorf("wallet not connected")}
	}

	var result struct {
		ID string `json:"id"`
	}
	err := wallet.invoke(ctx, "transfer", []interface{}{
		b.cfg.Account, to, formatAsset(amount, asset), "", true,
	}, &result)
	if err != nil {
		return "", fmt.Errorf("transfer failed: %w", err)
	}
	return result.ID, nil
}

// IsBlockConfirmed waits for the block to pass the irreversibility
// horizon, refetches it and checks the operation is still present.
func (b *Blockchain) IsBlockConfirmed(ctx context.Context, blockNum int64, op domain.Operation) (bool, error) {
	deadline := time.Now().Add(confirmWait)
	for {
		props, err := b.globalProperties(ctx)
		if err != nil {
			return false, err
		}
		if props.LastIrreversibleBlockNum >= blockNum {
			break
		}
		if time.Now().After(deadline) {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(blockInterval):
		}
	}

	block, err := b.getBlock(ctx, blockNum)
	if err != nil {
		return false, err
	}
	for _, found := range block.transferOps(blockNum) {
		if found.From == op.From && found.To == op.To &&
			found.Amount.Equal(op.Amount) && found.Asset == op.Asset &&
			found.Memo == op.Memo {
			return true, nil
		}
	}
	return false, nil
}

// StartStreaming launches the block-walking session that matches new
// transfers against the watch queue. The queue triggers it on its
// empty-to-non-empty edge; a session already running absorbs the new
// entry instead.
func (b *Blockchain) StartStreaming(ctx context.Context) error {
	if b.queue == nil || b.callbacks == nil {
		return fmt.Errorf("golos: watch queue not attached")
	}
	if err := b.Connect(ctx); err != nil {
		return err
	}
	if !b.streaming.CompareAndSwap(false, true) {
		return nil
	}
	go b.stream(context.Background())
	return nil
}

func (b *Blockchain) stream(ctx context.Context) {
	var last int64

	ticker := time.NewTicker(blockInterval)
	defer ticker.Stop()

	for {
		if b.queue.Len() == 0 && b.stopStreaming() {
			b.logger.Info("Watch queue drained, streaming stopped")
			return
		}

		props, err := b.globalProperties(ctx)
		if err != nil {
			b.logger.Warn("Failed to read chain head, retrying", zap.Error(err))
			b.reconnect(ctx)
		} else {
			if last == 0 {
				last = props.HeadBlockNumber
				b.logger.Info("Streaming golos blocks", zap.Int64("from_block", last+1))
			}
			for num := last + 1; num <= props.HeadBlockNumber; num++ {
				block, err := b.getBlock(ctx, num)
				if err != nil {
					b.logger.Warn("Failed to fetch block", zap.Int64("block", num), zap.Error(err))
					break
				}
				b.processBlock(ctx, num, block)
				last = num
			}
		}

		select {
		case <-ctx.Done():
			b.streaming.Store(false)
			return
		case <-ticker.C:
		}
	}
}

// stopStreaming clears the session flag and reports whether the
// session may exit. An Enqueue landing between the drain check and
// the clear sees the flag still set and starts nothing, so the flag
// is re-taken and the caller keeps the session alive; if the Enqueue
// lands after the clear it starts its own session and the caller
// exits either way.
func (b *Blockchain) stopStreaming() bool {
	b.streaming.Store(false)
	if b.queue.Len() != 0 && b.streaming.CompareAndSwap(false, true) {
		return false
	}
	return true
}

// processBlock matches every transfer to the custodial account
// against the queue. Entries resolve at most once: a confirmed match
// leaves the queue, a refunded or unconfirmed one stays for a
// corrected resend.
func (b *Blockchain) processBlock(ctx context.Context, num int64, block *signedBlock) {
	for _, op := range block.transferOps(num) {
		if op.To != b.cfg.Account {
			continue
		}
		entry, reasons := b.queue.Match(op)
		if entry == nil {
			continue
		}

		if len(reasons) == 0 {
			confirmed, err := b.callbacks.ConfirmTransaction(ctx, entry.OfferID, op)
			if err != nil {
				b.logger.Error("Confirmation callback failed",
					zap.Error(err), zap.String("offer_id", entry.OfferID.Hex()))
				continue
			}
			if confirmed {
				b.queue.Dequeue(entry.OfferID)
			}
			continue
		}

		if err := b.callbacks.RefundTransaction(ctx, reasons, entry.OfferID, op); err != nil {
			b.logger.Error("Refund callback failed",
				zap.Error(err), zap.String("offer_id", entry.OfferID.Hex()))
		}
	}
}

func (b *Blockchain) reconnect(ctx context.Context) {
	b.mu.Lock()
	if b.node != nil {
		b.node.close()
		b.node = nil
	}
	b.mu.Unlock()
	if err := b.Connect(ctx); err != nil {
		b.logger.Warn("Reconnect failed", zap.Error(err))
	}
}

// ============================================================================
// NODE CALLS AND BLOCK DECODING
// ============================================================================

type globalProps struct {
	HeadBlockNumber          int64 `json:"head_block_number"`
	LastIrreversibleBlockNum int64 `json:"last_irreversible_block_num"`
}

type signedBlock struct {
	Transactions   []blockTransaction `json:"transactions"`
	TransactionIDs []string           `json:"transaction_ids"`
}

type blockTransaction struct {
	Operations []json.RawMessage `json:"operations"`
}

type transferBody struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Amount string `json:"amount"`
	Memo   string `json:"memo"`
}

func (b *Blockchain) globalProperties(ctx context.Context) (*globalProps, error) {
	b.mu.Lock()
	node := b.node
	b.mu.Unlock()
	if node == nil {
		return nil, &domain.ConnectionError{Node: "(disconnected)", Err: fmt.Errorf("not connected")}
	}
	var props globalProps
	if err := node.call(ctx, "database_api", "get_dynamic_global_properties", nil, &props); err != nil {
		return nil, err
	}
	return &props, nil
}

func (b *Blockchain) getBlock(ctx context.Context, num int64) (*signedBlock, error) {
	b.mu.Lock()
	node := b.node
	b.mu.Unlock()
	if node == nil {
		return nil, &domain.ConnectionError{Node: "(disconnected)", Err: fmt.Errorf("not connected")}
	}
	var block signedBlock
	if err := node.call(ctx, "database_api", "get_block", []interface{}{num}, &block); err != nil {
		return nil, err
	}
	return &block, nil
}

// transferOps flattens a block into chain-agnostic transfer
// operations, skipping everything else.
func (blk *signedBlock) transferOps(blockNum int64) []domain.Operation {
	var ops []domain.Operation
	for i, trx := range blk.Transactions {
		trxID := ""
		if i < len(blk.TransactionIDs) {
			trxID = blk.TransactionIDs[i]
		}
		for _, raw := range trx.Operations {
			var pair []json.RawMessage
			if err := json.Unmarshal(raw, &pair); err != nil || len(pair) != 2 {
				continue
			}
			var opType string
			if err := json.Unmarshal(pair[0], &opType); err != nil || opType != "transfer" {
				continue
			}
			var body transferBody
			if err := json.Unmarshal(pair[1], &body); err != nil {
				continue
			}
			amount, asset, err := parseAsset(body.Amount)
			if err != nil {
				continue
			}
			ops = append(ops, domain.Operation{
				From:     body.From,
				To:       body.To,
				Amount:   amount,
				Asset:    asset,
				Memo:     body.Memo,
				TrxID:    trxID,
				BlockNum: blockNum,
			})
		}
	}
	return ops
}

// parseAsset splits the chain's "12.345 GOLOS" amount encoding.
func parseAsset(s string) (decimal.Decimal, string, error) {
	parts := strings.Fields(s)
	if len(parts) != 2 {
		return decimal.Zero, "", fmt.Errorf("malformed asset amount: %q", s)
	}
	amount, err := decimal.NewFromString(parts[0])
	if err != nil {
		return decimal.Zero, "", fmt.Errorf("malformed asset amount: %q", s)
	}
	return amount, parts[1], nil
}

// formatAsset renders an amount in the chain's 3-decimal encoding.
func formatAsset(amount decimal.Decimal, asset string) string {
	return amount.StringFixed(3) + " " + asset
}
