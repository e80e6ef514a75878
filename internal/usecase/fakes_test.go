package usecase

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"

	"escrow-service/internal/chains"
	"escrow-service/internal/domain"
	"escrow-service/internal/i18n"
	"escrow-service/internal/money"
	"escrow-service/internal/repository"
	"escrow-service/internal/watch"
	"escrow-service/internal/worker"
)

// ============================================================================
// REPOSITORY FAKES
// ============================================================================

type fakeEscrowRepo struct {
	mu     sync.Mutex
	offers map[primitive.ObjectID]*domain.EscrowOffer
	trash  []*domain.EscrowOffer
}

func newFakeEscrowRepo() *fakeEscrowRepo {
	return &fakeEscrowRepo{offers: make(map[primitive.ObjectID]*domain.EscrowOffer)}
}

func (r *fakeEscrowRepo) Insert(ctx context.Context, offer *domain.EscrowOffer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	clone := *offer
	r.offers[offer.ID] = &clone
	return nil
}

func (r *fakeEscrowRepo) FindByID(ctx context.Context, id primitive.ObjectID) (*domain.EscrowOffer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	offer, ok := r.offers[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	clone := *offer
	return &clone, nil
}

func (r *fakeEscrowRepo) FindForUser(ctx context.Context, userID int64, party repository.PartyField, stage domain.Stage) (*domain.EscrowOffer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, offer := range r.offers {
		if stage != "" && offer.Stage != stage {
			continue
		}
		switch party {
		case repository.PartyInit:
			if offer.Init.ID != userID {
				continue
			}
		case repository.PartyCounter:
			if offer.Counter.ID != userID {
				continue
			}
		default:
			if offer.Init.ID != userID && offer.Counter.ID != userID {
				continue
			}
		}
		clone := *offer
		return &clone, nil
	}
	return nil, domain.ErrNotFound
}

func (r *fakeEscrowRepo) Update(ctx context.Context, id primitive.ObjectID, stage domain.Stage, set bson.M, unset bson.M) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	offer, ok := r.offers[id]
	if !ok || (stage != "" && offer.Stage != stage) {
		return domain.ErrNotFound
	}
	for key, value := range set {
		if err := applyField(offer, key, value); err != nil {
			return err
		}
	}
	for key := range unset {
		switch key {
		case "sum_currency":
			offer.SumCurrency = ""
		case "awaiting":
			offer.Awaiting = ""
		}
	}
	return nil
}

func applyField(o *domain.EscrowOffer, key string, value interface{}) error {
	switch key {
	case "stage":
		o.Stage = value.(domain.Stage)
	case "awaiting":
		o.Awaiting = value.(string)
	case "sum_buy":
		o.SumBuy = value.(primitive.Decimal128)
	case "sum_sell":
		o.SumSell = value.(primitive.Decimal128)
	case "sum_fee_up":
		o.SumFeeUp = value.(primitive.Decimal128)
	case "sum_fee_down":
		o.SumFeeDown = value.(primitive.Decimal128)
	case "sell_address":
		o.SellAddress = value.(string)
	case "buy_address":
		o.BuyAddress = value.(string)
	case "memo":
		o.Memo = value.(string)
	case "trx_id":
		o.TrxID = value.(string)
	case "return_address":
		o.ReturnAddress = value.(string)
	case "react_time":
		o.ReactTime = value.(float64)
	case "transaction_time":
		o.TransactionTime = value.(float64)
	case "init.receive_address":
		o.Init.ReceiveAddress = value.(string)
	case "counter.receive_address":
		o.Counter.ReceiveAddress = value.(string)
	case "init.send_address":
		o.Init.SendAddress = value.(string)
	case "counter.send_address":
		o.Counter.SendAddress = value.(string)
	default:
		return fmt.Errorf("fake repo: unhandled field %s", key)
	}
	return nil
}

func (r *fakeEscrowRepo) Archive(ctx context.Context, offer *domain.EscrowOffer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.offers[offer.ID]; !ok {
		return domain.ErrNotFound
	}
	clone := *offer
	r.trash = append(r.trash, &clone)
	delete(r.offers, offer.ID)
	return nil
}

func (r *fakeEscrowRepo) DeleteOtherPending(ctx context.Context, initID int64, keep primitive.ObjectID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, offer := range r.offers {
		if offer.Init.ID == initID && offer.Stage == domain.StagePending && id != keep {
			delete(r.offers, id)
		}
	}
	return nil
}

func (r *fakeEscrowRepo) FindUnresolved(ctx context.Context, assets []string) ([]*domain.EscrowOffer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	supported := make(map[string]bool, len(assets))
	for _, a := range assets {
		supported[a] = true
	}
	var out []*domain.EscrowOffer
	for _, offer := range r.offers {
		if offer.Memo == "" || offer.TrxID != "" || !supported[offer.EscrowAsset()] {
			continue
		}
		clone := *offer
		out = append(out, &clone)
	}
	return out, nil
}

func (r *fakeEscrowRepo) FindOpenByAsset(ctx context.Context, asset string) ([]*domain.EscrowOffer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.EscrowOffer
	for _, offer := range r.offers {
		if offer.EscrowAsset() != asset || money.FromDecimal128(offer.EscrowSum()).IsZero() {
			continue
		}
		clone := *offer
		out = append(out, &clone)
	}
	return out, nil
}

func (r *fakeEscrowRepo) get(t *testing.T, id primitive.ObjectID) *domain.EscrowOffer {
	t.Helper()
	offer, err := r.FindByID(context.Background(), id)
	require.NoError(t, err)
	return offer
}

type fakeOrderRepo struct {
	orders map[primitive.ObjectID]*domain.Order
}

func (r *fakeOrderRepo) FindByID(ctx context.Context, id primitive.ObjectID) (*domain.Order, error) {
	order, ok := r.orders[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	clone := *order
	return &clone, nil
}

// ============================================================================
// MESSENGER FAKE
// ============================================================================

type sentMessage struct {
	ChatID   int64
	Text     string
	Keyboard domain.Keyboard
}

type markupEdit struct {
	ChatID    int64
	MessageID int
	Keyboard  domain.Keyboard
}

type fakeMessenger struct {
	mu     sync.Mutex
	sent   []sentMessage
	edits  []markupEdit
	nextID int
}

func (m *fakeMessenger) Send(ctx context.Context, chatID int64, text string, keyboard domain.Keyboard) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	m.sent = append(m.sent, sentMessage{ChatID: chatID, Text: text, Keyboard: keyboard})
	return m.nextID, nil
}

func (m *fakeMessenger) EditReplyMarkup(ctx context.Context, chatID int64, messageID int, keyboard domain.Keyboard) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.edits = append(m.edits, markupEdit{ChatID: chatID, MessageID: messageID, Keyboard: keyboard})
	return nil
}

func (m *fakeMessenger) lastTo(chatID int64) (sentMessage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.sent) - 1; i >= 0; i-- {
		if m.sent[i].ChatID == chatID {
			return m.sent[i], true
		}
	}
	return sentMessage{}, false
}

func (m *fakeMessenger) editCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.edits)
}

// ============================================================================
// BLOCKCHAIN FAKE
// ============================================================================

type transferCall struct {
	To     string
	Amount decimal.Decimal
	Asset  string
}

type fakeChain struct {
	mu          sync.Mutex
	limits      domain.InsuranceLimits
	transfers   []transferCall
	transferErr error
	confirmed   bool
	starts      int
}

func (c *fakeChain) Name() string     { return "FAKECHAIN" }
func (c *fakeChain) Assets() []string { return []string{"GOLOS", "GBG"} }
func (c *fakeChain) Address() string  { return "escrowbot" }

func (c *fakeChain) Connect(ctx context.Context) error { return nil }

func (c *fakeChain) GetLimits(ctx context.Context, asset string) (domain.InsuranceLimits, error) {
	return c.limits, nil
}

func (c *fakeChain) Transfer(ctx context.Context, to string, amount decimal.Decimal, asset string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.transferErr != nil {
		return "", c.transferErr
	}
	c.transfers = append(c.transfers, transferCall{To: to, Amount: amount, Asset: asset})
	return fmt.Sprintf("trx-%d", len(c.transfers)), nil
}

func (c *fakeChain) IsBlockConfirmed(ctx context.Context, blockNum int64, op domain.Operation) (bool, error) {
	return c.confirmed, nil
}

func (c *fakeChain) StartStreaming(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.starts++
	return nil
}

func (c *fakeChain) TrxURL(trxID string) string { return "https://explorer/" + trxID }

// ============================================================================
// ENVIRONMENT
// ============================================================================

// messageKeys feeds the test translator: every key renders as itself,
// so assertions match on keys instead of locale copy.
var messageKeys = []string{
	"ask_sum", "send_decimal_number", "send_positive_number",
	"send_number_less_than", "send_number_greater_than",
	"sum_exceeds_order", "sum_exceeds_insurance", "sum_exceeds_total_insurance",
	"fee_question", "fee_pay", "fee_get", "yes", "no",
	"accept", "decline", "sent", "cancel",
	"send_address", "address_invalid",
	"offer_sent", "got_offer", "offer_accepted", "notify_when_complete",
	"offer_declined_init", "offer_declined",
	"send_to_with_memo", "transfer_info_sent",
	"transaction_passed", "transaction_confirmed", "send_to",
	"transaction_not_confirmed", "try_again",
	"transfer_mistakes", "wrong_asset", "wrong_amount", "wrong_memo",
	"refund_after_confirmation", "transaction_refunded",
	"escrow_cancelled", "cant_cancel_stage", "got_back",
	"did_you_get", "complete_when_confirmed", "escrow_completed", "sent_you",
	"manual_validation", "claim_registered",
	"temporary_error", "escrow_unavailable", "offer_not_found",
}

func testTranslator(t *testing.T) *i18n.Translator {
	t.Helper()
	dir := t.TempDir()
	var b []byte
	for _, key := range messageKeys {
		b = append(b, fmt.Sprintf("%q: %q\n", key, key)...)
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "en.yaml"), b, 0o644))
	translator, err := i18n.NewTranslator(dir, zap.NewNop())
	require.NoError(t, err)
	return translator
}

type env struct {
	repo    *fakeEscrowRepo
	orders  *fakeOrderRepo
	chain   *fakeChain
	queue   *watch.Queue
	msgr    *fakeMessenger
	escrow  *EscrowUsecase
	watcher *WatchUsecase
}

const supportChatID = int64(-100)

func newEnv(t *testing.T) *env {
	t.Helper()
	logger := zap.NewNop()

	repo := newFakeEscrowRepo()
	orders := &fakeOrderRepo{orders: make(map[primitive.ObjectID]*domain.Order)}
	chain := &fakeChain{
		limits: domain.InsuranceLimits{
			Single: decimal.RequireFromString("10000"),
			Total:  decimal.RequireFromString("100000"),
		},
	}
	msgr := &fakeMessenger{}

	registry := chains.NewRegistry()
	registry.Register(chain)
	queues := watch.NewSet()
	queue := watch.NewQueue(chain, logger)
	queues.Add(chain.Name(), queue)

	translator := testTranslator(t)
	scheduler := worker.NewScheduler(logger)
	t.Cleanup(scheduler.Stop)

	escrow := NewEscrowUsecase(repo, orders, registry, queues, msgr, translator, scheduler, logger, supportChatID)
	escrow.pendingExpiry = time.Hour
	escrow.disputeRevealDelay = 10 * time.Millisecond

	watcher := NewWatchUsecase(repo, registry, queues, msgr, translator, logger)

	return &env{
		repo:    repo,
		orders:  orders,
		chain:   chain,
		queue:   queue,
		msgr:    msgr,
		escrow:  escrow,
		watcher: watcher,
	}
}

// addOrder registers a published order and returns its id.
func (e *env) addOrder(order *domain.Order) primitive.ObjectID {
	order.ID = primitive.NewObjectID()
	e.orders.orders[order.ID] = order
	return order.ID
}

func requireNotFound(t *testing.T, err error) {
	t.Helper()
	require.Error(t, err)
	require.True(t, errors.Is(err, domain.ErrNotFound), "expected ErrNotFound, got %v", err)
}
