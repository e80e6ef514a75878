package golos

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"

	"escrow-service/internal/watch"
)

type nopStreamer struct{}

func (nopStreamer) StartStreaming(ctx context.Context) error { return nil }

func TestStopStreamingDrained(t *testing.T) {
	b := New(Config{Account: "escrowbot"}, zap.NewNop())
	b.Attach(watch.NewQueue(nopStreamer{}, zap.NewNop()), nil)
	b.streaming.Store(true)

	assert.True(t, b.stopStreaming())
	assert.False(t, b.streaming.Load())
}

func TestStopStreamingKeepsSessionForRacedEnqueue(t *testing.T) {
	b := New(Config{Account: "escrowbot"}, zap.NewNop())
	q := watch.NewQueue(nopStreamer{}, zap.NewNop())
	b.Attach(q, nil)
	b.streaming.Store(true)

	// the entry lands while the session still holds the flag, so its
	// empty-to-non-empty edge cannot start a new session
	require.NoError(t, q.Enqueue(context.Background(), watch.Entry{
		OfferID:       primitive.NewObjectID(),
		FromAddress:   "alice",
		AmountWithFee: decimal.RequireFromString("105"),
		Asset:         "GOLOS",
		Memo:          "m",
	}))

	assert.False(t, b.stopStreaming(), "raced entry must keep the session alive")
	assert.True(t, b.streaming.Load())
}
