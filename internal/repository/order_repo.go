package repository

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"

	"escrow-service/internal/domain"
)

// OrderRepository reads published orders, the documents escrow offers
// originate from. The escrow engine never mutates them.
type OrderRepository interface {
	FindByID(ctx context.Context, id primitive.ObjectID) (*domain.Order, error)
}

type mongoOrderRepo struct {
	orders *mongo.Collection
}

func NewOrderRepository(db *mongo.Database) OrderRepository {
	return &mongoOrderRepo{orders: db.Collection(CollectionOrders)}
}

func (r *mongoOrderRepo) FindByID(ctx context.Context, id primitive.ObjectID) (*domain.Order, error) {
	var order domain.Order
	err := r.orders.FindOne(ctx, bson.M{"_id": id}).Decode(&order)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find order: %w", err)
	}
	return &order, nil
}
