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

// PartyField selects which side of an offer a lookup filters on.
type PartyField string

const (
	PartyInit    PartyField = "init"
	PartyCounter PartyField = "counter"
	PartyAny     PartyField = ""
)

// EscrowRepository is the persistence boundary of the escrow engine.
// All mutations are single-document; there are no multi-document
// transactions anywhere in the exchange.
type EscrowRepository interface {
	Insert(ctx context.Context, offer *domain.EscrowOffer) error

	// FindByID loads an offer regardless of party or stage.
	FindByID(ctx context.Context, id primitive.ObjectID) (*domain.EscrowOffer, error)

	// FindForUser loads the offer a user is currently driving. An
	// empty stage or PartyAny widens the filter. Absent, wrong party
	// and wrong stage are all domain.ErrNotFound.
	FindForUser(ctx context.Context, userID int64, party PartyField, stage domain.Stage) (*domain.EscrowOffer, error)

	// Update applies $set/$unset to one offer document. Passing a
	// non-empty stage guards the update on the current stage.
	Update(ctx context.Context, id primitive.ObjectID, stage domain.Stage, set bson.M, unset bson.M) error

	// Archive copies the offer into the trash collection and deletes
	// it from escrow. Terminal for the document.
	Archive(ctx context.Context, offer *domain.EscrowOffer) error

	// DeleteOtherPending removes the initiator's other pending offers
	// once one of them is accepted.
	DeleteOtherPending(ctx context.Context, initID int64, keep primitive.ObjectID) error

	// FindUnresolved returns offers with a memo and no trx_id, used to
	// rebuild the watch queue after a restart.
	FindUnresolved(ctx context.Context, assets []string) ([]*domain.EscrowOffer, error)

	// FindOpenByAsset returns open offers escrowing asset whose sum is
	// already fixed. Completed and cancelled offers live in trash, so
	// the escrow collection is the insured exposure.
	FindOpenByAsset(ctx context.Context, asset string) ([]*domain.EscrowOffer, error)
}

type mongoEscrowRepo struct {
	escrow *mongo.Collection
	trash  *mongo.Collection
}

func NewEscrowRepository(db *mongo.Database) EscrowRepository {
	return &mongoEscrowRepo{
		escrow: db.Collection(CollectionEscrow),
		trash:  db.Collection(CollectionTrash),
	}
}

func (r *mongoEscrowRepo) Insert(ctx context.Context, offer *domain.EscrowOffer) error {
	if _, err := r.escrow.InsertOne(ctx, offer); err != nil {
		return fmt.Errorf("failed to insert offer: %w", err)
	}
	return nil
}

func (r *mongoEscrowRepo) FindByID(ctx context.Context, id primitive.ObjectID) (*domain.EscrowOffer, error) {
	return r.findOne(ctx, bson.M{"_id": id})
}

func (r *mongoEscrowRepo) FindForUser(ctx context.Context, userID int64, party PartyField, stage domain.Stage) (*domain.EscrowOffer, error) {
	filter := bson.M{}
	if party == PartyAny {
		filter["$or"] = bson.A{
			bson.M{"init.id": userID},
			bson.M{"counter.id": userID},
		}
	} else {
		filter[string(party)+".id"] = userID
	}
	if stage != "" {
		filter["stage"] = stage
	}
	return r.findOne(ctx, filter)
}

func (r *mongoEscrowRepo) findOne(ctx context.Context, filter bson.M) (*domain.EscrowOffer, error) {
	var offer domain.EscrowOffer
	err := r.escrow.FindOne(ctx, filter).Decode(&offer)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find offer: %w", err)
	}
	return &offer, nil
}

func (r *mongoEscrowRepo) Update(ctx context.Context, id primitive.ObjectID, stage domain.Stage, set bson.M, unset bson.M) error {
	filter := bson.M{"_id": id}
	if stage != "" {
		// stage in the filter bounds lost-update races between two
		// flows touching the same offer to a benign no-op
		filter["stage"] = stage
	}
	update := bson.M{}
	if len(set) > 0 {
		update["$set"] = set
	}
	if len(unset) > 0 {
		update["$unset"] = unset
	}
	res, err := r.escrow.UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("failed to update offer: %w", err)
	}
	if res.MatchedCount == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *mongoEscrowRepo) Archive(ctx context.Context, offer *domain.EscrowOffer) error {
	if _, err := r.trash.InsertOne(ctx, offer); err != nil {
		return fmt.Errorf("failed to archive offer: %w", err)
	}
	if _, err := r.escrow.DeleteOne(ctx, bson.M{"_id": offer.ID}); err != nil {
		return fmt.Errorf("failed to delete offer: %w", err)
	}
	return nil
}

func (r *mongoEscrowRepo) DeleteOtherPending(ctx context.Context, initID int64, keep primitive.ObjectID) error {
	_, err := r.escrow.DeleteMany(ctx, bson.M{
		"init.id": initID,
		"stage":   domain.StagePending,
		"_id":     bson.M{"$ne": keep},
	})
	if err != nil {
		return fmt.Errorf("failed to delete pending offers: %w", err)
	}
	return nil
}

func (r *mongoEscrowRepo) FindUnresolved(ctx context.Context, assets []string) ([]*domain.EscrowOffer, error) {
	return r.findMany(ctx, bson.M{
		"memo":   bson.M{"$exists": true},
		"trx_id": bson.M{"$exists": false},
		"$or": bson.A{
			bson.M{"type": domain.OfferTypeBuy, "buy": bson.M{"$in": assets}},
			bson.M{"type": domain.OfferTypeSell, "sell": bson.M{"$in": assets}},
		},
	})
}

func (r *mongoEscrowRepo) FindOpenByAsset(ctx context.Context, asset string) ([]*domain.EscrowOffer, error) {
	return r.findMany(ctx, bson.M{
		"$or": bson.A{
			bson.M{"type": domain.OfferTypeBuy, "buy": asset, "sum_buy": bson.M{"$exists": true}},
			bson.M{"type": domain.OfferTypeSell, "sell": asset, "sum_sell": bson.M{"$exists": true}},
		},
	})
}

func (r *mongoEscrowRepo) findMany(ctx context.Context, filter bson.M) ([]*domain.EscrowOffer, error) {
	cursor, err := r.escrow.Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to find offers: %w", err)
	}
	defer cursor.Close(ctx)

	var offers []*domain.EscrowOffer
	for cursor.Next(ctx) {
		var offer domain.EscrowOffer
		if err := cursor.Decode(&offer); err != nil {
			return nil, fmt.Errorf("failed to decode offer: %w", err)
		}
		offers = append(offers, &offer)
	}
	return offers, cursor.Err()
}
