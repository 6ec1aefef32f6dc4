package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"keygate/pkg/contracts/domain"
)

const (
	defaultAllowListCollection = "keygate_allowlist"
	defaultLicenseCollection   = "keygate_licenses"
)

// MongoOption configures a MongoStore.
type MongoOption func(*MongoStore)

// WithAllowListCollection sets the allow-list collection name.
func WithAllowListCollection(name string) MongoOption {
	return func(s *MongoStore) {
		s.allowName = name
	}
}

// WithLicenseCollection sets the license collection name.
func WithLicenseCollection(name string) MongoOption {
	return func(s *MongoStore) {
		s.licenseName = name
	}
}

// MongoStore implements AllowListStore and LicenseStore on MongoDB.
// Single-document atomicity does all the concurrency work: consumption and
// the status transition are filtered UpdateOne calls, and key uniqueness is
// the _id plus a unique index on user_identity.
type MongoStore struct {
	allowlist   *mongo.Collection
	licenses    *mongo.Collection
	allowName   string
	licenseName string
}

type allowListDoc struct {
	UserID     string     `bson:"_id"`
	Consumed   bool       `bson:"consumed"`
	ConsumedAt *time.Time `bson:"consumed_at,omitempty"`
}

type licenseDoc struct {
	LicenseKey     string     `bson:"_id"`
	OwnerEmail     string     `bson:"owner_email"`
	OwnerName      string     `bson:"owner_name"`
	OwnerPhone     string     `bson:"owner_phone"`
	UserIdentity   string     `bson:"user_identity"`
	Status         string     `bson:"status"`
	BoundMachineID string     `bson:"bound_machine_id"`
	ActivatedAt    *time.Time `bson:"activated_at,omitempty"`
	CreatedAt      time.Time  `bson:"created_at"`
}

func (d *licenseDoc) toRecord() *domain.LicenseRecord {
	return &domain.LicenseRecord{
		LicenseKey:     d.LicenseKey,
		OwnerEmail:     d.OwnerEmail,
		OwnerName:      d.OwnerName,
		OwnerPhone:     d.OwnerPhone,
		UserIdentity:   d.UserIdentity,
		Status:         domain.LicenseStatus(d.Status),
		BoundMachineID: d.BoundMachineID,
		ActivatedAt:    d.ActivatedAt,
		CreatedAt:      d.CreatedAt,
	}
}

// NewMongoStore creates a MongoDB-backed store. It creates the unique
// user-identity index on initialization; the caller manages the client
// lifecycle.
func NewMongoStore(ctx context.Context, db *mongo.Database, opts ...MongoOption) (*MongoStore, error) {
	s := &MongoStore{
		allowName:   defaultAllowListCollection,
		licenseName: defaultLicenseCollection,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.allowlist = db.Collection(s.allowName)
	s.licenses = db.Collection(s.licenseName)

	if err := s.ensureIndexes(ctx); err != nil {
		return nil, fmt.Errorf("create indexes: %w", err)
	}
	return s, nil
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	_, err := s.licenses.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "user_identity", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	return err
}

// IsEligible implements AllowListStore.
func (s *MongoStore) IsEligible(ctx context.Context, id string) (bool, error) {
	err := s.allowlist.FindOne(ctx, bson.M{"_id": id, "consumed": false}).Err()
	if errors.Is(err, mongo.ErrNoDocuments) {
		return false, nil
	}
	if err != nil {
		return false, classify("check eligibility", err)
	}
	return true, nil
}

// TryConsume implements AllowListStore. The filter carries the prior state,
// so the document moves to consumed at most once across all racers.
func (s *MongoStore) TryConsume(ctx context.Context, id string) (bool, error) {
	res, err := s.allowlist.UpdateOne(ctx,
		bson.M{"_id": id, "consumed": false},
		bson.M{"$set": bson.M{"consumed": true, "consumed_at": time.Now().UTC()}},
	)
	if err != nil {
		return false, classify("consume identity", err)
	}
	return res.ModifiedCount == 1, nil
}

// Lookup implements AllowListStore.
func (s *MongoStore) Lookup(ctx context.Context, id string) (*domain.AllowListEntry, error) {
	var doc allowListDoc
	err := s.allowlist.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, classify("lookup identity", err)
	}
	return &domain.AllowListEntry{
		UserID:     doc.UserID,
		Consumed:   doc.Consumed,
		ConsumedAt: doc.ConsumedAt,
	}, nil
}

// Seed implements AllowListStore.
func (s *MongoStore) Seed(ctx context.Context, ids []string) (int, error) {
	added := 0
	for _, id := range ids {
		if id == "" {
			continue
		}
		res, err := s.allowlist.UpdateOne(ctx,
			bson.M{"_id": id},
			bson.M{"$setOnInsert": bson.M{"consumed": false}},
			options.UpdateOne().SetUpsert(true),
		)
		if err != nil {
			return added, classify(fmt.Sprintf("seed identity %q", id), err)
		}
		if res.UpsertedCount == 1 {
			added++
		}
	}
	return added, nil
}

// Count implements AllowListStore.
func (s *MongoStore) Count(ctx context.Context) (int64, error) {
	count, err := s.allowlist.CountDocuments(ctx, bson.M{})
	if err != nil {
		return 0, classify("count identities", err)
	}
	return count, nil
}

// InsertIfAbsent implements LicenseStore. A duplicate-key error on _id is
// the key race; one on the user-identity index is not retryable, and the
// two are told apart by re-reading the key.
func (s *MongoStore) InsertIfAbsent(ctx context.Context, rec *domain.LicenseRecord) (bool, error) {
	doc := licenseDoc{
		LicenseKey:     rec.LicenseKey,
		OwnerEmail:     rec.OwnerEmail,
		OwnerName:      rec.OwnerName,
		OwnerPhone:     rec.OwnerPhone,
		UserIdentity:   rec.UserIdentity,
		Status:         string(rec.Status),
		BoundMachineID: rec.BoundMachineID,
		ActivatedAt:    rec.ActivatedAt,
		CreatedAt:      rec.CreatedAt,
	}
	_, err := s.licenses.InsertOne(ctx, doc)
	if err == nil {
		return true, nil
	}
	if !mongo.IsDuplicateKeyError(err) {
		return false, classify("insert license", err)
	}
	if _, findErr := s.FindByKey(ctx, rec.LicenseKey); findErr == nil {
		return false, nil
	} else if !errors.Is(findErr, ErrNotFound) {
		return false, findErr
	}
	return false, ErrDuplicateIdentity
}

// FindByKey implements LicenseStore.
func (s *MongoStore) FindByKey(ctx context.Context, key string) (*domain.LicenseRecord, error) {
	return s.findOne(ctx, bson.M{"_id": key}, "find license by key")
}

// FindByUserIdentity implements LicenseStore.
func (s *MongoStore) FindByUserIdentity(ctx context.Context, id string) (*domain.LicenseRecord, error) {
	return s.findOne(ctx, bson.M{"user_identity": id}, "find license by identity")
}

func (s *MongoStore) findOne(ctx context.Context, filter bson.M, op string) (*domain.LicenseRecord, error) {
	var doc licenseDoc
	err := s.licenses.FindOne(ctx, filter).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, classify(op, err)
	}
	return doc.toRecord(), nil
}

// CompareAndSwapStatus implements LicenseStore.
func (s *MongoStore) CompareAndSwapStatus(ctx context.Context, key string, expected domain.LicenseStatus, act domain.Activation) (bool, error) {
	res, err := s.licenses.UpdateOne(ctx,
		bson.M{"_id": key, "status": string(expected)},
		bson.M{"$set": bson.M{
			"status":           string(domain.LicenseStatusActivated),
			"bound_machine_id": act.MachineID,
			"activated_at":     act.ActivatedAt.UTC(),
		}},
	)
	if err != nil {
		return false, classify("swap license status", err)
	}
	return res.ModifiedCount == 1, nil
}

// Ping implements Pinger.
func (s *MongoStore) Ping(ctx context.Context) error {
	return s.licenses.Database().Client().Ping(ctx, nil)
}
