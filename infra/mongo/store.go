// Package mongo implements the controller document store on MongoDB.
//
// Each controller is one document keyed by its id, embedding its switches
// and the sequence counter:
//
//	{_id, address, name, classroom, identified, last_seen, secret, sequence,
//	 switches: [{id, name, pin, state, last_changed}]}
//
// A state change is a single findOneAndUpdate that matches the switch only
// when its state differs, sets it through the positional operator and
// increments the sequence.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/kilianp07/switchyard/core/model"
	"github.com/kilianp07/switchyard/core/store"
)

// Config holds the connection settings.
type Config struct {
	URI        string        `json:"uri"`
	Database   string        `json:"database"`
	Collection string        `json:"collection"`
	Timeout    time.Duration `json:"timeout"`
}

// SetDefaults fills zero fields.
func (c *Config) SetDefaults() {
	if c.Database == "" {
		c.Database = "switchyard"
	}
	if c.Collection == "" {
		c.Collection = "controllers"
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
}

// Store implements store.Store.
type Store struct {
	client *mongo.Client
	coll   *mongo.Collection
}

var (
	_ store.Store  = (*Store)(nil)
	_ store.Seeder = (*Store)(nil)
)

// Connect opens the client, checks connectivity and ensures indexes.
func Connect(ctx context.Context, cfg Config) (*Store, error) {
	cfg.SetDefaults()
	if cfg.URI == "" {
		return nil, fmt.Errorf("mongo: uri is required")
	}
	opts := options.Client().ApplyURI(cfg.URI).SetServerSelectionTimeout(cfg.Timeout)
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("mongo: connect: %w", err)
	}
	pctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	if err := client.Ping(pctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo: ping: %w", err)
	}
	s := &Store{client: client, coll: client.Database(cfg.Database).Collection(cfg.Collection)}
	if err := s.EnsureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return s, nil
}

// EnsureIndexes creates the unique address index.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "address", Value: 1}},
		Options: options.Index().SetUnique(true).SetName("address_unique"),
	})
	if err != nil {
		return fmt.Errorf("mongo: create index: %w", err)
	}
	return nil
}

// Close disconnects the client.
func (s *Store) Close(ctx context.Context) error {
	if s.client == nil {
		return nil
	}
	return s.client.Disconnect(ctx)
}

// Upsert inserts or replaces a controller document.
func (s *Store) Upsert(ctx context.Context, c model.Controller) error {
	_, err := s.coll.ReplaceOne(ctx, bson.M{"_id": c.ID}, c, options.Replace().SetUpsert(true))
	return err
}

func (s *Store) findOne(ctx context.Context, filter bson.M, what string) (model.Controller, error) {
	var c model.Controller
	err := s.coll.FindOne(ctx, filter).Decode(&c)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return model.Controller{}, fmt.Errorf("%w: %s", store.ErrControllerNotFound, what)
	}
	if err != nil {
		return model.Controller{}, err
	}
	return c, nil
}

func (s *Store) Controller(ctx context.Context, id string) (model.Controller, error) {
	return s.findOne(ctx, bson.M{"_id": id}, id)
}

func (s *Store) ControllerByAddress(ctx context.Context, address string) (model.Controller, error) {
	return s.findOne(ctx, bson.M{"address": address}, "address "+address)
}

func (s *Store) Controllers(ctx context.Context) ([]model.Controller, error) {
	cur, err := s.coll.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	var out []model.Controller
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) ApplySwitchState(ctx context.Context, controllerID, switchID string, state bool, at time.Time) (store.Change, error) {
	filter := bson.M{
		"_id": controllerID,
		"switches": bson.M{"$elemMatch": bson.M{
			"id":    switchID,
			"state": bson.M{"$ne": state},
		}},
	}
	update := bson.M{
		"$set": bson.M{
			"switches.$.state":        state,
			"switches.$.last_changed": at,
		},
		"$inc": bson.M{"sequence": 1},
	}
	opts := options.FindOneAndUpdate().
		SetReturnDocument(options.After).
		SetProjection(bson.M{"sequence": 1, "classroom": 1})
	var doc struct {
		Sequence  uint64 `bson:"sequence"`
		Classroom string `bson:"classroom"`
	}
	err := s.coll.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
	if err == nil {
		return store.Change{Changed: true, Sequence: doc.Sequence, Classroom: doc.Classroom}, nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return store.Change{}, err
	}
	// No match: the state already matched, or the switch does not exist.
	c, err := s.Controller(ctx, controllerID)
	if err != nil {
		return store.Change{}, err
	}
	if _, ok := c.Switch(switchID); !ok {
		return store.Change{}, fmt.Errorf("%w: %s/%s", store.ErrSwitchNotFound, controllerID, switchID)
	}
	return store.Change{Sequence: c.Sequence, Classroom: c.Classroom}, nil
}

func (s *Store) Touch(ctx context.Context, controllerID string, at time.Time) error {
	return s.update(ctx, controllerID, bson.M{"$max": bson.M{"last_seen": at}})
}

func (s *Store) MarkIdentified(ctx context.Context, controllerID string, at time.Time) error {
	return s.update(ctx, controllerID, bson.M{
		"$set": bson.M{"identified": true},
		"$max": bson.M{"last_seen": at},
	})
}

func (s *Store) update(ctx context.Context, id string, update bson.M) error {
	res, err := s.coll.UpdateOne(ctx, bson.M{"_id": id}, update)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("%w: %s", store.ErrControllerNotFound, id)
	}
	return nil
}
