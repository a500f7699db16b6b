package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"Go2NetGraph/internal/model"
)

// Collection names.
const (
	collNodes    = "nodes"
	collEdges    = "edges"
	collSessions = "sniffer_sessions"
)

// MongoStore keeps entities and sessions in MongoDB.
type MongoStore struct {
	client *mongo.Client
	db     *mongo.Database
}

// NewMongoStore connects to uri, retrying with exponential backoff for up
// to connectTimeout, and ensures the indexes exist.
func NewMongoStore(ctx context.Context, uri, database string, connectTimeout time.Duration, logger *zap.SugaredLogger) (*MongoStore, error) {
	var client *mongo.Client
	op := func() error {
		c, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
		if err != nil {
			return err
		}
		if err := c.Ping(ctx, nil); err != nil {
			_ = c.Disconnect(ctx)
			logger.Warnw("MongoDB not reachable, retrying", "uri", uri, "error", err)
			return err
		}
		client = c
		return nil
	}
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = connectTimeout
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	s := &MongoStore{client: client, db: client.Database(database)}
	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	return s, nil
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	_, err := s.db.Collection(collNodes).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "value", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("create node index: %w", err)
	}
	_, err = s.db.Collection(collEdges).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "src", Value: 1}},
	})
	return err
}

func (s *MongoStore) AddText(ctx context.Context, text string) (*model.Node, error) {
	typ, value, ok := Classify(text)
	if !ok {
		return nil, nil
	}
	now := time.Now().UTC()
	update := bson.M{
		"$setOnInsert": bson.M{
			"_id":             uuid.NewString(),
			"type":            typ,
			"tags":            []string{},
			"date_first_seen": now,
		},
		"$set": bson.M{"date_last_seen": now},
	}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)

	var n model.Node
	err := s.db.Collection(collNodes).FindOneAndUpdate(ctx, bson.M{"value": value}, update, opts).Decode(&n)
	if err != nil {
		return nil, fmt.Errorf("upsert node %q: %w", value, err)
	}
	return &n, nil
}

func (s *MongoStore) Get(ctx context.Context, value string) (*model.Node, error) {
	var n model.Node
	err := s.db.Collection(collNodes).FindOne(ctx, bson.M{"value": value}).Decode(&n)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func (s *MongoStore) Connect(ctx context.Context, src, dst *model.Node, label string) (*model.Edge, error) {
	now := time.Now().UTC()
	id := model.EdgeID(src.ID, dst.ID, label)
	update := bson.M{
		"$setOnInsert": bson.M{
			"src":        src.ID,
			"dst":        dst.ID,
			"attribs":    label,
			"first_seen": now,
		},
		"$set": bson.M{"last_seen": now},
	}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)

	var e model.Edge
	if err := s.db.Collection(collEdges).FindOneAndUpdate(ctx, bson.M{"_id": id}, update, opts).Decode(&e); err != nil {
		return nil, fmt.Errorf("upsert edge %s: %w", id, err)
	}
	return &e, nil
}

func (s *MongoStore) SaveSession(ctx context.Context, rec *model.SessionRecord) error {
	_, err := s.db.Collection(collSessions).ReplaceOne(ctx, bson.M{"_id": rec.ID}, rec, options.Replace().SetUpsert(true))
	return err
}

func (s *MongoStore) LoadSession(ctx context.Context, id string) (*model.SessionRecord, error) {
	var rec model.SessionRecord
	err := s.db.Collection(collSessions).FindOne(ctx, bson.M{"_id": id}).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *MongoStore) ListSessions(ctx context.Context) ([]model.SessionRecord, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "date_created", Value: -1}}).
		SetProjection(bson.M{"session_data": 0})
	cur, err := s.db.Collection(collSessions).Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []model.SessionRecord
	for cur.Next(ctx) {
		var rec model.SessionRecord
		if err := cur.Decode(&rec); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, cur.Err()
}

func (s *MongoStore) DeleteSession(ctx context.Context, id string) error {
	res, err := s.db.Collection(collSessions).DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return model.ErrNotFound
	}
	return nil
}

func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}
