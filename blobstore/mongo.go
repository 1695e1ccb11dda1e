package blobstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// mongoBlob is the document shape backing MongoStore: one document
// per path, keyed by path as the Mongo _id.
type mongoBlob struct {
	ID   string `bson:"_id"`
	Data []byte `bson:"data"`
}

// MongoStore is a MongoDB-backed Facade, an alternative durable
// backend for multi-region deployments where a document store is the
// operational default over raw Redis or local disk.
type MongoStore struct {
	client     *mongo.Client
	collection *mongo.Collection
}

// MongoStoreConfig configures a MongoStore.
type MongoStoreConfig struct {
	URI        string
	Database   string
	Collection string
}

// NewMongoStore connects to MongoDB and returns a MongoStore backed by
// the configured collection.
func NewMongoStore(ctx context.Context, cfg MongoStoreConfig) (*MongoStore, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("failed to ping mongo: %w", err)
	}

	coll := client.Database(cfg.Database).Collection(cfg.Collection)
	return &MongoStore{client: client, collection: coll}, nil
}

func (s *MongoStore) Get(ctx context.Context, path string) ([]byte, error) {
	var doc mongoBlob
	err := s.collection.FindOne(ctx, bson.M{"_id": path}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, NotFound(path)
		}
		return nil, Transient(path, err)
	}
	return doc.Data, nil
}

func (s *MongoStore) Put(ctx context.Context, path string, data []byte) error {
	opts := options.Replace().SetUpsert(true)
	_, err := s.collection.ReplaceOne(ctx, bson.M{"_id": path}, mongoBlob{ID: path, Data: data}, opts)
	if err != nil {
		return Transient(path, err)
	}
	return nil
}

func (s *MongoStore) Delete(ctx context.Context, path string) error {
	_, err := s.collection.DeleteOne(ctx, bson.M{"_id": path})
	if err != nil {
		return Transient(path, err)
	}
	return nil
}

func (s *MongoStore) List(ctx context.Context, prefix string) ([]string, error) {
	filter := bson.M{"_id": bson.M{"$regex": "^" + regexQuoteMeta(prefix)}}
	cur, err := s.collection.Find(ctx, filter, options.Find().SetProjection(bson.M{"_id": 1}))
	if err != nil {
		return nil, Transient(prefix, err)
	}
	defer cur.Close(ctx)

	var out []string
	for cur.Next(ctx) {
		var doc struct {
			ID string `bson:"_id"`
		}
		if err := cur.Decode(&doc); err != nil {
			return nil, Transient(prefix, err)
		}
		out = append(out, doc.ID)
	}
	if err := cur.Err(); err != nil {
		return nil, Transient(prefix, err)
	}
	return out, nil
}

func (s *MongoStore) Copy(ctx context.Context, src, dst string) error {
	data, err := s.Get(ctx, src)
	if err != nil {
		return err
	}
	return s.Put(ctx, dst, data)
}

// Close disconnects the underlying Mongo client.
func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// regexQuoteMeta escapes regex metacharacters so a path prefix can be
// safely used as a Mongo $regex anchor.
func regexQuoteMeta(s string) string {
	var b strings.Builder
	for _, r := range s {
		if strings.ContainsRune(`\.+*?()|[]{}^$`, r) {
			b.WriteRune('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

var _ Facade = (*MongoStore)(nil)
