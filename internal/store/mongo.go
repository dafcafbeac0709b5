package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ashureev/careerpath/internal/domain"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// CollectionPlanDocuments holds one plan record per document path.
const CollectionPlanDocuments = "plan_documents"

type mongoPlanDocument struct {
	domain.PlanRecord `bson:",inline"`

	Path      string    `bson:"_id"`
	UpdatedAt time.Time `bson:"updated_at"`
}

// MongoDocuments implements Documents on a MongoDB collection.
type MongoDocuments struct {
	client     *mongo.Client
	collection *mongo.Collection
}

// NewMongoDocuments connects to MongoDB and verifies the connection.
func NewMongoDocuments(ctx context.Context, uri, database string) (*MongoDocuments, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	clientOptions := options.Client().
		ApplyURI(uri).
		SetMaxPoolSize(50).
		SetMinPoolSize(2).
		SetMaxConnIdleTime(30 * time.Second).
		SetServerSelectionTimeout(5 * time.Second).
		SetConnectTimeout(10 * time.Second)

	client, err := mongo.Connect(connectCtx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("connect to MongoDB: %w", err)
	}

	if err := client.Ping(connectCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping MongoDB: %w", err)
	}

	return &MongoDocuments{
		client:     client,
		collection: client.Database(database).Collection(CollectionPlanDocuments),
	}, nil
}

// Get returns the plan record stored at path.
func (m *MongoDocuments) Get(ctx context.Context, path string) (*domain.PlanRecord, error) {
	var doc mongoPlanDocument
	err := m.collection.FindOne(ctx, bson.M{"_id": path}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find plan document %s: %w", path, err)
	}
	record := doc.PlanRecord
	return &record, nil
}

// Put replaces the whole document at path, creating it if needed.
func (m *MongoDocuments) Put(ctx context.Context, path string, record *domain.PlanRecord) error {
	if record == nil {
		return fmt.Errorf("put plan document %s: nil record", path)
	}
	doc := mongoPlanDocument{
		Path:       path,
		PlanRecord: *record,
		UpdatedAt:  time.Now().UTC(),
	}
	opts := options.Replace().SetUpsert(true)
	if _, err := m.collection.ReplaceOne(ctx, bson.M{"_id": path}, doc, opts); err != nil {
		return fmt.Errorf("replace plan document %s: %w", path, err)
	}
	return nil
}

// Ping verifies connectivity.
func (m *MongoDocuments) Ping(ctx context.Context) error {
	return m.client.Ping(ctx, readpref.Primary())
}

// Close disconnects the client.
func (m *MongoDocuments) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.client.Disconnect(ctx); err != nil {
		return fmt.Errorf("disconnect MongoDB: %w", err)
	}
	return nil
}
