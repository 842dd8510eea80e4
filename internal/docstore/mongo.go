package docstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/iago/docflow/internal/domain"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const analysesCollection = "document_analyses"

// MongoStore persists analysis records in MongoDB.
type MongoStore struct {
	client     *mongo.Client
	collection *mongo.Collection
}

func NewMongoStore(ctx context.Context, uri, database string) (*MongoStore, error) {
	if database == "" {
		database = "document_storage"
	}
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	collection := client.Database(database).Collection(analysesCollection)
	_, err = collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "document_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ensure analyses index: %w", err)
	}
	return &MongoStore{client: client, collection: collection}, nil
}

func (s *MongoStore) SaveAnalysis(ctx context.Context, record AnalysisRecord) error {
	now := time.Now().UTC()
	record.UpdatedAt = now

	update := bson.M{
		"$set": bson.M{
			"job_id":         record.JobID,
			"analysis_type":  record.AnalysisType,
			"summary":        record.Summary,
			"categorization": record.Categorization,
			"insights":       record.Insights,
			"tags":           record.Tags,
			"model":          record.Model,
			"updated_at":     record.UpdatedAt,
		},
		"$setOnInsert": bson.M{
			"document_id": record.DocumentID,
			"created_at":  now,
		},
	}
	_, err := s.collection.UpdateOne(
		ctx,
		bson.M{"document_id": record.DocumentID},
		update,
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return domain.Transient(fmt.Errorf("save analysis: %w", err))
	}
	return nil
}

func (s *MongoStore) GetAnalysis(ctx context.Context, documentID int64) (*AnalysisRecord, error) {
	var record AnalysisRecord
	err := s.collection.FindOne(ctx, bson.M{"document_id": documentID}).Decode(&record)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("get analysis: %w", err)
	}
	return &record, nil
}

func (s *MongoStore) DeleteAnalysis(ctx context.Context, documentID int64) error {
	if _, err := s.collection.DeleteOne(ctx, bson.M{"document_id": documentID}); err != nil {
		return fmt.Errorf("delete analysis: %w", err)
	}
	return nil
}

func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}
