package services

import (
	"context"
	"fmt"
	"log"
	"time"

	"redactiq/internal/database"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// ResultRecord is the MongoDB representation of one persisted final output.
type ResultRecord struct {
	RequestID   string         `bson:"requestId" json:"requestId"`
	WorkflowID  string         `bson:"workflowId" json:"workflowId"`
	Version     int            `bson:"version" json:"version"`
	FinalOutput map[string]any `bson:"finalOutput" json:"finalOutput"`
	CreatedAt   time.Time      `bson:"createdAt" json:"createdAt"`
}

// ResultService persists completed job outputs in MongoDB. It implements
// the engine's result sink interface. Writes are idempotent per version:
// at-least-once delivery with overwrite is the engine's contract.
type ResultService struct {
	mongoDB *database.MongoDB
}

// NewResultService creates a new result service
func NewResultService(mongoDB *database.MongoDB) *ResultService {
	return &ResultService{mongoDB: mongoDB}
}

// collection returns the results collection
func (s *ResultService) collection() *mongo.Collection {
	return s.mongoDB.Collection(database.CollectionResults)
}

// PersistOutput upserts the final output for a (request, workflow, version)
// triple.
func (s *ResultService) PersistOutput(ctx context.Context, requestID, workflowID string, version int, finalOutput map[string]any) error {
	filter := bson.M{
		"requestId":  requestID,
		"workflowId": workflowID,
		"version":    version,
	}
	update := bson.M{
		"$set": bson.M{
			"finalOutput": finalOutput,
			"createdAt":   time.Now(),
		},
	}

	_, err := s.collection().UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to persist output: %w", err)
	}

	log.Printf("💾 [RESULT] Persisted output for request %s workflow %s (version %d)",
		requestID, workflowID, version)
	return nil
}

// GetLatest returns the newest persisted result for a request+workflow pair.
func (s *ResultService) GetLatest(ctx context.Context, requestID, workflowID string) (*ResultRecord, error) {
	var record ResultRecord
	err := s.collection().FindOne(ctx,
		bson.M{"requestId": requestID, "workflowId": workflowID},
		options.FindOne().SetSort(bson.D{{Key: "version", Value: -1}}),
	).Decode(&record)
	if err == mongo.ErrNoDocuments {
		return nil, fmt.Errorf("no result for request %s workflow %s", requestID, workflowID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load result: %w", err)
	}
	return &record, nil
}
