package services

import (
	"context"
	"fmt"
	"log"
	"time"

	"redactiq/internal/database"
	"redactiq/internal/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// JobRunService persists job runs in MongoDB. It implements the engine's
// job store interface; the scheduler's in-memory queue is rebuilt from
// Pending records here after a restart.
type JobRunService struct {
	mongoDB *database.MongoDB
}

// NewJobRunService creates a new job run service
func NewJobRunService(mongoDB *database.MongoDB) *JobRunService {
	return &JobRunService{mongoDB: mongoDB}
}

// collection returns the job_runs collection
func (s *JobRunService) collection() *mongo.Collection {
	return s.mongoDB.Collection(database.CollectionJobRuns)
}

// CreateJobRun inserts a new run record.
func (s *JobRunService) CreateJobRun(ctx context.Context, job *models.JobRun) error {
	if _, err := s.collection().InsertOne(ctx, job); err != nil {
		return fmt.Errorf("failed to create job run: %w", err)
	}
	log.Printf("📝 [JOBRUN] Created run %s (request=%s, workflow=%s, retry=%d)",
		job.ID, job.RequestID, job.WorkflowID, job.RetryCount)
	return nil
}

// UpdateJobRun replaces the stored run with the given snapshot.
func (s *JobRunService) UpdateJobRun(ctx context.Context, job *models.JobRun) error {
	result, err := s.collection().ReplaceOne(ctx, bson.M{"_id": job.ID}, job)
	if err != nil {
		return fmt.Errorf("failed to update job run %s: %w", job.ID, err)
	}
	if result.MatchedCount == 0 {
		return fmt.Errorf("job run %s not found", job.ID)
	}
	return nil
}

// GetJobRun fetches a run by ID.
func (s *JobRunService) GetJobRun(ctx context.Context, id string) (*models.JobRun, error) {
	var job models.JobRun
	err := s.collection().FindOne(ctx, bson.M{"_id": id}).Decode(&job)
	if err == mongo.ErrNoDocuments {
		return nil, fmt.Errorf("job run %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load job run %s: %w", id, err)
	}
	return &job, nil
}

// CountRuns returns the number of runs ever created for a request+workflow
// pair; the result versioning is derived from it.
func (s *JobRunService) CountRuns(ctx context.Context, requestID, workflowID string) (int, error) {
	count, err := s.collection().CountDocuments(ctx, bson.M{
		"requestId":  requestID,
		"workflowId": workflowID,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count runs: %w", err)
	}
	return int(count), nil
}

// ListPending returns Pending runs in creation order, for queue recovery at
// startup.
func (s *JobRunService) ListPending(ctx context.Context) ([]*models.JobRun, error) {
	cursor, err := s.collection().Find(ctx,
		bson.M{"state": models.JobStatePending},
		options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending runs: %w", err)
	}
	defer cursor.Close(ctx)

	var jobs []*models.JobRun
	if err := cursor.All(ctx, &jobs); err != nil {
		return nil, fmt.Errorf("failed to decode pending runs: %w", err)
	}
	return jobs, nil
}

// DeleteTerminalOlderThan removes completed/failed runs past the retention
// window. Returns the number deleted.
func (s *JobRunService) DeleteTerminalOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.collection().DeleteMany(ctx, bson.M{
		"state":       bson.M{"$in": []models.JobState{models.JobStateCompleted, models.JobStateFailed}},
		"completedAt": bson.M{"$lt": cutoff},
	})
	if err != nil {
		return 0, fmt.Errorf("failed to delete old runs: %w", err)
	}
	return result.DeletedCount, nil
}
