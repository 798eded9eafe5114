package infrastructure

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/yourusername/tg-media-indexer/internal/domain"
)

// MongoRepository implements RecordRepository on a MongoDB collection
type MongoRepository struct {
	client     *mongo.Client
	collection *mongo.Collection
}

// NewMongoRepository connects and pings within timeout
func NewMongoRepository(ctx context.Context, uri, database, collection string, timeout time.Duration) (*MongoRepository, error) {
	connectCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongo: %w", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to reach mongo: %w", err)
	}

	return &MongoRepository{
		client:     client,
		collection: client.Database(database).Collection(collection),
	}, nil
}

// EnsureIndexes creates the unique identifier index and the lookup indexes
func (r *MongoRepository) EnsureIndexes(ctx context.Context) error {
	models := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "file_identifier", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
	}
	for _, field := range []string{"file_name", "track_id", "title", "artist"} {
		models = append(models, mongo.IndexModel{Keys: bson.D{{Key: field, Value: 1}}})
	}

	if _, err := r.collection.Indexes().CreateMany(ctx, models); err != nil {
		return fmt.Errorf("failed to create indexes: %w", err)
	}
	return nil
}

// Upsert replaces the stored fields of the identifier, keeping created_at
// from the first insert. Concurrent upserts of one identifier resolve to
// last-write-wins.
func (r *MongoRepository) Upsert(ctx context.Context, record *domain.IndexRecord) error {
	if record.FileIdentifier == "" {
		return fmt.Errorf("record has no file identifier")
	}

	now := time.Now().UTC()
	record.UpdatedAt = now

	raw, err := bson.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}
	var set bson.M
	if err := bson.Unmarshal(raw, &set); err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}
	delete(set, "created_at")

	filter := bson.M{"file_identifier": record.FileIdentifier}
	update := bson.M{
		"$set":         set,
		"$setOnInsert": bson.M{"created_at": now},
	}
	_, err = r.collection.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	return err
}

// FindByFileIdentifier returns nil if the identifier is unknown
func (r *MongoRepository) FindByFileIdentifier(ctx context.Context, fileIdentifier string) (*domain.IndexRecord, error) {
	var record domain.IndexRecord
	err := r.collection.FindOne(ctx, bson.M{"file_identifier": fileIdentifier}).Decode(&record)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

// FindByTrackID finds records by track id
func (r *MongoRepository) FindByTrackID(ctx context.Context, trackID string) ([]*domain.IndexRecord, error) {
	return r.find(ctx, bson.M{"track_id": trackID}, options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
}

// FindByFileName finds records whose file name contains name, ignoring case
func (r *MongoRepository) FindByFileName(ctx context.Context, name string, limit int) ([]*domain.IndexRecord, error) {
	filter := bson.M{"file_name": bson.M{"$regex": regexp.QuoteMeta(name), "$options": "i"}}
	opts := options.Find().SetSort(bson.D{{Key: "file_name", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	return r.find(ctx, filter, opts)
}

func (r *MongoRepository) find(ctx context.Context, filter bson.M, opts *options.FindOptions) ([]*domain.IndexRecord, error) {
	cursor, err := r.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer cursor.Close(ctx)

	records := []*domain.IndexRecord{}
	if err := cursor.All(ctx, &records); err != nil {
		return nil, fmt.Errorf("cursor error: %w", err)
	}
	return records, nil
}

// Count returns the total number of records
func (r *MongoRepository) Count(ctx context.Context) (int64, error) {
	return r.collection.CountDocuments(ctx, bson.M{})
}

// Stats returns record statistics
func (r *MongoRepository) Stats(ctx context.Context) (*domain.RecordStats, error) {
	stats := &domain.RecordStats{}

	pipeline := mongo.Pipeline{
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: "$kind"},
			{Key: "count", Value: bson.D{{Key: "$sum", Value: 1}}},
		}}},
	}
	cursor, err := r.collection.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate kinds: %w", err)
	}
	defer cursor.Close(ctx)

	for cursor.Next(ctx) {
		var row struct {
			Kind  domain.MediaKind `bson:"_id"`
			Count int64            `bson:"count"`
		}
		if err := cursor.Decode(&row); err != nil {
			continue
		}
		stats.Total += row.Count
		switch row.Kind {
		case domain.KindAudio:
			stats.Audio = row.Count
		case domain.KindVideo:
			stats.Video = row.Count
		case domain.KindDocument:
			stats.Document = row.Count
		case domain.KindPhoto:
			stats.Photo = row.Count
		}
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("cursor error: %w", err)
	}

	if stats.WithTrack, err = r.collection.CountDocuments(ctx, bson.M{"track_id": bson.M{"$exists": true, "$ne": ""}}); err != nil {
		return nil, err
	}
	if stats.BackedUp, err = r.collection.CountDocuments(ctx, bson.M{"backup_message_id": bson.M{"$gt": 0}}); err != nil {
		return nil, err
	}
	return stats, nil
}

// Close disconnects the client
func (r *MongoRepository) Close(ctx context.Context) error {
	return r.client.Disconnect(ctx)
}
