package audit

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"huddle/api/internal/util"
)

const collectionName = "audit_log"

// MongoLog stores audit entries in a Mongo collection.
type MongoLog struct {
	client     *mongo.Client
	collection *mongo.Collection
}

func NewMongoLog(ctx context.Context, mongoURL, database string) (*MongoLog, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(mongoURL))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	collection := client.Database(database).Collection(collectionName)
	indexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "channel_id", Value: 1}, {Key: "created_at", Value: -1}}},
		{Keys: bson.D{{Key: "message_id", Value: 1}}},
		{Keys: bson.D{{Key: "action", Value: 1}}},
		{Keys: bson.D{{Key: "actor_id", Value: 1}}},
	}
	if _, err := collection.Indexes().CreateMany(connectCtx, indexes); err != nil {
		return nil, fmt.Errorf("ensure audit indexes: %w", err)
	}

	return &MongoLog{client: client, collection: collection}, nil
}

func (l *MongoLog) Close(ctx context.Context) error {
	return l.client.Disconnect(ctx)
}

func (l *MongoLog) Ping(ctx context.Context) error {
	return l.client.Ping(ctx, nil)
}

// Append inserts an entry and returns its id. There is intentionally no
// matching update or delete method.
func (l *MongoLog) Append(ctx context.Context, entry Entry) (string, error) {
	if entry.ID == "" {
		entry.ID = util.NewID("aud")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if _, err := l.collection.InsertOne(ctx, entry); err != nil {
		return "", fmt.Errorf("append audit entry: %w", err)
	}
	return entry.ID, nil
}

// List returns matching entries newest first plus the total match count.
func (l *MongoLog) List(ctx context.Context, filter Filter) ([]Entry, int, error) {
	query := buildQuery(filter)

	total, err := l.collection.CountDocuments(ctx, query)
	if err != nil {
		return nil, 0, fmt.Errorf("count audit entries: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}}).
		SetSkip(int64(filter.Offset)).
		SetLimit(int64(limit))

	cursor, err := l.collection.Find(ctx, query, opts)
	if err != nil {
		return nil, 0, fmt.Errorf("list audit entries: %w", err)
	}
	defer cursor.Close(ctx)

	entries := make([]Entry, 0)
	if err := cursor.All(ctx, &entries); err != nil {
		return nil, 0, fmt.Errorf("decode audit entries: %w", err)
	}
	return entries, int(total), nil
}

func buildQuery(filter Filter) bson.M {
	query := bson.M{}
	if filter.ChannelID != "" {
		query["channel_id"] = filter.ChannelID
	}
	if filter.MessageID != "" {
		query["message_id"] = filter.MessageID
	}
	if filter.Action != "" {
		query["action"] = filter.Action
	}
	if filter.ActorID != "" {
		query["actor_id"] = filter.ActorID
	}
	createdAt := bson.M{}
	if !filter.From.IsZero() {
		createdAt["$gte"] = filter.From
	}
	if !filter.To.IsZero() {
		createdAt["$lte"] = filter.To
	}
	if len(createdAt) > 0 {
		query["created_at"] = createdAt
	}
	return query
}
