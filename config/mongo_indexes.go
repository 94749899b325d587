package config

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	mongorepo "github.com/yoockh/demoforge/internal/repositories/mongo"
)

// EnsureMongoIndexes creates the session indexes, including the partial unique
// index that allows at most one active session per demo.
func EnsureMongoIndexes(dbName string) error {
	if MongoClient == nil {
		return errors.New("MongoClient is nil; call InitMongo() first")
	}
	db := MongoClient.Database(dbName)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sessions := db.Collection(mongorepo.SessionsCollection)
	_, err := sessions.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "demo_id", Value: 1}},
			Options: options.Index().
				SetName("uniq_active_demo").
				SetUnique(true).
				SetPartialFilterExpression(bson.M{"status": "active", "is_active": true}),
		},
		{
			Keys: bson.D{{Key: "remote_conversation_id", Value: 1}},
			Options: options.Index().
				SetName("uniq_remote_conversation").
				SetUnique(true),
		},
		{
			Keys:    bson.D{{Key: "demo_id", Value: 1}, {Key: "created_at", Value: -1}},
			Options: options.Index().SetName("by_demo_created"),
		},
		{
			Keys:    bson.D{{Key: "status", Value: 1}, {Key: "created_at", Value: 1}},
			Options: options.Index().SetName("by_status_created"),
		},
	})
	return err
}
