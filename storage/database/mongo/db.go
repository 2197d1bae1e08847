// Package mongodb stores the roster in MongoDB, one collection per entity.
package mongodb

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/trezcool/bootcamp/core"
	"github.com/trezcool/bootcamp/core/roster"
)

// DB is a roster.Store over a MongoDB database.
// Multi-document transactions need a replica set; disable them for a standalone server.
type DB struct {
	client       *mongo.Client
	db           *mongo.Database
	transactions bool
	now          func() time.Time
}

var _ roster.Store = (*DB)(nil)

// Open connects to conf.URI, pings the primary and ensures the indexes exist.
func Open(ctx context.Context, conf core.DatabaseConfig) (*DB, error) {
	opts := options.Client().ApplyURI(conf.URI)
	if conf.Timeout > 0 {
		opts.SetTimeout(conf.Timeout)
	}
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, errors.Wrap(err, "connecting to mongodb")
	}
	if err = client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, errors.Wrap(err, "pinging mongodb")
	}

	db := &DB{
		client:       client,
		db:           client.Database(conf.Name),
		transactions: conf.Transactions,
		now:          func() time.Time { return time.Now().UTC().Truncate(time.Millisecond) },
	}
	if err = db.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	return db, nil
}

func (db *DB) ensureIndexes(ctx context.Context) error {
	unique := func(key string) mongo.IndexModel {
		return mongo.IndexModel{Keys: bson.D{{Key: key, Value: 1}}, Options: options.Index().SetUnique(true)}
	}
	indexes := map[roster.Collection][]mongo.IndexModel{
		roster.Students: {unique("email"), {Keys: bson.D{{Key: "created_at", Value: 1}}}},
		roster.Teachers: {unique("email")},
		roster.Batches:  {{Keys: bson.D{{Key: "teacher", Value: 1}}}, {Keys: bson.D{{Key: "created_at", Value: 1}}}},
	}
	for c, models := range indexes {
		if _, err := db.coll(c).Indexes().CreateMany(ctx, models); err != nil {
			return errors.Wrapf(err, "creating %s indexes", c)
		}
	}
	return nil
}

func (db *DB) coll(c roster.Collection) *mongo.Collection {
	return db.db.Collection(string(c))
}

func (db *DB) Ping(ctx context.Context) error {
	return db.client.Ping(ctx, readpref.Primary())
}

func (db *DB) Close(ctx context.Context) error {
	return db.client.Disconnect(ctx)
}

// Drop deletes the whole database; used by tests.
func (db *DB) Drop(ctx context.Context) error {
	return db.db.Drop(ctx)
}

// WithTransaction runs fn in a session transaction, retried by the driver on transient errors.
// A ctx already bound to a session joins its transaction.
func (db *DB) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if !db.transactions {
		return roster.ErrNoTransactions
	}
	if mongo.SessionFromContext(ctx) != nil {
		return fn(ctx)
	}

	sess, err := db.client.StartSession()
	if err != nil {
		return errors.Wrap(err, "starting session")
	}
	defer sess.EndSession(ctx)

	_, err = sess.WithTransaction(ctx, func(sessCtx mongo.SessionContext) (interface{}, error) {
		return nil, fn(sessCtx)
	})
	return err
}
