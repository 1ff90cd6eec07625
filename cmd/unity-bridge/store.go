package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	mongod "go.mongodb.org/mongo-driver/v2/mongo"
	mongoopts "go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/unitybridge"
	"github.com/xraph/unitybridge/store"
	bunstore "github.com/xraph/unitybridge/store/bun"
	memorystore "github.com/xraph/unitybridge/store/memory"
	mongostore "github.com/xraph/unitybridge/store/mongo"
	pgstore "github.com/xraph/unitybridge/store/postgres"
	redisstore "github.com/xraph/unitybridge/store/redis"
)

// openStore selects the snapshot backend from the URL scheme:
//
//	(empty), memory         in-memory, snapshots do not survive restarts
//	redis://, rediss://     Redis
//	postgres://             PostgreSQL via pgx
//	bun://                  PostgreSQL via the Bun ORM
//	mongodb://              MongoDB (database from UNITY_BRIDGE_MONGO_DB)
func openStore(ctx context.Context, url string, logger *slog.Logger) (store.Store, error) {
	switch {
	case url == "" || url == "memory":
		logger.Warn("using in-memory snapshot store, state will not survive a restart")
		return memorystore.New(), nil

	case strings.HasPrefix(url, "redis://") || strings.HasPrefix(url, "rediss://"):
		opt, err := redis.ParseURL(url)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		return redisstore.New(redis.NewClient(opt), redisstore.WithLogger(logger)), nil

	case strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://"):
		return pgstore.New(ctx, url, pgstore.WithLogger(logger))

	case strings.HasPrefix(url, "bun://"):
		dsn := "postgres://" + strings.TrimPrefix(url, "bun://")
		sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
		db := bun.NewDB(sqldb, pgdialect.New())
		return bunstore.New(db, bunstore.WithLogger(logger)), nil

	case strings.HasPrefix(url, "mongodb://") || strings.HasPrefix(url, "mongodb+srv://"):
		client, err := mongod.Connect(mongoopts.Client().ApplyURI(url))
		if err != nil {
			return nil, fmt.Errorf("connect mongodb: %w", err)
		}
		name := os.Getenv("UNITY_BRIDGE_MONGO_DB")
		if name == "" {
			name = "unitybridge"
		}
		return mongostore.New(client.Database(name), mongostore.WithLogger(logger)), nil

	default:
		return nil, fmt.Errorf("%w: unrecognized store url %q", unitybridge.ErrNoStore, url)
	}
}
