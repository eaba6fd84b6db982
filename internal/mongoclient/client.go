// Package mongoclient provides shared MongoDB connection management for the
// registry and chunk store backends.
package mongoclient

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/reelstore/reelstore/internal/config"
)

const (
	defaultDB          = "reelstore"
	defaultTimeout     = 10 * time.Second
	defaultPingTimeout = 3 * time.Second
)

// Connect opens a client for cfg.URI, pings it, and returns the configured
// database. The caller owns the client and must Disconnect it.
func Connect(ctx context.Context, cfg config.MongoConfig) (*mongo.Database, error) {
	if cfg.URI == "" {
		return nil, fmt.Errorf("mongo uri is required")
	}
	timeout := defaultTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}

	opt := options.Client().ApplyURI(cfg.URI).SetTimeout(timeout)
	client, err := mongo.Connect(ctx, opt)
	if err != nil {
		return nil, fmt.Errorf("connecting to mongo: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, defaultPingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("pinging mongo: %w", err)
	}

	name := cfg.Database
	if name == "" {
		name = defaultDB
	}
	return client.Database(name), nil
}
