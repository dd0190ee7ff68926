// Package storage talks to Neo4j: durable build state (StateStore) and
// versioned graph data (GraphStore). All mutation funnels through here so
// the database's transactional guarantees carry the service's correctness.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"github.com/nmxmxh/kgraph/internal/config"
)

// Client wraps the Neo4j driver with session handling and connect retries.
type Client struct {
	driver   neo4j.DriverWithContext
	database string
	log      *zap.Logger
}

// NewClient connects to Neo4j, retrying a few times so the service survives
// racing the database container at startup.
func NewClient(ctx context.Context, cfg config.Neo4jConfig, log *zap.Logger) (*Client, error) {
	const maxAttempts = 5

	driver, err := neo4j.NewDriverWithContext(cfg.URI, neo4j.BasicAuth(cfg.Username, cfg.Password, ""))
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		log.Info("attempting neo4j connection", zap.Int("attempt", attempt), zap.String("uri", cfg.URI))
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		lastErr = driver.VerifyConnectivity(pingCtx)
		cancel()
		if lastErr == nil {
			log.Info("neo4j connection established")
			return &Client{driver: driver, database: cfg.Database, log: log}, nil
		}
		log.Error("neo4j ping failed", zap.Error(lastErr))
		select {
		case <-ctx.Done():
			_ = driver.Close(ctx)
			return nil, ctx.Err()
		case <-time.After(3 * time.Second):
		}
	}
	_ = driver.Close(ctx)
	return nil, fmt.Errorf("connect to neo4j after %d attempts: %w", maxAttempts, lastErr)
}

// Ping verifies connectivity; used by the health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	return c.driver.VerifyConnectivity(ctx)
}

// Close shuts the driver down.
func (c *Client) Close(ctx context.Context) error {
	return c.driver.Close(ctx)
}

// Write runs one Cypher statement in a write transaction and collects all
// records.
func (c *Client) Write(ctx context.Context, query string, params map[string]any) ([]*neo4j.Record, error) {
	session := c.driver.NewSession(ctx, neo4j.SessionConfig{
		DatabaseName: c.database,
		AccessMode:   neo4j.AccessModeWrite,
	})
	defer session.Close(ctx)

	out, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, query, params)
		if err != nil {
			return nil, err
		}
		return res.Collect(ctx)
	})
	if err != nil {
		return nil, err
	}
	records, _ := out.([]*neo4j.Record)
	return records, nil
}

// Read runs one Cypher statement in a read transaction and collects all
// records.
func (c *Client) Read(ctx context.Context, query string, params map[string]any) ([]*neo4j.Record, error) {
	session := c.driver.NewSession(ctx, neo4j.SessionConfig{
		DatabaseName: c.database,
		AccessMode:   neo4j.AccessModeRead,
	})
	defer session.Close(ctx)

	out, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, query, params)
		if err != nil {
			return nil, err
		}
		return res.Collect(ctx)
	})
	if err != nil {
		return nil, err
	}
	records, _ := out.([]*neo4j.Record)
	return records, nil
}
