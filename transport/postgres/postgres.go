// Package postgres provides a queue transport on PostgreSQL through the pgx
// database/sql driver. Competing subscribers claim messages with
// FOR UPDATE SKIP LOCKED.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/drblury/chainflow/transport"
	"github.com/drblury/chainflow/transport/sqlqueue"
)

// TransportName is the PubSubSystem value selecting this transport.
const TransportName = "postgres"

// Alias is accepted as a PubSubSystem value too.
const Alias = "postgresql"

// DefaultSchema holds the queue tables.
const DefaultSchema = "chainflow"

var (
	// Schema is the schema of the queue tables.
	Schema = DefaultSchema
	// QueueConfig is passed to sqlqueue.New.
	QueueConfig = sqlqueue.Config{}
)

// Open allows overriding the database creation for testing.
var Open = func(ctx context.Context, url string) (*sql.DB, error) {
	db, err := sql.Open("pgx", url)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	return db, nil
}

func init() {
	Register(transport.DefaultRegistry)
}

// Register adds the transport and its alias to r.
func Register(r *transport.Registry) {
	r.RegisterWithCapabilities(TransportName, Build, transport.PostgresCapabilities)
	r.RegisterWithCapabilities(Alias, Build, transport.PostgresCapabilities)
}

// Build connects to the database and returns a queue used as publisher and
// subscriber.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	url := cfg.GetPostgresURL()
	if url == "" {
		return transport.Transport{}, fmt.Errorf("postgres: URL is required")
	}
	if !sqlqueue.ValidIdentifier(Schema) {
		return transport.Transport{}, fmt.Errorf("postgres: invalid schema name %q", Schema)
	}

	db, err := Open(ctx, url)
	if err != nil {
		return transport.Transport{}, err
	}

	queueConfig := QueueConfig
	queueConfig.CloseDB = true
	q, err := sqlqueue.New(ctx, db, sqlqueue.Postgres(Schema), queueConfig, logger)
	if err != nil {
		_ = db.Close()
		return transport.Transport{}, err
	}
	return transport.Transport{Publisher: q, Subscriber: q}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.PostgresCapabilities
}
