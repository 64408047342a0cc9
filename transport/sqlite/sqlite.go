// Package sqlite provides a durable single-node queue transport on an SQLite
// file, using the pure Go modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	_ "modernc.org/sqlite"

	"github.com/drblury/chainflow/transport"
	"github.com/drblury/chainflow/transport/sqlqueue"
)

// TransportName is the PubSubSystem value selecting this transport.
const TransportName = "sqlite"

// DefaultFilePath is used when no file is configured.
const DefaultFilePath = "chainflow_queue.db"

// MemoryPath keeps the queue in process memory.
const MemoryPath = ":memory:"

// QueueConfig is passed to sqlqueue.New. Tests shorten the intervals.
var QueueConfig = sqlqueue.Config{}

// Open allows overriding the database creation for testing.
var Open = func(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", DSN(path))
	if err != nil {
		return nil, err
	}
	// one connection serializes writers and keeps an in-memory database alive
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	return db, nil
}

func init() {
	Register(transport.DefaultRegistry)
}

// Register adds the transport to r.
func Register(r *transport.Registry) {
	r.RegisterWithCapabilities(TransportName, Build, transport.SQLiteCapabilities)
}

// DSN adds the busy timeout and, for files, write-ahead logging.
func DSN(path string) string {
	if path == "" {
		path = DefaultFilePath
	}
	if path == MemoryPath || strings.HasPrefix(path, "file::memory:") {
		return path
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}

// Build opens the database and returns a queue used as publisher and
// subscriber.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	db, err := Open(cfg.GetSQLiteFile())
	if err != nil {
		return transport.Transport{}, err
	}

	queueConfig := QueueConfig
	queueConfig.CloseDB = true
	q, err := sqlqueue.New(ctx, db, sqlqueue.SQLite, queueConfig, logger)
	if err != nil {
		_ = db.Close()
		return transport.Transport{}, err
	}
	return transport.Transport{Publisher: q, Subscriber: q}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.SQLiteCapabilities
}
