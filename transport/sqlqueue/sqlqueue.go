// Package sqlqueue implements a polling message queue on database/sql with
// per-message locking, redelivery with backoff and a dead letter table. It
// backs the sqlite and postgres transports.
package sqlqueue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/chainflow/internal/runtime/jsoncodec"
	"github.com/drblury/chainflow/transport"
)

const (
	// DefaultPollInterval is how long an idle subscriber waits before polling again.
	DefaultPollInterval = 100 * time.Millisecond
	// DefaultMaxRetries is the number of redeliveries before a message is dead-lettered.
	DefaultMaxRetries = 3
	// DefaultLockTimeout is how long a claimed message stays invisible to other subscribers.
	DefaultLockTimeout = 30 * time.Second
	// DefaultRetryBackoff is multiplied by the attempt number to delay redeliveries.
	DefaultRetryBackoff = time.Second
)

const deadLetterReason = "max retries exceeded"

var (
	ErrClosed   = errors.New("sqlqueue: queue is closed")
	ErrNotFound = errors.New("sqlqueue: dead letter not found")
)

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidIdentifier reports whether name can be used unquoted as a schema name.
func ValidIdentifier(name string) bool {
	return identifier.MatchString(name)
}

// Dialect captures the SQL differences between databases.
type Dialect struct {
	Name string
	// IDColumn defines an auto-incrementing primary key.
	IDColumn string
	BlobType string
	// Placeholder renders the n-th bind parameter, starting at 1.
	Placeholder func(n int) string
	// LockClause is appended to the claim subquery.
	LockClause string
	// Prefix qualifies table names, e.g. with a schema.
	Prefix string
	// Setup statements run before the tables are created.
	Setup        []string
	Capabilities transport.Capabilities
}

// SQLite is the dialect of modernc.org/sqlite.
var SQLite = Dialect{
	Name:         "sqlite",
	IDColumn:     "INTEGER PRIMARY KEY AUTOINCREMENT",
	BlobType:     "BLOB",
	Placeholder:  func(int) string { return "?" },
	Capabilities: transport.SQLiteCapabilities,
}

// Postgres returns the dialect for tables in schema. schema must satisfy
// ValidIdentifier.
func Postgres(schema string) Dialect {
	return Dialect{
		Name:         "postgres",
		IDColumn:     "BIGSERIAL PRIMARY KEY",
		BlobType:     "BYTEA",
		Placeholder:  func(n int) string { return "$" + strconv.Itoa(n) },
		LockClause:   "FOR UPDATE SKIP LOCKED",
		Prefix:       schema + ".",
		Setup:        []string{"CREATE SCHEMA IF NOT EXISTS " + schema},
		Capabilities: transport.PostgresCapabilities,
	}
}

// Config tunes a Queue. Zero values use the defaults.
type Config struct {
	PollInterval time.Duration
	MaxRetries   int
	LockTimeout  time.Duration
	RetryBackoff time.Duration
	// CloseDB closes the database when the queue is closed.
	CloseDB bool
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.LockTimeout <= 0 {
		c.LockTimeout = DefaultLockTimeout
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = DefaultRetryBackoff
	}
	return c
}

// Queue is both a Watermill publisher and subscriber. Each Subscribe call
// polls its topic and delivers one message at a time, waiting for the ack or
// nack before claiming the next.
type Queue struct {
	db      *sql.DB
	dialect Dialect
	config  Config
	logger  watermill.LoggerAdapter

	hookMu       sync.RWMutex
	onDeadLetter func(transport.DeadLetter)

	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup
}

var (
	_ message.Publisher            = (*Queue)(nil)
	_ message.Subscriber           = (*Queue)(nil)
	_ transport.DLQManager         = (*Queue)(nil)
	_ transport.DLQLister          = (*Queue)(nil)
	_ transport.DeadLetterNotifier = (*Queue)(nil)
	_ transport.QueueIntrospector  = (*Queue)(nil)
)

// New creates the queue tables in db when missing and returns the queue.
func New(ctx context.Context, db *sql.DB, dialect Dialect, cfg Config, logger watermill.LoggerAdapter) (*Queue, error) {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	q := &Queue{
		db:      db,
		dialect: dialect,
		config:  cfg.withDefaults(),
		logger:  logger.With(watermill.LogFields{"queue_dialect": dialect.Name}),
		closed:  make(chan struct{}),
	}
	if err := q.initSchema(ctx); err != nil {
		return nil, fmt.Errorf("initialize %s queue schema: %w", dialect.Name, err)
	}
	return q, nil
}

// query expands {messages} and {dlq} to table names and ? to the dialect's
// placeholders.
func (q *Queue) query(s string) string {
	s = strings.ReplaceAll(s, "{messages}", q.dialect.Prefix+"chainflow_messages")
	s = strings.ReplaceAll(s, "{dlq}", q.dialect.Prefix+"chainflow_dead_letters")
	var b strings.Builder
	n := 0
	for _, r := range s {
		if r == '?' {
			n++
			b.WriteString(q.dialect.Placeholder(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (q *Queue) initSchema(ctx context.Context) error {
	statements := append([]string(nil), q.dialect.Setup...)
	statements = append(statements,
		`CREATE TABLE IF NOT EXISTS {messages} (
			id `+q.dialect.IDColumn+`,
			uuid TEXT NOT NULL UNIQUE,
			topic TEXT NOT NULL,
			payload `+q.dialect.BlobType+`,
			metadata TEXT NOT NULL DEFAULT '{}',
			created_at BIGINT NOT NULL,
			available_at BIGINT NOT NULL,
			locked_until BIGINT NOT NULL DEFAULT 0,
			retry_count INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS chainflow_messages_topic_available ON {messages}(topic, available_at)`,
		`CREATE TABLE IF NOT EXISTS {dlq} (
			id `+q.dialect.IDColumn+`,
			uuid TEXT NOT NULL,
			original_topic TEXT NOT NULL,
			payload `+q.dialect.BlobType+`,
			metadata TEXT NOT NULL DEFAULT '{}',
			error_message TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL,
			failed_at BIGINT NOT NULL,
			retry_count INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS chainflow_dead_letters_topic ON {dlq}(original_topic)`,
	)
	for _, stmt := range statements {
		if _, err := q.db.ExecContext(ctx, q.query(stmt)); err != nil {
			return err
		}
	}
	return nil
}

func (q *Queue) isClosed() bool {
	select {
	case <-q.closed:
		return true
	default:
		return false
	}
}

// Publish inserts messages in one transaction.
func (q *Queue) Publish(topic string, messages ...*message.Message) error {
	if q.isClosed() {
		return ErrClosed
	}

	tx, err := q.db.Begin()
	if err != nil {
		return fmt.Errorf("begin publish transaction: %w", err)
	}
	defer q.rollback(tx)

	stmt, err := tx.Prepare(q.query(`
		INSERT INTO {messages} (uuid, topic, payload, metadata, created_at, available_at)
		VALUES (?, ?, ?, ?, ?, ?)`))
	if err != nil {
		return fmt.Errorf("prepare publish: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UnixMilli()
	for _, msg := range messages {
		metadata, err := jsoncodec.Marshal(msg.Metadata)
		if err != nil {
			return fmt.Errorf("encode metadata of %s: %w", msg.UUID, err)
		}
		payload := msg.Payload
		if payload == nil {
			payload = []byte{}
		}
		if _, err := stmt.Exec(msg.UUID, topic, payload, string(metadata), now, now); err != nil {
			return fmt.Errorf("insert message %s: %w", msg.UUID, err)
		}
	}
	return tx.Commit()
}

// Subscribe polls topic until ctx is done or the queue is closed.
func (q *Queue) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	if q.isClosed() {
		return nil, ErrClosed
	}

	out := make(chan *message.Message)
	q.wg.Add(1)
	go q.poll(ctx, topic, out)
	return out, nil
}

func (q *Queue) poll(ctx context.Context, topic string, out chan *message.Message) {
	defer q.wg.Done()
	defer close(out)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-q.closed:
			return
		case <-timer.C:
		}

		for {
			delivered, stop := q.deliverNext(ctx, topic, out)
			if stop {
				return
			}
			if !delivered {
				break
			}
		}
		timer.Reset(q.config.PollInterval)
	}
}

type claimed struct {
	id         int64
	createdAt  int64
	retryCount int
	msg        *message.Message
}

func (q *Queue) claim(ctx context.Context, topic string) (*claimed, error) {
	now := time.Now()
	row := q.db.QueryRowContext(ctx, q.query(`
		UPDATE {messages} SET locked_until = ?
		WHERE id = (
			SELECT id FROM {messages}
			WHERE topic = ? AND available_at <= ? AND locked_until < ?
			ORDER BY available_at, id
			LIMIT 1 `+q.dialect.LockClause+`
		)
		RETURNING id, uuid, payload, metadata, created_at, retry_count`),
		now.Add(q.config.LockTimeout).UnixMilli(), topic, now.UnixMilli(), now.UnixMilli())

	var (
		c        claimed
		uuid     string
		payload  []byte
		metadata string
	)
	if err := row.Scan(&c.id, &uuid, &payload, &metadata, &c.createdAt, &c.retryCount); err != nil {
		return nil, err
	}

	c.msg = message.NewMessage(uuid, payload)
	if metadata != "" {
		if err := jsoncodec.Unmarshal([]byte(metadata), &c.msg.Metadata); err != nil {
			q.logger.Error("Failed to decode message metadata", err, watermill.LogFields{"uuid": uuid})
		}
	}
	if c.msg.Metadata == nil {
		c.msg.Metadata = make(message.Metadata)
	}
	return &c, nil
}

// deliverNext claims one message of topic and hands it to out. stop is set
// when the subscription ended.
func (q *Queue) deliverNext(ctx context.Context, topic string, out chan *message.Message) (delivered, stop bool) {
	c, err := q.claim(ctx, topic)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) && ctx.Err() == nil && !q.isClosed() {
			q.logger.Error("Failed to claim message", err, watermill.LogFields{"topic": topic})
		}
		return false, false
	}

	select {
	case out <- c.msg:
	case <-ctx.Done():
		q.unlock(c.id)
		return false, true
	case <-q.closed:
		q.unlock(c.id)
		return false, true
	}

	select {
	case <-c.msg.Acked():
		q.ack(c.id)
		return true, false
	case <-c.msg.Nacked():
		q.nack(topic, c)
		return true, false
	case <-ctx.Done():
		q.unlock(c.id)
		return false, true
	case <-q.closed:
		q.unlock(c.id)
		return false, true
	}
}

func (q *Queue) ack(id int64) {
	if _, err := q.db.Exec(q.query(`DELETE FROM {messages} WHERE id = ?`), id); err != nil {
		q.logger.Error("Failed to ack message", err, watermill.LogFields{"id": id})
	}
}

func (q *Queue) unlock(id int64) {
	if _, err := q.db.Exec(q.query(`UPDATE {messages} SET locked_until = 0 WHERE id = ?`), id); err != nil {
		q.logger.Error("Failed to unlock message", err, watermill.LogFields{"id": id})
	}
}

func (q *Queue) nack(topic string, c *claimed) {
	if c.retryCount >= q.config.MaxRetries {
		q.deadLetter(topic, c)
		return
	}

	availableAt := time.Now().Add(q.config.RetryBackoff * time.Duration(c.retryCount+1))
	_, err := q.db.Exec(q.query(`
		UPDATE {messages}
		SET retry_count = retry_count + 1, locked_until = 0, available_at = ?
		WHERE id = ?`), availableAt.UnixMilli(), c.id)
	if err != nil {
		q.logger.Error("Failed to nack message", err, watermill.LogFields{"id": c.id})
	}
}

func (q *Queue) deadLetter(topic string, c *claimed) {
	err := q.inTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(q.query(`
			INSERT INTO {dlq} (uuid, original_topic, payload, metadata, error_message, created_at, failed_at, retry_count)
			SELECT uuid, topic, payload, metadata, ?, created_at, ?, retry_count
			FROM {messages} WHERE id = ?`), deadLetterReason, time.Now().UnixMilli(), c.id)
		if err != nil {
			return err
		}
		_, err = tx.Exec(q.query(`DELETE FROM {messages} WHERE id = ?`), c.id)
		return err
	})
	if err != nil {
		q.logger.Error("Failed to dead-letter message", err, watermill.LogFields{"id": c.id})
		return
	}

	q.logger.Info("Message moved to dead letters", watermill.LogFields{
		"topic":       topic,
		"uuid":        c.msg.UUID,
		"retry_count": c.retryCount,
	})

	q.hookMu.RLock()
	hook := q.onDeadLetter
	q.hookMu.RUnlock()
	if hook != nil {
		hook(transport.DeadLetter{
			Topic:      topic,
			UUID:       c.msg.UUID,
			RetryCount: c.retryCount,
			Age:        time.Since(time.UnixMilli(c.createdAt)),
		})
	}
}

// OnDeadLetter registers fn to be called after a message was dead-lettered.
func (q *Queue) OnDeadLetter(fn func(transport.DeadLetter)) {
	q.hookMu.Lock()
	defer q.hookMu.Unlock()
	q.onDeadLetter = fn
}

func (q *Queue) inTx(fn func(*sql.Tx) error) error {
	tx, err := q.db.Begin()
	if err != nil {
		return err
	}
	defer q.rollback(tx)
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (q *Queue) rollback(tx *sql.Tx) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		q.logger.Error("Failed to roll back transaction", err, nil)
	}
}

// Close stops all subscriptions, waits for them to release their claims and
// closes the database when the queue owns it.
func (q *Queue) Close() error {
	var err error
	q.closeOnce.Do(func() {
		close(q.closed)
		q.wg.Wait()
		if q.config.CloseDB {
			err = q.db.Close()
		}
	})
	return err
}

// Capabilities reports the dialect's transport capabilities.
func (q *Queue) Capabilities() transport.Capabilities {
	return q.dialect.Capabilities
}

// DB returns the underlying database.
func (q *Queue) DB() *sql.DB {
	return q.db
}

// GetPendingCount returns the number of messages of topic not yet acked.
func (q *Queue) GetPendingCount(topic string) (int64, error) {
	var count int64
	err := q.db.QueryRow(q.query(`SELECT COUNT(*) FROM {messages} WHERE topic = ?`), topic).Scan(&count)
	return count, err
}

// GetDLQCount returns the number of dead letters of topic.
func (q *Queue) GetDLQCount(topic string) (int64, error) {
	var count int64
	err := q.db.QueryRow(q.query(`SELECT COUNT(*) FROM {dlq} WHERE original_topic = ?`), topic).Scan(&count)
	return count, err
}

func replaySuffix() string {
	return "-replay-" + strconv.FormatInt(time.Now().UnixNano(), 36)
}

// ReplayDLQMessage moves one dead letter back to its topic with a fresh
// retry budget.
func (q *Queue) ReplayDLQMessage(dlqID int64) error {
	now := time.Now().UnixMilli()
	return q.inTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(q.query(`
			INSERT INTO {messages} (uuid, topic, payload, metadata, created_at, available_at)
			SELECT uuid || ?, original_topic, payload, metadata, created_at, ?
			FROM {dlq} WHERE id = ?`), replaySuffix(), now, dlqID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: %d", ErrNotFound, dlqID)
		}
		_, err = tx.Exec(q.query(`DELETE FROM {dlq} WHERE id = ?`), dlqID)
		return err
	})
}

// ReplayAllDLQ moves every dead letter of topic back and returns how many.
func (q *Queue) ReplayAllDLQ(topic string) (int64, error) {
	var affected int64
	now := time.Now().UnixMilli()
	err := q.inTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(q.query(`
			INSERT INTO {messages} (uuid, topic, payload, metadata, created_at, available_at)
			SELECT uuid || ?, original_topic, payload, metadata, created_at, ?
			FROM {dlq} WHERE original_topic = ?`), replaySuffix(), now, topic)
		if err != nil {
			return err
		}
		affected, _ = res.RowsAffected()
		_, err = tx.Exec(q.query(`DELETE FROM {dlq} WHERE original_topic = ?`), topic)
		return err
	})
	if err != nil {
		return 0, err
	}
	return affected, nil
}

// PurgeDLQ deletes every dead letter of topic.
func (q *Queue) PurgeDLQ(topic string) (int64, error) {
	res, err := q.db.Exec(q.query(`DELETE FROM {dlq} WHERE original_topic = ?`), topic)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ListDLQMessages returns dead letters of topic, newest first.
func (q *Queue) ListDLQMessages(topic string, limit, offset int) ([]transport.DLQMessage, error) {
	rows, err := q.db.Query(q.query(`
		SELECT id, uuid, original_topic, payload, metadata, error_message, failed_at, retry_count
		FROM {dlq}
		WHERE original_topic = ?
		ORDER BY failed_at DESC, id DESC
		LIMIT ? OFFSET ?`), topic, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []transport.DLQMessage
	for rows.Next() {
		var (
			m        transport.DLQMessage
			metadata string
			failedAt int64
		)
		if err := rows.Scan(&m.ID, &m.UUID, &m.OriginalTopic, &m.Payload, &metadata, &m.ErrorMessage, &failedAt, &m.RetryCount); err != nil {
			return nil, err
		}
		m.FailedAt = time.UnixMilli(failedAt).UTC()
		if metadata != "" {
			if err := jsoncodec.Unmarshal([]byte(metadata), &m.Metadata); err != nil {
				q.logger.Error("Failed to decode dead letter metadata", err, watermill.LogFields{"id": m.ID})
			}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
