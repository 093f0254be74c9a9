package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Tyrowin/chatrelay/internal/models"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jellydator/ttlcache/v3"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const userCacheTTL = 15 * time.Minute

var selectMessages = `
SELECT m.id, m.sender_id, u.username AS sender_name, m.receiver_id,
       m.content, m.created_at, m.delivered, m.seen
FROM messages m
JOIN users u ON m.sender_id = u.id
`

// Postgres is a MessageStore backed by PostgreSQL.
type Postgres struct {
	db        *sqlx.DB
	userCache *ttlcache.Cache[string, int64]
}

// Open connects to PostgreSQL and verifies the connection.
func Open(ctx context.Context, dsn string) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	return db, nil
}

// Migrate applies the embedded schema migrations to the database at dsn.
func Migrate(dsn string) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, dsn)
	if err != nil {
		return fmt.Errorf("init migrations: %w", err)
	}
	defer func() {
		if srcErr, dbErr := m.Close(); srcErr != nil || dbErr != nil {
			slog.Warn("error closing migrator", "source_error", srcErr, "database_error", dbErr)
		}
	}()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	version, dirty, err := m.Version()
	if err == nil {
		slog.Info("database schema ready", "version", version, "dirty", dirty)
	}
	return nil
}

// NewPostgres wraps an open database handle. Close stops the lookup cache.
func NewPostgres(db *sqlx.DB) *Postgres {
	cache := ttlcache.New[string, int64](
		ttlcache.WithTTL[string, int64](userCacheTTL),
	)
	go cache.Start()
	return &Postgres{db: db, userCache: cache}
}

// Close stops the cache janitor. The database handle is owned by the caller.
func (p *Postgres) Close() {
	p.userCache.Stop()
}

func (p *Postgres) SaveMessage(ctx context.Context, senderID int64, receiverID *int64, content string, delivered bool) (*models.Message, error) {
	stmt := `
	INSERT INTO messages (sender_id, receiver_id, content, created_at, delivered)
	VALUES ($1, $2, $3, NOW(), $4)
	RETURNING id, sender_id, receiver_id, content, created_at, delivered, seen;
	`
	var msg models.Message
	if err := p.db.GetContext(ctx, &msg, stmt, senderID, receiverID, content, delivered); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (p *Postgres) RecentMessages(ctx context.Context, limit int) ([]*models.Message, error) {
	stmt := `
	SELECT * FROM (` + selectMessages + `
		WHERE m.receiver_id IS NULL
		ORDER BY m.created_at DESC, m.id DESC
		LIMIT $1
	) recent
	ORDER BY created_at ASC, id ASC;
	`
	messages := []*models.Message{}
	err := p.db.SelectContext(ctx, &messages, stmt, limit)
	return messages, err
}

func (p *Postgres) UndeliveredFor(ctx context.Context, userID int64) ([]*models.Message, error) {
	stmt := selectMessages + `
	WHERE m.receiver_id = $1 AND m.delivered = FALSE
	ORDER BY m.created_at ASC, m.id ASC;
	`
	messages := []*models.Message{}
	err := p.db.SelectContext(ctx, &messages, stmt, userID)
	return messages, err
}

func (p *Postgres) PrivateMessages(ctx context.Context, userA, userB int64, limit int) ([]*models.Message, error) {
	stmt := selectMessages + `
	WHERE (m.sender_id = $1 AND m.receiver_id = $2)
	   OR (m.sender_id = $2 AND m.receiver_id = $1)
	ORDER BY m.created_at ASC, m.id ASC
	LIMIT $3;
	`
	messages := []*models.Message{}
	err := p.db.SelectContext(ctx, &messages, stmt, userA, userB, limit)
	return messages, err
}

func (p *Postgres) MarkDelivered(ctx context.Context, messageID int64) error {
	_, err := p.db.ExecContext(ctx, `UPDATE messages SET delivered = TRUE WHERE id = $1;`, messageID)
	return err
}

func (p *Postgres) MarkSeen(ctx context.Context, fromID, toID int64) error {
	stmt := `
	UPDATE messages
	SET seen = TRUE
	WHERE sender_id = $1 AND receiver_id = $2 AND seen = FALSE;
	`
	_, err := p.db.ExecContext(ctx, stmt, fromID, toID)
	return err
}

func (p *Postgres) UpdateLastSeen(ctx context.Context, userID int64) error {
	_, err := p.db.ExecContext(ctx, `UPDATE users SET last_seen = NOW() WHERE id = $1;`, userID)
	return err
}

func (p *Postgres) UserIDByName(ctx context.Context, name string) (int64, error) {
	if item := p.userCache.Get(name, ttlcache.WithDisableTouchOnHit[string, int64]()); item != nil {
		return item.Value(), nil
	}
	slog.Debug("UserIDByName cache miss, querying database", "username", name)

	var id int64
	err := p.db.GetContext(ctx, &id, `SELECT id FROM users WHERE username = $1;`, name)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	p.userCache.Set(name, id, ttlcache.DefaultTTL)
	return id, nil
}

// AddUser inserts a user row and returns its id. Registration itself lives
// outside this service; this exists for seeding and tests.
func (p *Postgres) AddUser(ctx context.Context, username, email string) (int64, error) {
	var id int64
	err := p.db.GetContext(ctx, &id,
		`INSERT INTO users (username, email, is_verified) VALUES ($1, $2, TRUE) RETURNING id;`,
		username, email)
	return id, err
}

var _ MessageStore = (*Postgres)(nil)
