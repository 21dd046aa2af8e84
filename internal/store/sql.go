package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"flowsync/internal/flowchart"
)

// Dialect captures the differences between the two SQL backends.
type Dialect struct {
	Name      string
	driver    string
	like      string
	arrayLen  string
	migration string
}

var (
	Postgres = Dialect{Name: "postgres", driver: "pgx", like: "ILIKE", arrayLen: "jsonb_array_length", migration: "migrations/postgres"}
	SQLite   = Dialect{Name: "sqlite", driver: "sqlite3", like: "LIKE", arrayLen: "json_array_length", migration: "migrations/sqlite"}
)

func DialectFor(name string) (Dialect, error) {
	switch name {
	case Postgres.Name:
		return Postgres, nil
	case SQLite.Name:
		return SQLite, nil
	default:
		return Dialect{}, fmt.Errorf("unknown sql dialect %q", name)
	}
}

// rebind rewrites ? placeholders into $n for PostgreSQL.
func (d Dialect) rebind(query string) string {
	if d.Name != Postgres.Name {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect, now: time.Now}
}

func (s *SQLStore) DB() *sql.DB {
	return s.db
}

func (s *SQLStore) Create(ctx context.Context, doc flowchart.Document) (flowchart.Document, error) {
	created := prepareCreate(doc, s.now())
	cards, connections, err := encodeCollections(created)
	if err != nil {
		return flowchart.Document{}, err
	}
	_, err = s.db.ExecContext(ctx, s.dialect.rebind(`
		INSERT INTO flowcharts (id, name, cards, connections, version, created_by, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`), created.ID, created.Name, cards, connections, created.Version, created.CreatedBy, created.UpdatedAt)
	if err != nil {
		return flowchart.Document{}, persistenceError("insert flowchart", err)
	}
	return created, nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (flowchart.Document, error) {
	var (
		doc         flowchart.Document
		cards       string
		connections string
	)
	err := s.db.QueryRowContext(ctx, s.dialect.rebind(`
		SELECT id, name, cards, connections, version, created_by, updated_at
		FROM flowcharts WHERE id = ?
	`), id).Scan(&doc.ID, &doc.Name, &cards, &connections, &doc.Version, &doc.CreatedBy, &doc.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return flowchart.Document{}, fmt.Errorf("get %s: %w", id, flowchart.ErrNotFound)
	}
	if err != nil {
		return flowchart.Document{}, persistenceError("get flowchart", err)
	}
	if doc.Cards, err = flowchart.DecodeItems([]byte(cards)); err != nil {
		return flowchart.Document{}, persistenceError("decode cards", err)
	}
	if doc.Connections, err = flowchart.DecodeItems([]byte(connections)); err != nil {
		return flowchart.Document{}, persistenceError("decode connections", err)
	}
	doc.UpdatedAt = doc.UpdatedAt.UTC()
	return doc, nil
}

func (s *SQLStore) Update(ctx context.Context, doc flowchart.Document) error {
	cards, connections, err := encodeCollections(doc)
	if err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx, s.dialect.rebind(`
		UPDATE flowcharts
		SET name = ?, cards = ?, connections = ?, version = ?, updated_at = ?
		WHERE id = ? AND version <= ?
	`), doc.Name, cards, connections, doc.Version, doc.UpdatedAt.UTC(), doc.ID, doc.Version)
	if err != nil {
		return persistenceError("update flowchart", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return persistenceError("update flowchart", err)
	}
	if affected > 0 {
		return nil
	}

	// nothing matched: either the row is gone or a newer version is already stored
	var exists int
	err = s.db.QueryRowContext(ctx, s.dialect.rebind(`SELECT 1 FROM flowcharts WHERE id = ?`), doc.ID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("update %s: %w", doc.ID, flowchart.ErrNotFound)
	}
	if err != nil {
		return persistenceError("update flowchart", err)
	}
	return nil
}

func (s *SQLStore) List(ctx context.Context, query string, limit int) ([]flowchart.Summary, error) {
	stmt := fmt.Sprintf(`
		SELECT id, name, version, %[1]s(cards), %[1]s(connections), updated_at
		FROM flowcharts
		WHERE name %[2]s ?
		ORDER BY updated_at DESC, id
		LIMIT ?
	`, s.dialect.arrayLen, s.dialect.like)
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(stmt), "%"+escapeLike(query)+"%", clampLimit(limit))
	if err != nil {
		return nil, persistenceError("list flowcharts", err)
	}
	defer rows.Close()

	items := []flowchart.Summary{}
	for rows.Next() {
		var summary flowchart.Summary
		if err := rows.Scan(&summary.ID, &summary.Name, &summary.Version, &summary.Cards, &summary.Connections, &summary.UpdatedAt); err != nil {
			return nil, persistenceError("scan flowchart", err)
		}
		summary.UpdatedAt = summary.UpdatedAt.UTC()
		items = append(items, summary)
	}
	if err := rows.Err(); err != nil {
		return nil, persistenceError("list flowcharts", err)
	}
	return items, nil
}

func (s *SQLStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return persistenceError("ping db", err)
	}
	return nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func encodeCollections(doc flowchart.Document) (string, string, error) {
	cards, err := flowchart.EncodeItems(doc.Cards)
	if err != nil {
		return "", "", fmt.Errorf("encode cards: %w", err)
	}
	connections, err := flowchart.EncodeItems(doc.Connections)
	if err != nil {
		return "", "", fmt.Errorf("encode connections: %w", err)
	}
	return string(cards), string(connections), nil
}

// escapeLike drops the LIKE wildcards so the query matches literally.
func escapeLike(query string) string {
	return strings.NewReplacer("%", "", "_", "").Replace(strings.TrimSpace(query))
}
