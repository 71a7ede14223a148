package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB abstracts the pgx query interface for testing.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresDirectory persists providers in the providers table.
type PostgresDirectory struct {
	db DB
}

// NewPostgresDirectory creates a Postgres-backed directory.
func NewPostgresDirectory(db DB) *PostgresDirectory {
	if db == nil {
		panic("providers: db required")
	}
	return &PostgresDirectory{db: db}
}

var _ Directory = (*PostgresDirectory)(nil)

const providerColumns = `id, name, category, phone, address, lat, lng, rating, hours, created_at, updated_at`

func (d *PostgresDirectory) Get(ctx context.Context, id string) (*Provider, error) {
	row := d.db.QueryRow(ctx, `SELECT `+providerColumns+` FROM providers WHERE id = $1`, id)
	p, err := scanProvider(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("providers: get: %w", err)
	}
	return p, nil
}

func (d *PostgresDirectory) List(ctx context.Context, filter Filter) ([]*Provider, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if category := normalizeCategory(filter.Category); category != "" {
		rows, err = d.db.Query(ctx, `SELECT `+providerColumns+` FROM providers WHERE category = $1 ORDER BY id`, category)
	} else {
		rows, err = d.db.Query(ctx, `SELECT `+providerColumns+` FROM providers ORDER BY id`)
	}
	if err != nil {
		return nil, fmt.Errorf("providers: list: %w", err)
	}
	defer rows.Close()
	var out []*Provider
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, fmt.Errorf("providers: scan: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Upsert inserts a provider; on id conflict only rating and hours are refreshed.
func (d *PostgresDirectory) Upsert(ctx context.Context, p *Provider) (*Provider, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: provider required", ErrInvalidProvider)
	}
	p.Category = normalizeCategory(p.Category)
	if err := p.Validate(); err != nil {
		return nil, err
	}
	id := p.ID
	if id == "" {
		id = uuid.NewString()
	}
	hours, err := json.Marshal(p.Hours)
	if err != nil {
		return nil, fmt.Errorf("providers: marshal hours: %w", err)
	}
	var lat, lng *float64
	if p.Coordinates != nil {
		lat, lng = &p.Coordinates.Lat, &p.Coordinates.Lng
	}
	now := time.Now().UTC()
	row := d.db.QueryRow(ctx, `
		INSERT INTO providers (id, name, category, phone, address, lat, lng, rating, hours, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
		ON CONFLICT (id) DO UPDATE
		SET rating = EXCLUDED.rating, hours = EXCLUDED.hours, updated_at = EXCLUDED.updated_at
		RETURNING `+providerColumns,
		id, p.Name, p.Category, p.Phone, p.Address, lat, lng, p.Rating, hours, now,
	)
	stored, err := scanProvider(row)
	if err != nil {
		return nil, fmt.Errorf("providers: upsert: %w", err)
	}
	return stored, nil
}

// Delete removes a provider. Calls and bookings keep their history; the
// schema nulls their provider reference.
func (d *PostgresDirectory) Delete(ctx context.Context, id string) error {
	tag, err := d.db.Exec(ctx, `DELETE FROM providers WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("providers: delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanProvider(row pgx.Row) (*Provider, error) {
	var (
		p        Provider
		lat, lng *float64
		hours    []byte
	)
	if err := row.Scan(&p.ID, &p.Name, &p.Category, &p.Phone, &p.Address, &lat, &lng, &p.Rating, &hours, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	if lat != nil && lng != nil {
		p.Coordinates = &Coordinates{Lat: *lat, Lng: *lng}
	}
	if len(hours) > 0 && string(hours) != "null" {
		if err := json.Unmarshal(hours, &p.Hours); err != nil {
			return nil, fmt.Errorf("decode hours: %w", err)
		}
	}
	return &p, nil
}
