// Package prefs persists per-client preferences: pinned favorite locations
// and the light/dark theme. Clients are anonymous fingerprint IDs supplied by
// the browser; there are no accounts.
package prefs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/lmarchetti/weather-dashboard/internal/models"
)

// ErrNotFound is returned when a favorite does not exist for the client.
var ErrNotFound = errors.New("favorite not found")

// ErrDuplicate is returned when the client already pinned the same location.
var ErrDuplicate = errors.New("favorite already exists")

const schema = `
CREATE TABLE IF NOT EXISTS favorites (
	id         TEXT PRIMARY KEY,
	client_id  TEXT NOT NULL,
	label      TEXT NOT NULL,
	city       TEXT NOT NULL DEFAULT '',
	lat        REAL NOT NULL DEFAULT 0,
	lon        REAL NOT NULL DEFAULT 0,
	coords     INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL,
	UNIQUE(client_id, city, lat, lon, coords)
);
CREATE INDEX IF NOT EXISTS idx_favorites_client ON favorites(client_id);

CREATE TABLE IF NOT EXISTS preferences (
	client_id  TEXT PRIMARY KEY,
	theme      TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
`

// Store is a SQLite-backed preferences store (pure Go driver modernc.org/sqlite).
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the preferences database at path.
// Use ":memory:" for tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open prefs db: %w", err)
	}
	// SQLite handles one writer at a time; serialize access through one conn.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create prefs schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database. Call during shutdown.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks database reachability. Used for health checks.
func (s *Store) Ping() error {
	return s.db.Ping()
}

// AddFavorite pins a location for the client. The ID and CreatedAt are
// assigned here. Pinning the same location twice returns ErrDuplicate.
func (s *Store) AddFavorite(ctx context.Context, clientID, label string, q models.LocationQuery) (models.Favorite, error) {
	fav := models.Favorite{
		ID:        uuid.New().String(),
		ClientID:  clientID,
		Label:     strings.TrimSpace(label),
		Query:     q,
		CreatedAt: time.Now().UTC(),
	}
	if fav.Label == "" {
		fav.Label = q.String()
	}
	city := ""
	if !q.Coords {
		city = strings.ToLower(strings.TrimSpace(q.City))
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO favorites (id, client_id, label, city, lat, lon, coords, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		fav.ID, clientID, fav.Label, city, q.Lat, q.Lon, boolToInt(q.Coords), fav.CreatedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return models.Favorite{}, ErrDuplicate
		}
		return models.Favorite{}, fmt.Errorf("insert favorite: %w", err)
	}
	return fav, nil
}

// ListFavorites returns the client's favorites, newest first.
func (s *Store) ListFavorites(ctx context.Context, clientID string) ([]models.Favorite, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, client_id, label, city, lat, lon, coords, created_at
		 FROM favorites WHERE client_id = ? ORDER BY created_at DESC`, clientID)
	if err != nil {
		return nil, fmt.Errorf("list favorites: %w", err)
	}
	defer rows.Close()

	var out []models.Favorite
	for rows.Next() {
		fav, err := scanFavorite(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, fav)
	}
	return out, rows.Err()
}

// RemoveFavorite unpins a favorite by ID. Returns ErrNotFound when the
// favorite does not exist or belongs to another client.
func (s *Store) RemoveFavorite(ctx context.Context, clientID, id string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM favorites WHERE id = ? AND client_id = ?`, id, clientID)
	if err != nil {
		return fmt.Errorf("delete favorite: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete favorite: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// AllFavoriteQueries returns the distinct pinned locations across all
// clients. Used by the prefetcher to keep popular keys warm.
func (s *Store) AllFavoriteQueries(ctx context.Context) ([]models.LocationQuery, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT city, lat, lon, coords FROM favorites`)
	if err != nil {
		return nil, fmt.Errorf("list favorite queries: %w", err)
	}
	defer rows.Close()

	var out []models.LocationQuery
	for rows.Next() {
		var city string
		var lat, lon float64
		var coords int
		if err := rows.Scan(&city, &lat, &lon, &coords); err != nil {
			return nil, fmt.Errorf("scan favorite query: %w", err)
		}
		if coords != 0 {
			out = append(out, models.CoordQuery(lat, lon))
		} else {
			out = append(out, models.CityQuery(city))
		}
	}
	return out, rows.Err()
}

// Theme returns the client's theme preference, defaulting to light.
func (s *Store) Theme(ctx context.Context, clientID string) (models.Theme, error) {
	var theme string
	err := s.db.QueryRowContext(ctx,
		`SELECT theme FROM preferences WHERE client_id = ?`, clientID).Scan(&theme)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ThemeLight, nil
	}
	if err != nil {
		return "", fmt.Errorf("get theme: %w", err)
	}
	t := models.Theme(theme)
	if !t.Valid() {
		return models.ThemeLight, nil
	}
	return t, nil
}

// SetTheme stores the client's theme preference, last write wins.
func (s *Store) SetTheme(ctx context.Context, clientID string, theme models.Theme) error {
	if !theme.Valid() {
		return fmt.Errorf("invalid theme %q", theme)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO preferences (client_id, theme, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(client_id) DO UPDATE SET theme = excluded.theme, updated_at = excluded.updated_at`,
		clientID, string(theme), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("set theme: %w", err)
	}
	return nil
}

func scanFavorite(rows *sql.Rows) (models.Favorite, error) {
	var fav models.Favorite
	var city string
	var lat, lon float64
	var coords int
	if err := rows.Scan(&fav.ID, &fav.ClientID, &fav.Label, &city, &lat, &lon, &coords, &fav.CreatedAt); err != nil {
		return models.Favorite{}, fmt.Errorf("scan favorite: %w", err)
	}
	if coords != 0 {
		fav.Query = models.CoordQuery(lat, lon)
	} else {
		fav.Query = models.CityQuery(city)
	}
	return fav, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
