package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"polychat/internal/models"
)

// UniversalKey is stored in place of a real key when the user opts into the shared key.
const UniversalKey = "UNIVERSAL"

// PutKey stores the key of userID for vendor, replacing any earlier one.
func (s *Store) PutKey(ctx context.Context, userID string, vendor models.Vendor, key string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO api_keys (user_id, vendor, api_key, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (user_id, vendor) DO UPDATE SET
			api_key = excluded.api_key,
			updated_at = excluded.updated_at
	`, userID, string(vendor), key, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("store key for %s: %w", vendor, err)
	}
	return nil
}

// RemoveKey deletes the key of userID for vendor. Removing a missing key is not an error.
func (s *Store) RemoveKey(ctx context.Context, userID string, vendor models.Vendor) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM api_keys WHERE user_id = ? AND vendor = ?`, userID, string(vendor)); err != nil {
		return fmt.Errorf("remove key for %s: %w", vendor, err)
	}
	return nil
}

// Key returns the stored key of userID for vendor.
func (s *Store) Key(ctx context.Context, userID string, vendor models.Vendor) (string, bool, error) {
	var key string
	err := s.db.QueryRowContext(ctx, `SELECT api_key FROM api_keys WHERE user_id = ? AND vendor = ?`, userID, string(vendor)).Scan(&key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("query key for %s: %w", vendor, err)
	}
	return key, true, nil
}

// Keys returns every stored key of userID.
func (s *Store) Keys(ctx context.Context, userID string) (map[models.Vendor]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT vendor, api_key FROM api_keys WHERE user_id = ?`, userID)
	if err != nil {
		return nil, fmt.Errorf("query keys: %w", err)
	}
	defer rows.Close()

	out := make(map[models.Vendor]string)
	for rows.Next() {
		var vendor, key string
		if err := rows.Scan(&vendor, &key); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		out[models.Vendor(vendor)] = key
	}
	return out, rows.Err()
}

// Resolver turns stored keys into upstream credentials.
type Resolver struct {
	store     *Store
	universal string
	fallback  map[models.Vendor]string
}

// NewResolver builds a resolver. universal is the shared key behind UniversalKey and
// fallback holds the per-vendor keys used for users without a stored key.
func NewResolver(store *Store, universal string, fallback map[models.Vendor]string) *Resolver {
	return &Resolver{store: store, universal: universal, fallback: fallback}
}

// Resolve returns the credentials of userID for vendor. Empty credentials mean no key is
// configured; the adapter reports that as a credentials failure on its own message.
func (r *Resolver) Resolve(ctx context.Context, userID string, vendor models.Vendor) (models.Credentials, error) {
	key, ok, err := r.store.Key(ctx, userID, vendor)
	if err != nil {
		return models.Credentials{}, err
	}
	if ok {
		if key != UniversalKey {
			return models.Credentials{APIKey: key}, nil
		}
		if r.universal == "" {
			return models.Credentials{}, errors.New("universal key selected but none is configured")
		}
		return models.Credentials{APIKey: r.universal, Universal: true}, nil
	}
	return models.Credentials{APIKey: r.fallback[vendor]}, nil
}

// Mask hides all but the edges of a key for display. The universal sentinel is shown as is.
func Mask(key string) string {
	switch {
	case key == UniversalKey:
		return key
	case len(key) > 12:
		return key[:8] + "..." + key[len(key)-4:]
	default:
		return "***"
	}
}
