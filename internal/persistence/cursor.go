// Package persistence contains helpers shared by store implementations.
package persistence

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"example.com/fittrack/internal/domain"
)

const (
	// DefaultLimit is the page size used when the caller does not pick one.
	DefaultLimit = 20
	// MaxLimit caps the page size of activity listings.
	MaxLimit = 100
)

// EncodeCursor serialises the cursor to a URL-safe token.
func EncodeCursor(c *domain.Cursor) string {
	if c == nil {
		return ""
	}
	raw := fmt.Sprintf("%s|%s", c.StartedAt.UTC().Format(time.RFC3339Nano), c.ID)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor parses the encoded cursor token. An empty token yields a nil cursor.
func DecodeCursor(token string) (*domain.Cursor, error) {
	if strings.TrimSpace(token) == "" {
		return nil, nil
	}
	decoded, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("invalid cursor: %w", err)
	}
	parts := strings.SplitN(string(decoded), "|", 2)
	if len(parts) != 2 || parts[1] == "" {
		return nil, fmt.Errorf("invalid cursor format")
	}
	ts, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return nil, fmt.Errorf("invalid cursor: %w", err)
	}
	return &domain.Cursor{StartedAt: ts, ID: parts[1]}, nil
}

// ClampLimit applies the default and maximum page sizes.
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultLimit
	case limit > MaxLimit:
		return MaxLimit
	default:
		return limit
	}
}

// After reports whether a sorts strictly after the cursor in (started_at desc, id desc) order.
func After(a domain.Activity, c domain.Cursor) bool {
	if !a.StartedAt.Equal(c.StartedAt) {
		return a.StartedAt.Before(c.StartedAt)
	}
	return a.ID < c.ID
}

// Page trims rows fetched with one row of lookahead to limit and derives the next cursor.
func Page(rows []domain.Activity, limit int) ([]domain.Activity, *domain.Cursor, error) {
	if len(rows) <= limit {
		return rows, nil, nil
	}
	rows = rows[:limit]
	last := rows[len(rows)-1]
	return rows, &domain.Cursor{StartedAt: last.StartedAt, ID: last.ID}, nil
}
