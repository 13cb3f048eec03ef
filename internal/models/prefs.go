package models

import "time"

// Theme is the binary UI theme preference.
type Theme string

const (
	ThemeLight Theme = "light"
	ThemeDark  Theme = "dark"
)

// Valid reports whether t is a known theme value.
func (t Theme) Valid() bool {
	return t == ThemeLight || t == ThemeDark
}

// Favorite is a user-pinned LocationQuery. Persisted per client; created and
// removed only by explicit user action.
type Favorite struct {
	ID        string        `json:"id"`
	ClientID  string        `json:"-"`
	Label     string        `json:"label"`
	Query     LocationQuery `json:"query"`
	CreatedAt time.Time     `json:"createdAt"`
}
