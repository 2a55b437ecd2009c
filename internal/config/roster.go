package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/Dean-Rough/transferjuice/internal/models"
)

const (
	defaultTier        = 3
	defaultReliability = 0.5
)

// RosterEntry is one tracked account as written in the roster file.
type RosterEntry struct {
	ID          string   `yaml:"id"`
	Handle      string   `yaml:"handle"`
	Name        string   `yaml:"name"`
	UserID      string   `yaml:"user_id"`
	Tier        int      `yaml:"tier"`
	Reliability float64  `yaml:"reliability"`
	Topics      []string `yaml:"topics"`
}

// Roster is the tracked-account roster file.
type Roster struct {
	Accounts []RosterEntry `yaml:"accounts"`
}

// LoadRoster reads and validates the roster at path.
func LoadRoster(path string) ([]models.TrackedAccount, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read roster: %w", err)
	}
	return ParseRoster(b)
}

// ParseRoster decodes roster YAML into tracked accounts, applying defaults.
func ParseRoster(data []byte) ([]models.TrackedAccount, error) {
	var r Roster
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parse roster: %w", err)
	}
	if len(r.Accounts) == 0 {
		return nil, fmt.Errorf("roster has no accounts")
	}

	seen := make(map[string]bool, len(r.Accounts))
	accounts := make([]models.TrackedAccount, 0, len(r.Accounts))
	for i, e := range r.Accounts {
		handle := strings.TrimPrefix(strings.TrimSpace(e.Handle), "@")
		if handle == "" {
			return nil, fmt.Errorf("roster entry %d: handle is required", i)
		}
		id := e.ID
		if id == "" {
			id = models.AccountKey(handle)
		}
		if seen[id] {
			return nil, fmt.Errorf("roster entry %d: duplicate account %q", i, id)
		}
		seen[id] = true

		tier := e.Tier
		if tier == 0 {
			tier = defaultTier
		}
		if tier < 0 {
			return nil, fmt.Errorf("roster entry %d: tier must be positive", i)
		}
		reliability := e.Reliability
		if reliability == 0 {
			reliability = defaultReliability
		}
		if reliability < 0 || reliability > 1 {
			return nil, fmt.Errorf("roster entry %d: reliability must be within [0,1]", i)
		}
		name := e.Name
		if name == "" {
			name = handle
		}

		accounts = append(accounts, models.TrackedAccount{
			ID:          id,
			Handle:      handle,
			DisplayName: name,
			UserID:      e.UserID,
			Tier:        tier,
			Reliability: reliability,
			Topics:      e.Topics,
			Enabled:     true,
		})
	}
	return accounts, nil
}
