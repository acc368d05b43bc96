// Package apikey mints API keys. The raw key is returned once; callers store
// only the bcrypt hash and the lookup prefix.
package apikey

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cai265891-design/Signalidea/pkg/models"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const (
	// Prefix marks every key issued by this service.
	Prefix = "si_"

	// PrefixLen matches the lookup prefix length used by the auth middleware.
	PrefixLen = 8

	ScopePipeline = "pipeline"
	ScopeAdmin    = "admin"
)

var ErrInvalidName = errors.New("key name is required")

var knownScopes = map[string]bool{
	ScopePipeline: true,
	ScopeAdmin:    true,
}

// Generate creates a key for userID. Scopes default to pipeline access.
func Generate(userID uuid.UUID, name string, scopes []string) (*models.APIKey, string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, "", ErrInvalidName
	}
	if len(scopes) == 0 {
		scopes = []string{ScopePipeline}
	}
	for _, s := range scopes {
		if !knownScopes[s] {
			return nil, "", fmt.Errorf("unknown scope %q", s)
		}
	}

	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return nil, "", fmt.Errorf("reading random bytes: %w", err)
	}
	raw := Prefix + hex.EncodeToString(buf)

	hash, err := bcrypt.GenerateFromPassword([]byte(raw), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", fmt.Errorf("hashing key: %w", err)
	}

	now := time.Now().UTC()
	return &models.APIKey{
		ID:        uuid.New(),
		UserID:    userID,
		Name:      name,
		KeyHash:   string(hash),
		KeyPrefix: raw[:PrefixLen],
		Scopes:    scopes,
		CreatedAt: now,
		UpdatedAt: now,
	}, raw, nil
}
