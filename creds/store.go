// Package creds owns the bot's session credentials: a Postgres-backed store
// encrypted at rest, a background refresher that rotates the token pair
// before expiry, and the device-code pairing flow used when no credentials
// exist yet. Every mutation is persisted synchronously before it is
// considered complete, so a crash between rotation and persistence cannot
// leave the stored session unusable.
package creds

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/onnwee/relaybot/crypto"
)

// Provider is the credentials row key for the bot's one messaging network.
const Provider = "twitch"

// Credentials is the opaque session secret blob: the OAuth token pair plus
// its expiry and granted scopes.
type Credentials struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
	Scope        string
}

// Store persists session credentials across restarts.
type Store interface {
	// Load returns the stored credentials and whether any exist.
	Load(ctx context.Context) (Credentials, bool, error)
	// Save persists credentials, replacing any previous row.
	Save(ctx context.Context, c Credentials) error
	// Clear removes stored credentials. Called exactly once when the network
	// invalidates the session.
	Clear(ctx context.Context) error
}

// PGStore is the Postgres Store. When Enc is non-nil the token pair is
// encrypted before storage (encryption_version=1); plaintext rows written
// before encryption was enabled (version=0) are still readable.
type PGStore struct {
	DB  *sql.DB
	Enc crypto.Encryptor
}

// Load retrieves and, if needed, decrypts the credentials row.
func (s *PGStore) Load(ctx context.Context) (Credentials, bool, error) {
	var c Credentials
	var encVersion int
	row := s.DB.QueryRowContext(ctx,
		`SELECT access_token, refresh_token, expires_at, scope, COALESCE(encryption_version, 0)
		 FROM credentials WHERE provider = $1`, Provider)
	err := row.Scan(&c.AccessToken, &c.RefreshToken, &c.Expiry, &c.Scope, &encVersion)
	if err == sql.ErrNoRows {
		return Credentials{}, false, nil
	}
	if err != nil {
		return Credentials{}, false, fmt.Errorf("load credentials: %w", err)
	}

	if encVersion == 1 {
		if s.Enc == nil {
			return Credentials{}, false, fmt.Errorf("credentials are encrypted but ENCRYPTION_KEY not configured")
		}
		if c.AccessToken, err = crypto.DecryptString(s.Enc, c.AccessToken); err != nil {
			return Credentials{}, false, fmt.Errorf("decrypt access token: %w", err)
		}
		if c.RefreshToken, err = crypto.DecryptString(s.Enc, c.RefreshToken); err != nil {
			return Credentials{}, false, fmt.Errorf("decrypt refresh token: %w", err)
		}
	}
	return c, true, nil
}

// Save upserts the credentials row, encrypting the token pair when an
// encryptor is configured.
func (s *PGStore) Save(ctx context.Context, c Credentials) error {
	encVersion := 0
	access, refresh := c.AccessToken, c.RefreshToken
	if s.Enc != nil {
		encVersion = 1
		var err error
		if access, err = crypto.EncryptString(s.Enc, access); err != nil {
			return fmt.Errorf("encrypt access token: %w", err)
		}
		if refresh, err = crypto.EncryptString(s.Enc, refresh); err != nil {
			return fmt.Errorf("encrypt refresh token: %w", err)
		}
	}

	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO credentials(provider, access_token, refresh_token, expires_at, scope, encryption_version, updated_at)
		 VALUES($1,$2,$3,$4,$5,$6,NOW())
		 ON CONFLICT(provider) DO UPDATE SET
		   access_token=EXCLUDED.access_token,
		   refresh_token=EXCLUDED.refresh_token,
		   expires_at=EXCLUDED.expires_at,
		   scope=EXCLUDED.scope,
		   encryption_version=EXCLUDED.encryption_version,
		   updated_at=NOW()`,
		Provider, access, refresh, c.Expiry, c.Scope, encVersion)
	if err != nil {
		return fmt.Errorf("save credentials: %w", err)
	}
	return nil
}

// Clear deletes the credentials row.
func (s *PGStore) Clear(ctx context.Context) error {
	if _, err := s.DB.ExecContext(ctx, `DELETE FROM credentials WHERE provider=$1`, Provider); err != nil {
		return fmt.Errorf("clear credentials: %w", err)
	}
	return nil
}
