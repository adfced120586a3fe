package client

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"bffgate/internal/session/models"
	"bffgate/pkg/platform/sentinel"
)

// Schema creates the table used by PostgresStore.
const Schema = `
CREATE TABLE IF NOT EXISTS oauth2_authorized_client (
	registration_id         TEXT        NOT NULL,
	principal_name          TEXT        NOT NULL,
	access_token            TEXT        NOT NULL DEFAULT '',
	access_token_expires_at TIMESTAMPTZ,
	refresh_token           TEXT        NOT NULL DEFAULT '',
	scopes                  TEXT        NOT NULL DEFAULT '',
	updated_at              TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (registration_id, principal_name)
)`

// Clock returns the current time.
type Clock func() time.Time

// PostgresStore persists authorized clients for deployments that need the
// token pair to survive a redis flush.
type PostgresStore struct {
	db    *sql.DB
	clock Clock
}

// PostgresStoreOption configures a PostgresStore.
type PostgresStoreOption func(*PostgresStore)

// WithPostgresClock sets the clock function for testability.
func WithPostgresClock(clock Clock) PostgresStoreOption {
	return func(s *PostgresStore) {
		if clock != nil {
			s.clock = clock
		}
	}
}

func NewPostgres(db *sql.DB, opts ...PostgresStoreOption) *PostgresStore {
	s := &PostgresStore{db: db, clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Migrate creates the backing table if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("migrate authorized clients: %w", err)
	}
	return nil
}

func (s *PostgresStore) Save(ctx context.Context, client *models.AuthorizedClient) error {
	if client == nil || client.PrincipalName == "" || client.RegistrationID == "" {
		return fmt.Errorf("save authorized client: %w", sentinel.ErrInvalidState)
	}
	if client.IsEmpty() {
		err := s.Remove(ctx, client.Key())
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil
		}
		return err
	}

	var expiresAt sql.NullTime
	if !client.AccessTokenExpiresAt.IsZero() {
		expiresAt = sql.NullTime{Time: client.AccessTokenExpiresAt, Valid: true}
	}
	query := `
		INSERT INTO oauth2_authorized_client
			(registration_id, principal_name, access_token, access_token_expires_at, refresh_token, scopes, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (registration_id, principal_name) DO UPDATE SET
			access_token = EXCLUDED.access_token,
			access_token_expires_at = EXCLUDED.access_token_expires_at,
			refresh_token = EXCLUDED.refresh_token,
			scopes = EXCLUDED.scopes,
			updated_at = EXCLUDED.updated_at
	`
	_, err := s.db.ExecContext(ctx, query,
		client.RegistrationID,
		client.PrincipalName,
		client.AccessToken,
		expiresAt,
		client.RefreshToken,
		strings.Join(client.Scopes, " "),
		s.clock(),
	)
	if err != nil {
		return fmt.Errorf("save authorized client: %w", err)
	}
	return nil
}

func (s *PostgresStore) Load(ctx context.Context, key models.ClientKey) (*models.AuthorizedClient, error) {
	var (
		client    models.AuthorizedClient
		expiresAt sql.NullTime
		scopes    string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT registration_id, principal_name, access_token, access_token_expires_at, refresh_token, scopes
		FROM oauth2_authorized_client
		WHERE registration_id = $1 AND principal_name = $2
	`, key.RegistrationID, key.PrincipalName).Scan(
		&client.RegistrationID,
		&client.PrincipalName,
		&client.AccessToken,
		&expiresAt,
		&client.RefreshToken,
		&scopes,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load authorized client: %w", err)
	}
	if expiresAt.Valid {
		client.AccessTokenExpiresAt = expiresAt.Time
	}
	if scopes != "" {
		client.Scopes = strings.Fields(scopes)
	}
	if client.IsEmpty() {
		return nil, sentinel.ErrNotFound
	}
	return &client, nil
}

func (s *PostgresStore) Remove(ctx context.Context, key models.ClientKey) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM oauth2_authorized_client WHERE registration_id = $1 AND principal_name = $2`,
		key.RegistrationID, key.PrincipalName,
	)
	if err != nil {
		return fmt.Errorf("remove authorized client: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("remove authorized client: %w", err)
	}
	if n == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}
