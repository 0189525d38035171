package tenants

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"notification-gateway/internal/db"
	"notification-gateway/internal/secrets"
)

var (
	ErrSiteNotFound    = errors.New("site not found")
	ErrSessionNotFound = errors.New("channel session not found")
)

// Store reads tenant configuration. Credential columns are decrypted
// on the way out when at-rest encryption is on; a nil cipher is a
// pass-through.
type Store struct {
	db     *db.PostgresDB
	cipher *secrets.Cipher
	logger *zap.Logger
}

func NewStore(db *db.PostgresDB, cipher *secrets.Cipher, logger *zap.Logger) *Store {
	return &Store{db: db, cipher: cipher, logger: logger}
}

// GetActiveSite loads a non-deleted, active site by id.
func (s *Store) GetActiveSite(ctx context.Context, siteID uuid.UUID) (*Site, error) {
	query := `SELECT id, site_name, api_key_hash, sendgrid_api_key, email_from_address, email_from_name,
			whatsapp_session_name, active, deleted, created_at
		FROM sites WHERE id = $1 AND active = TRUE AND deleted = FALSE`

	var site Site
	err := s.db.QueryRowContext(ctx, query, siteID).Scan(
		&site.ID, &site.SiteName, &site.APIKeyHash, &site.SendGridAPIKey, &site.EmailFromAddress,
		&site.EmailFromName, &site.WhatsAppSessionName, &site.Active, &site.Deleted, &site.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrSiteNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get site: %w", err)
	}

	if site.SendGridAPIKey, err = s.decrypt(site.SendGridAPIKey); err != nil {
		return nil, fmt.Errorf("failed to decrypt site credentials: %w", err)
	}
	return &site, nil
}

// GetActiveSession loads a non-deleted, active session by name.
func (s *Store) GetActiveSession(ctx context.Context, sessionName string) (*ChannelSession, error) {
	query := `SELECT id, site_user_id, session_name, session_api_key, active, deleted
		FROM channel_sessions WHERE session_name = $1 AND active = TRUE AND deleted = FALSE`

	var session ChannelSession
	err := s.db.QueryRowContext(ctx, query, sessionName).Scan(
		&session.ID, &session.SiteUserID, &session.SessionName, &session.SessionAPIKey,
		&session.Active, &session.Deleted)
	if err == sql.ErrNoRows {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	if session.SessionAPIKey, err = s.decrypt(session.SessionAPIKey); err != nil {
		return nil, fmt.Errorf("failed to decrypt session credentials: %w", err)
	}
	return &session, nil
}

// GetGlobalProviderConfig returns the active global fallback row, or
// nil when none is configured.
func (s *Store) GetGlobalProviderConfig(ctx context.Context) (*GlobalProviderConfig, error) {
	query := `SELECT id, sendgrid_api_key, email_from_address, email_from_name, active
		FROM global_provider_config WHERE active = TRUE
		ORDER BY created_at DESC LIMIT 1`

	var cfg GlobalProviderConfig
	err := s.db.QueryRowContext(ctx, query).Scan(
		&cfg.ID, &cfg.SendGridAPIKey, &cfg.EmailFromAddress, &cfg.EmailFromName, &cfg.Active)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get global provider config: %w", err)
	}

	if cfg.SendGridAPIKey, err = s.decrypt(cfg.SendGridAPIKey); err != nil {
		return nil, fmt.Errorf("failed to decrypt global credentials: %w", err)
	}
	return &cfg, nil
}

func (s *Store) decrypt(value *string) (*string, error) {
	if value == nil {
		return nil, nil
	}
	plain, err := s.cipher.Decrypt(*value)
	if err != nil {
		return nil, err
	}
	return &plain, nil
}
