package tenants

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"notification-gateway/internal/messages"
)

var (
	// ErrTenantMismatch is fatal for the message: the payload names a
	// session that is not the site's bound session.
	ErrTenantMismatch = errors.New("tenant mismatch between payload session and site binding")
	// ErrMissingConfig covers absent or unusable credentials; it maps
	// to the CONFIG failure category on the worker's failure path.
	ErrMissingConfig = errors.New("missing provider configuration")
)

// ConfigReader is the slice of the tenant store the resolver needs.
type ConfigReader interface {
	GetActiveSite(ctx context.Context, siteID uuid.UUID) (*Site, error)
	GetActiveSession(ctx context.Context, sessionName string) (*ChannelSession, error)
	GetGlobalProviderConfig(ctx context.Context) (*GlobalProviderConfig, error)
}

type EmailCredentials struct {
	APIKey    string
	FromEmail string
	FromName  string
}

type WhatsAppCredentials struct {
	SessionName string
	APIKey      string
}

// Resolver is a pure lookup from message context to provider
// credentials. It consults tenant and global configuration only and
// never reads credentials from the bus payload.
type Resolver struct {
	store ConfigReader

	// process-scope fallbacks from config
	fallbackSendGridKey string
	defaultFromEmail    string
	defaultFromName     string
}

func NewResolver(store ConfigReader, fallbackSendGridKey, defaultFromEmail, defaultFromName string) *Resolver {
	return &Resolver{
		store:               store,
		fallbackSendGridKey: fallbackSendGridKey,
		defaultFromEmail:    defaultFromEmail,
		defaultFromName:     defaultFromName,
	}
}

// ResolveEmail picks the first non-empty SendGrid key from the site,
// the global config, then the environment fallback. Sender identity is
// payload, then site, then global, then the configured default; it is
// never empty at send time.
func (r *Resolver) ResolveEmail(ctx context.Context, payload *messages.Payload) (*EmailCredentials, error) {
	creds := &EmailCredentials{
		FromEmail: deref(payload.FromEmail),
		FromName:  deref(payload.FromName),
	}

	var site *Site
	if payload.SiteID != nil {
		var err error
		site, err = r.store.GetActiveSite(ctx, *payload.SiteID)
		if err != nil && !errors.Is(err, ErrSiteNotFound) {
			return nil, fmt.Errorf("failed to load site: %w", err)
		}
	}
	if site != nil {
		creds.APIKey = deref(site.SendGridAPIKey)
		if creds.FromEmail == "" {
			creds.FromEmail = deref(site.EmailFromAddress)
		}
		if creds.FromName == "" {
			creds.FromName = deref(site.EmailFromName)
		}
	}

	if creds.APIKey == "" || creds.FromEmail == "" || creds.FromName == "" {
		global, err := r.store.GetGlobalProviderConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load global provider config: %w", err)
		}
		if global != nil {
			if creds.APIKey == "" {
				creds.APIKey = deref(global.SendGridAPIKey)
			}
			if creds.FromEmail == "" {
				creds.FromEmail = deref(global.EmailFromAddress)
			}
			if creds.FromName == "" {
				creds.FromName = deref(global.EmailFromName)
			}
		}
	}

	if creds.APIKey == "" {
		creds.APIKey = r.fallbackSendGridKey
	}
	if creds.FromEmail == "" {
		creds.FromEmail = r.defaultFromEmail
	}
	if creds.FromName == "" {
		creds.FromName = r.defaultFromName
	}

	if creds.APIKey == "" {
		return nil, fmt.Errorf("%w: no SendGrid API key for message %s", ErrMissingConfig, payload.MessageID)
	}
	return creds, nil
}

// ResolveWhatsApp requires a site. The payload may name a session, but
// when the site carries its own binding the two must agree.
func (r *Resolver) ResolveWhatsApp(ctx context.Context, payload *messages.Payload) (*WhatsAppCredentials, error) {
	if payload.SiteID == nil {
		return nil, fmt.Errorf("%w: whatsapp message %s has no site", ErrMissingConfig, payload.MessageID)
	}

	site, err := r.store.GetActiveSite(ctx, *payload.SiteID)
	if err != nil {
		if errors.Is(err, ErrSiteNotFound) {
			return nil, fmt.Errorf("%w: site %s", ErrMissingConfig, payload.SiteID)
		}
		return nil, fmt.Errorf("failed to load site: %w", err)
	}

	sessionName := deref(payload.WhatsAppSessionName)
	bound := deref(site.WhatsAppSessionName)
	switch {
	case sessionName == "" && bound == "":
		return nil, fmt.Errorf("%w: site %s has no session binding", ErrMissingConfig, site.ID)
	case sessionName == "":
		sessionName = bound
	case bound != "" && sessionName != bound:
		return nil, ErrTenantMismatch
	}

	session, err := r.store.GetActiveSession(ctx, sessionName)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return nil, fmt.Errorf("%w: session %q", ErrMissingConfig, sessionName)
		}
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if deref(session.SessionAPIKey) == "" {
		return nil, fmt.Errorf("%w: session %q has no API key", ErrMissingConfig, sessionName)
	}

	return &WhatsAppCredentials{
		SessionName: sessionName,
		APIKey:      *session.SessionAPIKey,
	}, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
