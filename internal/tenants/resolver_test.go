package tenants

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notification-gateway/internal/messages"
)

type stubConfigReader struct {
	site    *Site
	session *ChannelSession
	global  *GlobalProviderConfig
	siteErr error
	sessErr error
	globErr error
}

func (s *stubConfigReader) GetActiveSite(ctx context.Context, siteID uuid.UUID) (*Site, error) {
	if s.siteErr != nil {
		return nil, s.siteErr
	}
	if s.site == nil || s.site.ID != siteID {
		return nil, ErrSiteNotFound
	}
	return s.site, nil
}

func (s *stubConfigReader) GetActiveSession(ctx context.Context, sessionName string) (*ChannelSession, error) {
	if s.sessErr != nil {
		return nil, s.sessErr
	}
	if s.session == nil || s.session.SessionName != sessionName {
		return nil, ErrSessionNotFound
	}
	return s.session, nil
}

func (s *stubConfigReader) GetGlobalProviderConfig(ctx context.Context) (*GlobalProviderConfig, error) {
	if s.globErr != nil {
		return nil, s.globErr
	}
	return s.global, nil
}

func strp(s string) *string { return &s }

func TestResolveEmailPrefersSiteCredentials(t *testing.T) {
	siteID := uuid.New()
	store := &stubConfigReader{
		site: &Site{
			ID:               siteID,
			SendGridAPIKey:   strp("SG.site-key"),
			EmailFromAddress: strp("site@acme.com"),
			EmailFromName:    strp("Acme"),
		},
		global: &GlobalProviderConfig{SendGridAPIKey: strp("SG.global-key")},
	}
	r := NewResolver(store, "SG.env-key", "default@local", "Default")

	creds, err := r.ResolveEmail(context.Background(), &messages.Payload{SiteID: &siteID})
	require.NoError(t, err)
	assert.Equal(t, "SG.site-key", creds.APIKey)
	assert.Equal(t, "site@acme.com", creds.FromEmail)
	assert.Equal(t, "Acme", creds.FromName)
}

func TestResolveEmailFallsBackToGlobalThenEnv(t *testing.T) {
	siteID := uuid.New()

	t.Run("global config", func(t *testing.T) {
		store := &stubConfigReader{
			site: &Site{ID: siteID},
			global: &GlobalProviderConfig{
				SendGridAPIKey:   strp("SG.global-key"),
				EmailFromAddress: strp("global@acme.com"),
				EmailFromName:    strp("Global"),
			},
		}
		r := NewResolver(store, "SG.env-key", "default@local", "Default")

		creds, err := r.ResolveEmail(context.Background(), &messages.Payload{SiteID: &siteID})
		require.NoError(t, err)
		assert.Equal(t, "SG.global-key", creds.APIKey)
		assert.Equal(t, "global@acme.com", creds.FromEmail)
	})

	t.Run("environment fallback", func(t *testing.T) {
		store := &stubConfigReader{site: &Site{ID: siteID}}
		r := NewResolver(store, "SG.env-key", "default@local", "Default")

		creds, err := r.ResolveEmail(context.Background(), &messages.Payload{SiteID: &siteID})
		require.NoError(t, err)
		assert.Equal(t, "SG.env-key", creds.APIKey)
		assert.Equal(t, "default@local", creds.FromEmail)
		assert.Equal(t, "Default", creds.FromName)
	})

	t.Run("no key anywhere", func(t *testing.T) {
		store := &stubConfigReader{site: &Site{ID: siteID}}
		r := NewResolver(store, "", "default@local", "Default")

		_, err := r.ResolveEmail(context.Background(), &messages.Payload{SiteID: &siteID})
		assert.ErrorIs(t, err, ErrMissingConfig)
	})
}

func TestResolveEmailPayloadSenderOverrides(t *testing.T) {
	siteID := uuid.New()
	store := &stubConfigReader{
		site: &Site{
			ID:               siteID,
			SendGridAPIKey:   strp("SG.site-key"),
			EmailFromAddress: strp("site@acme.com"),
			EmailFromName:    strp("Acme"),
		},
	}
	r := NewResolver(store, "", "default@local", "Default")

	creds, err := r.ResolveEmail(context.Background(), &messages.Payload{
		SiteID:    &siteID,
		FromEmail: strp("campaign@acme.com"),
		FromName:  strp("Acme Campaigns"),
	})
	require.NoError(t, err)
	assert.Equal(t, "campaign@acme.com", creds.FromEmail)
	assert.Equal(t, "Acme Campaigns", creds.FromName)
}

func TestResolveWhatsApp(t *testing.T) {
	siteID := uuid.New()

	t.Run("site binding used when payload is silent", func(t *testing.T) {
		store := &stubConfigReader{
			site:    &Site{ID: siteID, WhatsAppSessionName: strp("acme-session")},
			session: &ChannelSession{SessionName: "acme-session", SessionAPIKey: strp("session-key")},
		}
		r := NewResolver(store, "", "", "")

		creds, err := r.ResolveWhatsApp(context.Background(), &messages.Payload{SiteID: &siteID})
		require.NoError(t, err)
		assert.Equal(t, "acme-session", creds.SessionName)
		assert.Equal(t, "session-key", creds.APIKey)
	})

	t.Run("payload session must match site binding", func(t *testing.T) {
		store := &stubConfigReader{
			site: &Site{ID: siteID, WhatsAppSessionName: strp("acme-session")},
		}
		r := NewResolver(store, "", "", "")

		_, err := r.ResolveWhatsApp(context.Background(), &messages.Payload{
			SiteID:              &siteID,
			WhatsAppSessionName: strp("other-session"),
		})
		assert.ErrorIs(t, err, ErrTenantMismatch)
	})

	t.Run("site required", func(t *testing.T) {
		r := NewResolver(&stubConfigReader{}, "", "", "")
		_, err := r.ResolveWhatsApp(context.Background(), &messages.Payload{})
		assert.ErrorIs(t, err, ErrMissingConfig)
	})

	t.Run("missing site fails", func(t *testing.T) {
		r := NewResolver(&stubConfigReader{}, "", "", "")
		other := uuid.New()
		_, err := r.ResolveWhatsApp(context.Background(), &messages.Payload{SiteID: &other})
		assert.ErrorIs(t, err, ErrMissingConfig)
	})

	t.Run("session without key fails", func(t *testing.T) {
		store := &stubConfigReader{
			site:    &Site{ID: siteID, WhatsAppSessionName: strp("acme-session")},
			session: &ChannelSession{SessionName: "acme-session"},
		}
		r := NewResolver(store, "", "", "")

		_, err := r.ResolveWhatsApp(context.Background(), &messages.Payload{SiteID: &siteID})
		assert.ErrorIs(t, err, ErrMissingConfig)
	})
}
