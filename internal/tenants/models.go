package tenants

import (
	"time"

	"github.com/google/uuid"
)

// Site is the tenant record. Read-only to the dispatch pipeline; site
// registration and key issuance live in the admin surface.
type Site struct {
	ID                  uuid.UUID `json:"id" db:"id"`
	SiteName            string    `json:"site_name" db:"site_name"`
	APIKeyHash          string    `json:"-" db:"api_key_hash"`
	SendGridAPIKey      *string   `json:"-" db:"sendgrid_api_key"`
	EmailFromAddress    *string   `json:"email_from_address,omitempty" db:"email_from_address"`
	EmailFromName       *string   `json:"email_from_name,omitempty" db:"email_from_name"`
	WhatsAppSessionName *string   `json:"whatsapp_session_name,omitempty" db:"whatsapp_session_name"`
	Active              bool      `json:"active" db:"active"`
	Deleted             bool      `json:"-" db:"deleted"`
	CreatedAt           time.Time `json:"created_at" db:"created_at"`
}

// ChannelSession is a provider-side binding (a WhatsApp phone session)
// owned by a site.
type ChannelSession struct {
	ID            uuid.UUID `json:"id" db:"id"`
	SiteUserID    uuid.UUID `json:"site_user_id" db:"site_user_id"`
	SessionName   string    `json:"session_name" db:"session_name"`
	SessionAPIKey *string   `json:"-" db:"session_api_key"`
	Active        bool      `json:"active" db:"active"`
	Deleted       bool      `json:"-" db:"deleted"`
}

// GlobalProviderConfig holds fallback credentials used only when a
// site carries none of its own.
type GlobalProviderConfig struct {
	ID               uuid.UUID `json:"id" db:"id"`
	SendGridAPIKey   *string   `json:"-" db:"sendgrid_api_key"`
	EmailFromAddress *string   `json:"email_from_address,omitempty" db:"email_from_address"`
	EmailFromName    *string   `json:"email_from_name,omitempty" db:"email_from_name"`
	Active           bool      `json:"active" db:"active"`
}
