package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"notification-gateway/internal/db"
	"notification-gateway/internal/tenants"
)

const (
	HeaderSiteKey = "X-Site-Key"
	keyPrefix     = "sk"
	cacheTTL      = 30 * time.Second
)

var ErrUnauthorized = errors.New("invalid site key")

type SiteReader interface {
	GetActiveSite(ctx context.Context, siteID uuid.UUID) (*tenants.Site, error)
}

// Service authenticates site keys of the form sk_<siteID>_<secret>.
// Embedding the site id keeps the lookup on the primary key instead of
// a table scan; the secret is verified against the stored bcrypt hash
// (constant-time by construction).
type Service struct {
	sites  SiteReader
	redis  *db.RedisDB
	logger *zap.Logger
}

func NewService(sites SiteReader, redis *db.RedisDB, logger *zap.Logger) *Service {
	return &Service{sites: sites, redis: redis, logger: logger}
}

// Authenticate verifies the raw header value and returns the site.
func (a *Service) Authenticate(ctx context.Context, rawKey string) (*tenants.Site, error) {
	siteID, secret, err := ParseKey(rawKey)
	if err != nil {
		return nil, err
	}

	site, err := a.lookupSite(ctx, siteID)
	if err != nil {
		return nil, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(site.APIKeyHash), []byte(secret)); err != nil {
		return nil, ErrUnauthorized
	}
	return site, nil
}

// ParseKey splits sk_<siteID>_<secret>. The secret may itself contain
// underscores; only the first two separators are structural.
func ParseKey(rawKey string) (uuid.UUID, string, error) {
	parts := strings.SplitN(rawKey, "_", 3)
	if len(parts) != 3 || parts[0] != keyPrefix {
		return uuid.Nil, "", ErrUnauthorized
	}
	siteID, err := uuid.Parse(parts[1])
	if err != nil {
		return uuid.Nil, "", ErrUnauthorized
	}
	if parts[2] == "" {
		return uuid.Nil, "", ErrUnauthorized
	}
	return siteID, parts[2], nil
}

func (a *Service) lookupSite(ctx context.Context, siteID uuid.UUID) (*tenants.Site, error) {
	cacheKey := fmt.Sprintf("site:%s", siteID)

	if a.redis != nil {
		if cached, err := a.redis.Get(ctx, cacheKey).Result(); err == nil {
			var site tenants.Site
			if err := json.Unmarshal([]byte(cached), &site); err == nil {
				return &site, nil
			}
		}
	}

	site, err := a.sites.GetActiveSite(ctx, siteID)
	if err != nil {
		if errors.Is(err, tenants.ErrSiteNotFound) {
			return nil, ErrUnauthorized
		}
		return nil, err
	}

	if a.redis != nil {
		// The cached record includes the key hash but never a provider
		// credential; Site marshals credentials as "-".
		if data, err := json.Marshal(siteForCache(site)); err == nil {
			if err := a.redis.Set(ctx, cacheKey, data, cacheTTL).Err(); err != nil {
				a.logger.Warn("failed to cache site", zap.Error(err))
			}
		}
	}
	return site, nil
}

// siteForCache keeps the hash (needed for verification) but drops the
// decrypted provider credential before the record leaves the process.
func siteForCache(site *tenants.Site) *tenants.Site {
	c := *site
	c.SendGridAPIKey = nil
	return &c
}

// RequireSiteKey is the fiber middleware guarding the send surface.
func (a *Service) RequireSiteKey() fiber.Handler {
	return func(c *fiber.Ctx) error {
		rawKey := c.Get(HeaderSiteKey)
		if rawKey == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "missing site key"})
		}

		site, err := a.Authenticate(c.Context(), rawKey)
		if err != nil {
			if errors.Is(err, ErrUnauthorized) {
				return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid site key"})
			}
			a.logger.Error("site authentication error", zap.Error(err))
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal error"})
		}

		c.Locals("site", site)
		return c.Next()
	}
}

// SiteFromContext returns the authenticated site set by the middleware.
func SiteFromContext(c *fiber.Ctx) (*tenants.Site, error) {
	site, ok := c.Locals("site").(*tenants.Site)
	if !ok {
		return nil, errors.New("site not found in context")
	}
	return site, nil
}
