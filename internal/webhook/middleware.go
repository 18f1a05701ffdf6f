package webhook

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
)

// APIKeyHeader carries the plaintext webhook key.
const APIKeyHeader = "X-Webhook-API-Key"

// Context keys set by APIKeyAuthMiddleware.
const (
	ContextBranchIDKey = "webhookBranchID"
	ContextKeyIDKey    = "webhookKeyID"
)

type keyLookup interface {
	GetByHash(ctx context.Context, keyHash string) (APIKey, error)
}

// APIKeyAuthMiddleware validates the X-Webhook-API-Key header
// and sets the branch context on the gin context.
func APIKeyAuthMiddleware(keys keyLookup) gin.HandlerFunc {
	return func(c *gin.Context) {
		apiKey := c.GetHeader(APIKeyHeader)
		if apiKey == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing API key"})
			return
		}

		keyHash := HashKey(apiKey)
		key, err := keys.GetByHash(c.Request.Context(), keyHash)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid API key"})
			return
		}

		// Domain validation (if allowed_domains is configured)
		if len(key.AllowedDomains) > 0 {
			// Non-browser callers only send a Referer, if anything.
			origin := c.GetHeader("Origin")
			if origin == "" {
				origin = c.GetHeader("Referer")
			}
			if !isDomainAllowed(origin, key.AllowedDomains) {
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "domain not allowed"})
				return
			}
		}

		// Set branch context for downstream handlers
		c.Set(ContextBranchIDKey, key.BranchID)
		c.Set(ContextKeyIDKey, key.ID)
		c.Next()
	}
}

// isDomainAllowed checks if the origin matches any of the allowed domains.
// Supports exact match and wildcard subdomains (e.g., "*.example.com").
func isDomainAllowed(origin string, allowedDomains []string) bool {
	if origin == "" {
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := strings.ToLower(parsed.Hostname())

	for _, domain := range allowedDomains {
		domain = strings.ToLower(strings.TrimSpace(domain))
		if domain == "*" {
			return true
		}
		if strings.HasPrefix(domain, "*.") {
			// Wildcard subdomain match
			suffix := domain[1:] // ".example.com"
			if strings.HasSuffix(host, suffix) || host == domain[2:] {
				return true
			}
		} else {
			if host == domain {
				return true
			}
		}
	}
	return false
}
