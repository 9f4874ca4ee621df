package middleware

import (
	"strconv"

	"github.com/gin-gonic/gin"
)

// SecurityHeadersConfig holds the response headers applied to every request.
type SecurityHeadersConfig struct {
	// EnableHSTS should only be set when the service is reached over TLS
	EnableHSTS            bool
	HSTSMaxAge            int
	HSTSIncludeSubdomains bool
	FrameOptionsValue     string
	ContentSecurityPolicy string
	ReferrerPolicy        string
}

// APISecurityHeadersConfig returns headers suited to a JSON-only API.
func APISecurityHeadersConfig(tls bool) SecurityHeadersConfig {
	return SecurityHeadersConfig{
		EnableHSTS:            tls,
		HSTSMaxAge:            31536000,
		HSTSIncludeSubdomains: true,
		FrameOptionsValue:     "DENY",
		ContentSecurityPolicy: "default-src 'none'; frame-ancestors 'none'",
		ReferrerPolicy:        "no-referrer",
	}
}

// SecurityHeadersMiddleware adds security headers to all responses. Responses
// are also marked uncacheable since they may carry session tokens.
func SecurityHeadersMiddleware(config SecurityHeadersConfig) gin.HandlerFunc {
	hsts := ""
	if config.EnableHSTS {
		hsts = "max-age=" + strconv.Itoa(config.HSTSMaxAge)
		if config.HSTSIncludeSubdomains {
			hsts += "; includeSubDomains"
		}
	}

	return func(c *gin.Context) {
		if hsts != "" {
			c.Header("Strict-Transport-Security", hsts)
		}
		if config.FrameOptionsValue != "" {
			c.Header("X-Frame-Options", config.FrameOptionsValue)
		}
		if config.ContentSecurityPolicy != "" {
			c.Header("Content-Security-Policy", config.ContentSecurityPolicy)
		}
		if config.ReferrerPolicy != "" {
			c.Header("Referrer-Policy", config.ReferrerPolicy)
		}
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("Cross-Origin-Resource-Policy", "same-origin")
		c.Header("Cache-Control", "no-store")

		c.Next()
	}
}
