package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/civic-directory/accessgate/internal/audit"
	"github.com/civic-directory/accessgate/internal/auth"
)

// PrincipalKey is the gin context key holding the resolved auth.Principal.
const PrincipalKey = "principal"

// Politician credential headers.
const (
	PoliticianIDHeader      = "X-Politician-ID"
	PoliticianSessionHeader = "X-Politician-Session"
)

// maxCredentialBody bounds how much of a JSON body is buffered to look for
// politician credentials.
const maxCredentialBody = 64 << 10

// Resolver turns request credentials into a principal.
type Resolver interface {
	Resolve(ctx context.Context, cred auth.Credentials) (auth.Principal, error)
}

// ResolvePrincipal resolves the caller on every request and stores the result
// under PrincipalKey. Missing or invalid credentials resolve to Anonymous;
// only throttling and infrastructure failures abort the request.
func ResolvePrincipal(gate Resolver, cookieName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		cred := ExtractCredentials(c, cookieName)
		p, err := gate.Resolve(c.Request.Context(), cred)
		if err != nil {
			AbortWithError(c, err)
			return
		}
		c.Set(PrincipalKey, p)
		c.Next()
	}
}

// ExtractCredentials collects the raw credentials of a request: a bearer token
// from the Authorization header or cookieName, and the politician pair from
// headers or, failing that, from the JSON request body.
func ExtractCredentials(c *gin.Context, cookieName string) auth.Credentials {
	cred := auth.Credentials{
		Bearer:       bearerToken(c, cookieName),
		PoliticianID: strings.TrimSpace(c.GetHeader(PoliticianIDHeader)),
		SessionToken: strings.TrimSpace(c.GetHeader(PoliticianSessionHeader)),
		ClientIP:     c.ClientIP(),
	}
	if cred.PoliticianID == "" && cred.SessionToken == "" {
		cred.PoliticianID, cred.SessionToken = bodyCredentials(c)
	}
	return cred
}

func bearerToken(c *gin.Context, cookieName string) string {
	if h := c.GetHeader("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	if cookieName != "" {
		if v, err := c.Cookie(cookieName); err == nil {
			return v
		}
	}
	return ""
}

// bodyCredentials peeks at a JSON body for politician_id and session_token
// and restores the body for the handler.
func bodyCredentials(c *gin.Context) (string, string) {
	if c.Request.Body == nil || !strings.HasPrefix(c.ContentType(), "application/json") {
		return "", ""
	}

	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, maxCredentialBody+1))
	if err != nil {
		return "", ""
	}
	if len(raw) > maxCredentialBody {
		c.Request.Body = io.NopCloser(io.MultiReader(bytes.NewReader(raw), c.Request.Body))
		return "", ""
	}
	c.Request.Body = io.NopCloser(bytes.NewReader(raw))

	var body struct {
		PoliticianID string `json:"politician_id"`
		SessionToken string `json:"session_token"`
	}
	if json.Unmarshal(raw, &body) != nil {
		return "", ""
	}
	return strings.TrimSpace(body.PoliticianID), strings.TrimSpace(body.SessionToken)
}

// GetPrincipal returns the principal resolved for c, or Anonymous when
// ResolvePrincipal has not run.
func GetPrincipal(c *gin.Context) auth.Principal {
	if v, ok := c.Get(PrincipalKey); ok {
		if p, ok := v.(auth.Principal); ok {
			return p
		}
	}
	return auth.Anonymous{}
}

// RequireAuth rejects anonymous callers with 401.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := auth.CheckAuthenticated(GetPrincipal(c)); err != nil {
			AbortWithError(c, err)
			return
		}
		c.Next()
	}
}

// RequirePolitician admits only callers holding a politician session.
func RequirePolitician() gin.HandlerFunc {
	return func(c *gin.Context) {
		p := GetPrincipal(c)
		if err := auth.CheckAuthenticated(p); err != nil {
			AbortWithError(c, err)
			return
		}
		if p.Kind() != auth.KindPolitician {
			AbortWithError(c, auth.ErrForbidden)
			return
		}
		c.Next()
	}
}

// RequireAdmin rejects anonymous callers with 401 and non-admins with 403.
// Denied authenticated callers are recorded in the audit log.
func RequireAdmin(recorder *audit.Recorder) gin.HandlerFunc {
	return func(c *gin.Context) {
		p := GetPrincipal(c)
		if err := auth.CheckAdmin(p); err != nil {
			if auth.KindOf(err) == auth.KindForbidden {
				actorType, actorID := audit.ActorOf(p)
				recorder.Record(audit.Event{
					Action:    audit.ActionGateForbidden,
					ActorType: actorType,
					ActorID:   actorID,
					IPAddress: c.ClientIP(),
					Metadata:  map[string]any{"path": c.FullPath(), "method": c.Request.Method},
				})
			}
			AbortWithError(c, err)
			return
		}
		c.Next()
	}
}
