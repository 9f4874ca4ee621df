// Package account serves endpoints about the caller's own principal.
package account

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/civic-directory/accessgate/internal/audit"
	"github.com/civic-directory/accessgate/internal/auth"
	"github.com/civic-directory/accessgate/internal/middleware"
)

// SessionRevoker ends a single politician session.
type SessionRevoker interface {
	Revoke(ctx context.Context, sessionID string) (bool, error)
}

// PrincipalJSON renders p for API responses. Session ids and tokens are
// never included.
func PrincipalJSON(p auth.Principal) gin.H {
	switch v := p.(type) {
	case auth.User:
		return gin.H{"kind": v.Kind(), "id": v.ID, "email": v.Email}
	case auth.Admin:
		return gin.H{"kind": v.Kind(), "id": v.ID, "email": v.Email}
	case auth.Politician:
		return gin.H{"kind": v.Kind(), "id": v.ID, "name": v.Name}
	default:
		return gin.H{"kind": auth.KindAnonymous}
	}
}

// @Summary      Current principal
// @Description  Returns the principal resolved for this request. Anonymous callers get kind=anonymous.
// @Tags         Account
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "principal"
// @Router       /api/v1/auth/me [get]
// MeHandler returns the resolved principal
func MeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"principal": PrincipalJSON(middleware.GetPrincipal(c))})
	}
}

// @Summary      Log out a politician session
// @Description  Revokes the session used to authenticate this request.
// @Tags         Account
// @Produce      json
// @Param        X-Politician-ID       header  string  true  "Politician id"
// @Param        X-Politician-Session  header  string  true  "Session token"
// @Success      200  {object}  map[string]interface{}  "revoked: bool"
// @Failure      401  {object}  map[string]interface{}  "No valid session"
// @Failure      403  {object}  map[string]interface{}  "Not a politician session"
// @Router       /api/v1/sessions/logout [post]
// LogoutHandler revokes the caller's session. Mount it behind RequirePolitician.
func LogoutHandler(revoker SessionRevoker, recorder *audit.Recorder) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, ok := middleware.GetPrincipal(c).(auth.Politician)
		if !ok {
			middleware.AbortWithError(c, auth.ErrForbidden)
			return
		}

		revoked, err := revoker.Revoke(c.Request.Context(), p.SessionID)
		if err != nil {
			middleware.AbortWithError(c, err)
			return
		}
		if revoked {
			recorder.Record(audit.Event{
				Action:       audit.ActionSessionRevoked,
				ActorType:    string(auth.KindPolitician),
				ActorID:      p.ID,
				ResourceType: "politician_session",
				ResourceID:   p.SessionID,
				IPAddress:    c.ClientIP(),
			})
		}

		c.JSON(http.StatusOK, gin.H{"revoked": revoked})
	}
}

// CheckActionHandler answers a pre-flight throttle check. The decision is made
// by the ActionRateLimit middleware in front of it; reaching the handler
// means the attempt was admitted.
func CheckActionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	}
}
