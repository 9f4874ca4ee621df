// Package admin holds the administrator endpoints. Every route here is
// mounted behind middleware.RequireAdmin.
package admin

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/civic-directory/accessgate/internal/audit"
	"github.com/civic-directory/accessgate/internal/auth"
	"github.com/civic-directory/accessgate/internal/db/models"
	"github.com/civic-directory/accessgate/internal/middleware"
)

// SessionRevoker ends every session of a politician.
type SessionRevoker interface {
	RevokeAll(ctx context.Context, politicianID string) (int64, error)
}

// PoliticianLookup resolves politician ids.
type PoliticianLookup interface {
	GetPolitician(ctx context.Context, id string) (*models.Politician, error)
}

// SessionHandlers serves politician session administration.
type SessionHandlers struct {
	sessions    SessionRevoker
	politicians PoliticianLookup
	audit       *audit.Recorder
	timeout     time.Duration
}

// NewSessionHandlers creates SessionHandlers. recorder may be nil.
func NewSessionHandlers(sessions SessionRevoker, politicians PoliticianLookup, recorder *audit.Recorder, storageTimeout time.Duration) *SessionHandlers {
	return &SessionHandlers{sessions: sessions, politicians: politicians, audit: recorder, timeout: storageTimeout}
}

// @Summary      Revoke all sessions of a politician
// @Description  Ends every active session of the politician. Requires the admin role.
// @Tags         Admin
// @Security     Bearer
// @Produce      json
// @Param        id   path  string  true  "Politician ID"
// @Success      200  {object}  map[string]interface{}  "revoked: number of sessions ended"
// @Failure      400  {object}  map[string]interface{}  "Malformed politician id"
// @Failure      401  {object}  map[string]interface{}  "Unauthorized"
// @Failure      403  {object}  map[string]interface{}  "Forbidden"
// @Failure      404  {object}  map[string]interface{}  "Politician not found"
// @Router       /api/v1/admin/politicians/{id}/sessions/revoke [post]
// RevokeAllHandler revokes every session of a politician
func (h *SessionHandlers) RevokeAllHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		politicianID := c.Param("id")
		ctx, cancel := middleware.StorageContext(c, h.timeout)
		defer cancel()

		n, err := h.sessions.RevokeAll(ctx, politicianID)
		if err != nil {
			middleware.AbortWithError(c, err)
			return
		}
		if n == 0 {
			p, err := h.politicians.GetPolitician(ctx, politicianID)
			if err != nil {
				middleware.AbortWithError(c, auth.Internal(err))
				return
			}
			if p == nil {
				middleware.AbortWithError(c, auth.ErrNotFound)
				return
			}
		}

		actorType, actorID := audit.ActorOf(middleware.GetPrincipal(c))
		h.audit.Record(audit.Event{
			Action:       audit.ActionSessionRevokedAll,
			ActorType:    actorType,
			ActorID:      actorID,
			ResourceType: "politician",
			ResourceID:   politicianID,
			IPAddress:    c.ClientIP(),
			Metadata:     map[string]any{"revoked": n},
		})

		c.JSON(http.StatusOK, gin.H{"revoked": n})
	}
}
