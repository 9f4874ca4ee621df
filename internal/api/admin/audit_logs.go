package admin

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/civic-directory/accessgate/internal/auth"
	"github.com/civic-directory/accessgate/internal/db/models"
	"github.com/civic-directory/accessgate/internal/db/repositories"
	"github.com/civic-directory/accessgate/internal/middleware"
)

// maxAuditPage keeps (page-1)*per_page well inside a Postgres OFFSET.
const maxAuditPage = 100000

// AuditLogLister pages through stored audit entries.
type AuditLogLister interface {
	ListAuditLogs(ctx context.Context, filters repositories.AuditFilters, limit, offset int) ([]*models.AuditLog, int, error)
}

type auditLogResponse struct {
	ID           string         `json:"id"`
	ActorType    string         `json:"actor_type"`
	ActorID      *string        `json:"actor_id,omitempty"`
	Action       string         `json:"action"`
	ResourceType *string        `json:"resource_type,omitempty"`
	ResourceID   *string        `json:"resource_id,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	IPAddress    *string        `json:"ip_address,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// @Summary      List audit logs
// @Description  Pages through security audit events, newest first. Requires the admin role.
// @Tags         Admin
// @Security     Bearer
// @Produce      json
// @Param        actor_type   query  string  false  "anonymous, user, politician, admin or system"
// @Param        actor_id     query  string  false  "Actor id"
// @Param        action       query  string  false  "Event action, e.g. session.revoked"
// @Param        resource_id  query  string  false  "Resource id"
// @Param        start_date   query  string  false  "RFC3339 lower bound"
// @Param        end_date     query  string  false  "RFC3339 upper bound"
// @Param        page         query  int     false  "Page number (default 1)"
// @Param        per_page     query  int     false  "Items per page, max 100 (default 50)"
// @Success      200  {object}  map[string]interface{}  "logs, pagination"
// @Failure      400  {object}  map[string]interface{}  "Malformed date or page out of range"
// @Router       /api/v1/admin/audit-logs [get]
// ListAuditLogsHandler lists audit entries with filters and pagination
func ListAuditLogsHandler(lister AuditLogLister, storageTimeout time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
		perPage, _ := strconv.Atoi(c.DefaultQuery("per_page", "50"))
		if page < 1 {
			page = 1
		}
		if page > maxAuditPage {
			middleware.AbortWithError(c, auth.InvalidInput("page must be at most %d", maxAuditPage))
			return
		}
		if perPage < 1 || perPage > 100 {
			perPage = 50
		}

		filters := repositories.AuditFilters{
			ActorType:  optionalQuery(c, "actor_type"),
			ActorID:    optionalQuery(c, "actor_id"),
			Action:     optionalQuery(c, "action"),
			ResourceID: optionalQuery(c, "resource_id"),
		}
		var err error
		if filters.StartDate, err = optionalTime(c, "start_date"); err != nil {
			middleware.AbortWithError(c, err)
			return
		}
		if filters.EndDate, err = optionalTime(c, "end_date"); err != nil {
			middleware.AbortWithError(c, err)
			return
		}

		ctx, cancel := middleware.StorageContext(c, storageTimeout)
		defer cancel()

		logs, total, err := lister.ListAuditLogs(ctx, filters, perPage, (page-1)*perPage)
		if err != nil {
			middleware.AbortWithError(c, auth.Internal(err))
			return
		}

		out := make([]auditLogResponse, 0, len(logs))
		for _, l := range logs {
			out = append(out, auditLogResponse{
				ID:           l.ID,
				ActorType:    l.ActorType,
				ActorID:      l.ActorID,
				Action:       l.Action,
				ResourceType: l.ResourceType,
				ResourceID:   l.ResourceID,
				Metadata:     l.Metadata,
				IPAddress:    l.IPAddress,
				CreatedAt:    l.CreatedAt,
			})
		}

		c.JSON(http.StatusOK, gin.H{
			"logs": out,
			"pagination": gin.H{
				"page":     page,
				"per_page": perPage,
				"total":    total,
			},
		})
	}
}

func optionalQuery(c *gin.Context, key string) *string {
	if v := c.Query(key); v != "" {
		return &v
	}
	return nil
}

func optionalTime(c *gin.Context, key string) (*time.Time, error) {
	v := c.Query(key)
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, auth.InvalidInput("%s must be an RFC3339 timestamp", key)
	}
	return &t, nil
}
