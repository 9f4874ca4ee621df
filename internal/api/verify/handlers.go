// Package verify implements the politician profile-claim flow: request a
// code by email, then redeem it for a politician session.
package verify

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/civic-directory/accessgate/internal/audit"
	"github.com/civic-directory/accessgate/internal/auth"
	"github.com/civic-directory/accessgate/internal/db/models"
	"github.com/civic-directory/accessgate/internal/middleware"
	"github.com/civic-directory/accessgate/internal/sessions"
	"github.com/civic-directory/accessgate/internal/telemetry"
	"github.com/civic-directory/accessgate/internal/verification"
)

// CodeService issues and redeems verification codes.
type CodeService interface {
	RequestCode(ctx context.Context, politicianID, email string) (*verification.CodeRequest, error)
	VerifyCode(ctx context.Context, verificationID, code string) (*verification.Verified, error)
	Release(ctx context.Context, v *verification.Verified) (bool, error)
}

// SessionIssuer creates politician sessions.
type SessionIssuer interface {
	IssueSession(ctx context.Context, politicianID string, meta sessions.Metadata) (*sessions.Issued, error)
}

// PoliticianLookup resolves politician ids.
type PoliticianLookup interface {
	GetPolitician(ctx context.Context, id string) (*models.Politician, error)
}

// Handlers serves the /verify endpoints.
type Handlers struct {
	codes       CodeService
	sessions    SessionIssuer
	politicians PoliticianLookup
	audit       *audit.Recorder
	timeout     time.Duration
}

// NewHandlers creates Handlers. recorder may be nil. storageTimeout bounds the
// politician lookup; zero leaves it unbounded.
func NewHandlers(codes CodeService, issuer SessionIssuer, politicians PoliticianLookup, recorder *audit.Recorder, storageTimeout time.Duration) *Handlers {
	return &Handlers{
		codes:       codes,
		sessions:    issuer,
		politicians: politicians,
		audit:       recorder,
		timeout:     storageTimeout,
	}
}

type requestCodeRequest struct {
	PoliticianID string `json:"politician_id" binding:"required"`
	Email        string `json:"email" binding:"required"`
}

type requestCodeResponse struct {
	VerificationID string    `json:"verification_id"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// @Summary      Request a verification code
// @Description  Emails a one-time code proving control of the address. Any pending code for the same politician and email is superseded.
// @Tags         Verification
// @Accept       json
// @Produce      json
// @Param        body  body  requestCodeRequest  true  "politician_id and email"
// @Success      202  {object}  requestCodeResponse
// @Failure      400  {object}  map[string]interface{}  "Malformed input"
// @Failure      404  {object}  map[string]interface{}  "Unknown politician"
// @Failure      429  {object}  map[string]interface{}  "Too many code requests for this email"
// @Router       /verify/request-code [post]
// RequestCodeHandler issues a verification code
func (h *Handlers) RequestCodeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req requestCodeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			middleware.AbortWithError(c, auth.InvalidInput("politician_id and email are required"))
			return
		}

		res, err := h.codes.RequestCode(c.Request.Context(), req.PoliticianID, req.Email)
		if err != nil {
			middleware.AbortWithError(c, err)
			return
		}

		h.audit.Record(audit.Event{
			Action:       audit.ActionVerificationRequested,
			ResourceType: "email_verification",
			ResourceID:   res.VerificationID,
			IPAddress:    c.ClientIP(),
			Metadata: map[string]any{
				"politician_id": req.PoliticianID,
				"email":         telemetry.RedactEmail(req.Email),
			},
		})

		c.JSON(http.StatusAccepted, requestCodeResponse{
			VerificationID: res.VerificationID,
			ExpiresAt:      res.ExpiresAt,
		})
	}
}

type verifyCodeRequest struct {
	VerificationID string `json:"verification_id" binding:"required"`
	Code           string `json:"code" binding:"required"`
}

type politicianResponse struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Slug string `json:"slug"`
}

type verifyCodeResponse struct {
	Politician   politicianResponse `json:"politician"`
	SessionToken string             `json:"session_token"`
	ExpiresAt    time.Time          `json:"expires_at"`
}

// @Summary      Redeem a verification code
// @Description  Marks the verification as used and issues a politician session token.
// @Tags         Verification
// @Accept       json
// @Produce      json
// @Param        body  body  verifyCodeRequest  true  "verification_id and code"
// @Success      200  {object}  verifyCodeResponse
// @Failure      400  {object}  map[string]interface{}  "Malformed input or expired code"
// @Failure      401  {object}  map[string]interface{}  "Wrong code"
// @Failure      404  {object}  map[string]interface{}  "Unknown verification"
// @Failure      409  {object}  map[string]interface{}  "Already verified"
// @Failure      429  {object}  map[string]interface{}  "Too many attempts"
// @Router       /verify/code [post]
// VerifyCodeHandler redeems a code and issues a session
func (h *Handlers) VerifyCodeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req verifyCodeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			middleware.AbortWithError(c, auth.InvalidInput("verification_id and code are required"))
			return
		}
		ctx := c.Request.Context()

		verified, err := h.codes.VerifyCode(ctx, req.VerificationID, req.Code)
		if err != nil {
			middleware.AbortWithError(c, err)
			return
		}

		// The code stays redeemable until a session exists for it.
		pctx, cancel := middleware.StorageContext(c, h.timeout)
		politician, err := h.politicians.GetPolitician(pctx, verified.PoliticianID)
		cancel()
		if err != nil {
			h.release(ctx, verified)
			middleware.AbortWithError(c, auth.Internal(err))
			return
		}
		if politician == nil {
			middleware.AbortWithError(c, auth.ErrNotFound)
			return
		}

		issued, err := h.sessions.IssueSession(ctx, politician.ID, sessions.Metadata{
			IPAddress: c.ClientIP(),
			UserAgent: c.Request.UserAgent(),
		})
		if err != nil {
			h.release(ctx, verified)
			middleware.AbortWithError(c, err)
			return
		}

		h.audit.Record(audit.Event{
			Action:       audit.ActionVerificationVerified,
			ResourceType: "email_verification",
			ResourceID:   verified.VerificationID,
			IPAddress:    c.ClientIP(),
			Metadata:     map[string]any{"politician_id": verified.PoliticianID},
		})
		h.audit.Record(audit.Event{
			Action:       audit.ActionSessionIssued,
			ActorType:    string(auth.KindPolitician),
			ActorID:      politician.ID,
			ResourceType: "politician_session",
			ResourceID:   issued.SessionID,
			IPAddress:    c.ClientIP(),
			Metadata:     map[string]any{"user_agent": c.Request.UserAgent()},
		})

		c.JSON(http.StatusOK, verifyCodeResponse{
			Politician: politicianResponse{
				ID:   politician.ID,
				Name: politician.Name,
				Slug: politician.Slug,
			},
			SessionToken: issued.Token,
			ExpiresAt:    issued.ExpiresAt,
		})
	}
}

// release hands a redeemed code back when no session could be issued for it.
// It runs even if the client has gone away.
func (h *Handlers) release(ctx context.Context, v *verification.Verified) {
	released, err := h.codes.Release(context.WithoutCancel(ctx), v)
	if err != nil {
		slog.ErrorContext(ctx, "failed to release verification code",
			"verification_id", v.VerificationID,
			"error", err)
		return
	}
	if !released {
		slog.WarnContext(ctx, "verification code could not be released",
			"verification_id", v.VerificationID)
	}
}
