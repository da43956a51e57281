package access

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/trustbank/internal/auth"
	"github.com/mbd888/trustbank/internal/ledger"
	"github.com/mbd888/trustbank/internal/logging"
	"github.com/mbd888/trustbank/internal/trust"
	"github.com/mbd888/trustbank/internal/users"
	"github.com/mbd888/trustbank/internal/validation"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// KeyIssuer issues API keys for new accounts.
type KeyIssuer interface {
	GenerateKey(ctx context.Context, userID, name string) (string, *auth.APIKey, error)
}

// Handler provides HTTP endpoints for the authorization engine.
type Handler struct {
	service   *Service
	registrar Registrar
	keys      KeyIssuer
	guards    []gin.HandlerFunc
}

// NewHandler creates a new access handler. registrar and keys serve signup
// and may be nil when signup is disabled.
func NewHandler(service *Service, registrar Registrar, keys KeyIssuer) *Handler {
	return &Handler{service: service, registrar: registrar, keys: keys}
}

// WithVerifyGuard adds middleware in front of code verification, such as a
// per-user rate limit.
func (h *Handler) WithVerifyGuard(mw gin.HandlerFunc) *Handler {
	h.guards = append(h.guards, mw)
	return h
}

// RegisterRoutes sets up public routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	if h.registrar != nil && h.keys != nil {
		r.POST("/auth/signup", h.Signup)
	}
}

// RegisterProtectedRoutes sets up routes that need an authenticated user.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/auth/login/evaluate", h.EvaluateLogin)
	r.DELETE("/auth/account", h.DeleteAccount)
	r.POST("/transactions", h.AuthorizeTransaction)
	r.POST("/transactions/verify", append(h.guards, h.ConfirmStepUp)...)
	r.GET("/transactions", h.ListTransactions)
	r.GET("/transactions/pending", h.PendingStatus)
	r.DELETE("/transactions/pending", h.CancelPending)
	r.GET("/transactions/:id", validation.TransactionIDParamMiddleware(), h.GetTransaction)
	r.POST("/transactions/:id/reanchor", validation.TransactionIDParamMiddleware(), h.Reanchor)
	r.GET("/profile/context-log", h.ContextLog)
}

// Signup handles POST /v1/auth/signup
func (h *Handler) Signup(c *gin.Context) {
	var req SignupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidBody(c)
		return
	}
	ctx := c.Request.Context()

	u, _, err := h.service.Signup(ctx, h.registrar, req.Email, req.Name, clientContext(c, req.Context))
	if err != nil {
		switch {
		case errors.Is(err, users.ErrInvalidEmail), errors.Is(err, users.ErrInvalidName):
			c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
		case errors.Is(err, users.ErrEmailTaken):
			c.JSON(http.StatusConflict, gin.H{"error": "email_taken", "message": "An account with this email already exists"})
		default:
			internalError(c, err, "Failed to create account")
		}
		return
	}

	rawKey, key, err := h.keys.GenerateKey(ctx, u.ID, "Primary key")
	if err != nil {
		internalError(c, err, "Account created but key issuance failed")
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"user":    u,
		"apiKey":  rawKey,
		"keyId":   key.ID,
		"warning": "Store this key securely. It will not be shown again.",
	})
}

// EvaluateLogin handles POST /v1/auth/login/evaluate
func (h *Handler) EvaluateLogin(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidBody(c)
		return
	}

	res, err := h.service.EvaluateLogin(c.Request.Context(), auth.GetUserID(c), clientContext(c, req.Context))
	if err != nil {
		if errors.Is(err, ErrInProgress) {
			c.JSON(http.StatusConflict, gin.H{
				"error":   "verification_in_progress",
				"message": "A verification code was already sent; use it or wait for it to expire",
				"login":   res,
			})
			return
		}
		h.writeError(c, err)
		return
	}
	switch {
	case res.Blocked:
		c.JSON(http.StatusForbidden, res)
	case res.StepUp != nil:
		c.JSON(http.StatusAccepted, res)
	default:
		c.JSON(http.StatusOK, res)
	}
}

// DeleteAccount handles DELETE /v1/auth/account
func (h *Handler) DeleteAccount(c *gin.Context) {
	err := h.service.DeleteAccount(c.Request.Context(), auth.GetUserID(c))
	if err != nil {
		switch {
		case errors.Is(err, users.ErrUserNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "user_not_found", "message": "User not found"})
		case errors.Is(err, ErrDeletionDisabled):
			c.JSON(http.StatusNotImplemented, gin.H{"error": "not_supported", "message": "Account deletion is not available"})
		default:
			internalError(c, err, "Failed to delete account")
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Account deleted"})
}

// AuthorizeTransaction handles POST /v1/transactions
func (h *Handler) AuthorizeTransaction(c *gin.Context) {
	var req AuthorizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidBody(c)
		return
	}

	out, err := h.service.AuthorizeTransaction(c.Request.Context(), auth.GetUserID(c), req.TransactionRequest, clientContext(c, req.Context))
	if err != nil {
		h.writeOutcomeError(c, out, err)
		return
	}
	c.JSON(outcomeStatus(out.Kind), out)
}

// ConfirmStepUp handles POST /v1/transactions/verify
func (h *Handler) ConfirmStepUp(c *gin.Context) {
	var req ConfirmRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidBody(c)
		return
	}
	if errs := validation.Validate(validation.Required("code", req.Code)); len(errs) > 0 {
		validationError(c, errs)
		return
	}

	out, err := h.service.ConfirmStepUp(c.Request.Context(), auth.GetUserID(c), req.Code)
	if err != nil {
		h.writeOutcomeError(c, out, err)
		return
	}
	c.JSON(outcomeStatus(out.Kind), out)
}

// PendingStatus handles GET /v1/transactions/pending
func (h *Handler) PendingStatus(c *gin.Context) {
	st, err := h.service.PendingStatus(c.Request.Context(), auth.GetUserID(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"pending": st})
}

// CancelPending handles DELETE /v1/transactions/pending
func (h *Handler) CancelPending(c *gin.Context) {
	if err := h.service.CancelPending(c.Request.Context(), auth.GetUserID(c)); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Pending verification cancelled"})
}

// ListTransactions handles GET /v1/transactions
func (h *Handler) ListTransactions(c *gin.Context) {
	limit := parseLimit(c.Query("limit"))

	records, next, err := h.service.Transactions(c.Request.Context(), auth.GetUserID(c), limit, c.Query("cursor"))
	if err != nil {
		if errors.Is(err, ledger.ErrInvalidCursor) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_cursor", "message": "Invalid pagination cursor"})
			return
		}
		h.writeError(c, err)
		return
	}

	resp := gin.H{
		"transactions": records,
		"count":        len(records),
	}
	if next != "" {
		resp["nextCursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}

// GetTransaction handles GET /v1/transactions/:id
func (h *Handler) GetTransaction(c *gin.Context) {
	rec, err := h.service.Transaction(c.Request.Context(), auth.GetUserID(c), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": rec})
}

// Reanchor handles POST /v1/transactions/:id/reanchor
func (h *Handler) Reanchor(c *gin.Context) {
	rec, err := h.service.Reanchor(c.Request.Context(), auth.GetUserID(c), c.Param("id"))
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrNotConfigured):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "ledger_not_configured",
				"message": "No external ledger is configured; the record is kept locally",
			})
		case errors.Is(err, ledger.ErrChainFailed):
			c.JSON(http.StatusBadGateway, gin.H{
				"error":       "ledger_unavailable",
				"message":     err.Error(),
				"transaction": rec,
			})
		default:
			h.writeError(c, err)
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": rec})
}

// ContextLog handles GET /v1/profile/context-log
func (h *Handler) ContextLog(c *gin.Context) {
	obs, err := h.service.ContextLog(c.Request.Context(), auth.GetUserID(c), parseLimit(c.Query("limit")))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"contextLog": obs, "count": len(obs)})
}

// writeOutcomeError maps an authorization error. A chain failure still
// carries the stored record.
func (h *Handler) writeOutcomeError(c *gin.Context, out *Outcome, err error) {
	var verrs validation.ValidationErrors
	switch {
	case errors.As(err, &verrs):
		validationError(c, verrs)
	case errors.Is(err, ErrInProgress):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "verification_in_progress",
			"message": "A verification code was already sent; use it or wait for it to expire",
		})
	case errors.Is(err, ledger.ErrChainFailed) && out != nil:
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "ledger_unavailable",
			"message": "Transaction recorded but not anchored on the external ledger; retry with reanchor",
			"result":  out,
		})
	default:
		h.writeError(c, err)
	}
}

func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNoPendingAction):
		c.JSON(http.StatusNotFound, gin.H{"error": "no_pending_action", "message": "No verification is pending"})
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Transaction not found"})
	case errors.Is(err, trust.ErrProfileNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "profile_not_found", "message": "No trust profile for this account"})
	default:
		internalError(c, err, "Request failed")
	}
}

func outcomeStatus(k OutcomeKind) int {
	switch k {
	case OutcomeAllowed:
		return http.StatusCreated
	case OutcomeStepUpRequired:
		return http.StatusAccepted
	case OutcomeBlocked:
		return http.StatusForbidden
	case OutcomeInvalid:
		return http.StatusBadRequest
	case OutcomeExpired:
		return http.StatusGone
	default:
		return http.StatusOK
	}
}

// clientContext fills the network signal from the connection when the
// client did not report one.
func clientContext(c *gin.Context, cc *trust.ClientContext) *trust.ClientContext {
	ip := c.ClientIP()
	if cc == nil {
		if ip == "" {
			return nil
		}
		return &trust.ClientContext{IP: ip}
	}
	if cc.IP == "" {
		cp := *cc
		cp.IP = ip
		return &cp
	}
	return cc
}

func parseLimit(s string) int {
	limit := defaultListLimit
	if s != "" {
		if parsed, err := strconv.Atoi(s); err == nil && parsed > 0 {
			limit = min(parsed, maxListLimit)
		}
	}
	return limit
}

func invalidBody(c *gin.Context) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "invalid_request",
		"message": "Invalid request body",
	})
}

func validationError(c *gin.Context, errs validation.ValidationErrors) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "validation_error",
		"message": errs.Error(),
		"details": errs,
	})
}

func internalError(c *gin.Context, err error, msg string) {
	logging.L(c.Request.Context()).Error(msg, "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{
		"error":   "internal_error",
		"message": msg,
	})
}
