package auth

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mx-space/authgate/internal/middleware"
	"github.com/mx-space/authgate/internal/pkg/password"
	"github.com/mx-space/authgate/internal/pkg/response"
	"github.com/mx-space/authgate/internal/pkg/session"
	"go.uber.org/zap"
)

type Handler struct {
	svc    *Service
	logger *zap.Logger
}

func NewHandler(svc *Service, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{svc: svc, logger: logger.Named("AuthHandler")}
}

// RegisterRoutes mounts the auth endpoints. credentialMW runs in front of the
// endpoints that accept passwords or mail addresses (rate limiting).
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup, authMW, adminMW gin.HandlerFunc, credentialMW ...gin.HandlerFunc) {
	a := rg.Group("/auth")

	withLimit := func(fn gin.HandlerFunc) []gin.HandlerFunc {
		return append(append([]gin.HandlerFunc{}, credentialMW...), fn)
	}

	a.POST("/login", withLimit(h.login)...)
	a.POST("/register", withLimit(h.register)...)
	a.POST("/refresh", h.refresh)
	a.POST("/logout", authMW, h.logout)
	a.POST("/forgot-password", withLimit(h.forgotPassword)...)
	a.POST("/reset-password", withLimit(h.resetPassword)...)
	a.POST("/send-verification", withLimit(h.sendVerification)...)
	a.POST("/verify-email", h.verifyEmail)
	a.GET("/session", authMW, h.session)

	admin := a.Group("/sessions", authMW, adminMW)
	admin.DELETE("/revoke-all", h.revokeAll)
	admin.DELETE("/user/:userId", h.revokeUser)
	admin.DELETE("/cleanup", h.cleanup)
}

func (h *Handler) login(c *gin.Context) {
	var dto LoginDTO
	if err := c.ShouldBindJSON(&dto); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	if dto.identifier() == "" {
		response.BadRequest(c, "username or email is required")
		return
	}
	pair, _, err := h.svc.LoginWithPassword(c.Request.Context(), dto.identifier(), dto.Password, LoginMeta{
		IP:        c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	response.OK(c, pair)
}

func (h *Handler) register(c *gin.Context) {
	var dto RegisterDTO
	if err := c.ShouldBindJSON(&dto); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	identity, pair, err := h.svc.Register(c.Request.Context(), RegisterInput{
		Username: dto.Username,
		Email:    dto.Email,
		Name:     dto.Name,
		Password: dto.Password,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Created(c, registerResponse{User: toProfile(identity), TokenPair: *pair})
}

func (h *Handler) refresh(c *gin.Context) {
	var dto RefreshDTO
	if err := c.ShouldBindJSON(&dto); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	pair, err := h.svc.Refresh(c.Request.Context(), dto.RefreshToken)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.OK(c, pair)
}

func (h *Handler) logout(c *gin.Context) {
	n, err := h.svc.Logout(c.Request.Context(), middleware.CurrentUserID(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	response.OK(c, gin.H{"revoked": n})
}

func (h *Handler) forgotPassword(c *gin.Context) {
	var dto EmailDTO
	if err := c.ShouldBindJSON(&dto); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	if err := h.svc.ForgotPassword(c.Request.Context(), dto.Email); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"ok": 1})
}

func (h *Handler) resetPassword(c *gin.Context) {
	var dto ResetPasswordDTO
	if err := c.ShouldBindJSON(&dto); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	if err := h.svc.ResetPassword(c.Request.Context(), dto.Token, dto.NewPassword); err != nil {
		h.fail(c, err)
		return
	}
	response.NoContent(c)
}

func (h *Handler) sendVerification(c *gin.Context) {
	var dto EmailDTO
	if err := c.ShouldBindJSON(&dto); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	if err := h.svc.SendVerification(c.Request.Context(), dto.Email); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"ok": 1})
}

func (h *Handler) verifyEmail(c *gin.Context) {
	var dto TokenDTO
	if err := c.ShouldBindJSON(&dto); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	if err := h.svc.VerifyEmail(c.Request.Context(), dto.Token); err != nil {
		h.fail(c, err)
		return
	}
	response.NoContent(c)
}

func (h *Handler) session(c *gin.Context) {
	claims := middleware.CurrentClaims(c)
	if claims == nil {
		response.Unauthorized(c)
		return
	}
	resp := sessionResponse{
		SubjectID: claims.SubjectID,
		Role:      claims.Role,
		IssuedAt:  claims.IssuedAt,
		ExpiresAt: claims.ExpiresAt,
	}
	identity, err := h.svc.Profile(c.Request.Context(), claims.SubjectID)
	switch {
	case err == nil:
		p := toProfile(identity)
		resp.User = &p
	case errors.Is(err, ErrIdentityNotFound):
	default:
		h.fail(c, err)
		return
	}
	response.OK(c, resp)
}

func (h *Handler) revokeAll(c *gin.Context) {
	n, err := h.svc.RevokeAllSessions(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	h.logger.Info("all sessions revoked", zap.String("by", middleware.CurrentUserID(c)), zap.Int64("count", n))
	response.OK(c, gin.H{"revoked": n})
}

func (h *Handler) revokeUser(c *gin.Context) {
	n, err := h.svc.RevokeSessionsForUser(c.Request.Context(), c.Param("userId"))
	if err != nil {
		h.fail(c, err)
		return
	}
	response.OK(c, gin.H{"revoked": n})
}

func (h *Handler) cleanup(c *gin.Context) {
	n, err := h.svc.CleanupExpired(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	response.OK(c, gin.H{"removed": n})
}

// fail maps service errors to responses. Token failures never reveal which
// check rejected them.
func (h *Handler) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrInvalidCredentials):
		response.UnauthorizedMsg(c, ErrInvalidCredentials.Error())
	case errors.Is(err, ErrInvalidRefresh), errors.Is(err, ErrInvalidToken):
		response.BadRequest(c, ErrInvalidToken.Error())
	case errors.Is(err, password.ErrTooShort), errors.Is(err, password.ErrTooLong):
		response.BadRequest(c, err.Error())
	case errors.Is(err, ErrInvalidInput), errors.Is(err, session.ErrInvalidSubject):
		response.BadRequest(c, err.Error())
	case errors.Is(err, ErrIdentityExists):
		response.Conflict(c, ErrIdentityExists.Error())
	case errors.Is(err, ErrIdentityNotFound):
		response.NotFound(c)
	case errors.Is(err, session.ErrStoreUnavailable), errors.Is(err, ErrUnavailable):
		_ = c.Error(err)
		response.ServiceUnavailable(c)
	default:
		response.InternalError(c, err)
	}
}
