package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/M1PPosu/lazer-server-sub001/internal/chat"
	"github.com/M1PPosu/lazer-server-sub001/internal/logging"
	"github.com/M1PPosu/lazer-server-sub001/internal/metrics"
	"github.com/M1PPosu/lazer-server-sub001/internal/signalr"
	"github.com/M1PPosu/lazer-server-sub001/internal/store"
)

// ContextTokenKey is where the bearer middleware stores the resolved
// *store.AccessToken. The user itself goes under chat.ContextUserKey.
const ContextTokenKey = "auth_token"

// Handler exposes the auth HTTP surface.
type Handler struct {
	svc *Service
}

// NewHandler creates the HTTP handler around the auth service.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// Register wires the token endpoint on the public router and the
// session endpoints on the bearer-authenticated group.
func (h *Handler) Register(public gin.IRouter, authorized *gin.RouterGroup) {
	public.POST("/oauth/token", h.Token)
	authorized.POST("/session/verify", h.Verify)
	authorized.POST("/session/verify/reissue", h.Reissue)
	authorized.PUT("/session/totp", h.StartTOTP)
	authorized.POST("/session/totp/verify", h.FinishTOTP)
}

func loginContextFrom(c *gin.Context) LoginContext {
	lc := LoginContext{
		IP:        c.ClientIP(),
		UserAgent: c.GetHeader("User-Agent"),
	}
	if uuid, err := c.Cookie("web_uuid"); err == nil {
		lc.WebUUID = uuid
	}
	if v, err := strconv.Atoi(c.GetHeader("x-api-version")); err == nil {
		lc.APIVersion = v
	}
	return lc
}

// Token is POST /oauth/token. Form-encoded, per OAuth 2.
func (h *Handler) Token(c *gin.Context) {
	grant := c.PostForm("grant_type")
	lc := loginContextFrom(c)

	var (
		resp *TokenResponse
		oerr *OAuthError
	)
	switch grant {
	case "password":
		resp, oerr = h.svc.PasswordGrant(c.Request.Context(),
			c.PostForm("username"), c.PostForm("password"), c.PostForm("scope"), lc)
	case "refresh_token":
		resp, oerr = h.svc.RefreshGrant(c.Request.Context(), c.PostForm("refresh_token"), lc)
	case "authorization_code":
		resp, oerr = h.svc.AuthCodeGrant(c.Request.Context(),
			c.PostForm("client_id"), c.PostForm("client_secret"), c.PostForm("code"), lc)
	case "client_credentials":
		resp, oerr = h.svc.ClientCredentialsGrant(c.Request.Context(),
			c.PostForm("client_id"), c.PostForm("client_secret"), c.PostForm("scope"), lc)
	default:
		oerr = errUnsupportedGrant
	}

	if oerr != nil {
		metrics.AuthAttempts.WithLabelValues(grant, "failed").Inc()
		c.JSON(oerr.Status, oerr)
		return
	}
	metrics.AuthAttempts.WithLabelValues(grant, "ok").Inc()
	c.JSON(http.StatusOK, resp)
}

type verifyErrorBody struct {
	Error    string `json:"error"`
	Method   string `json:"method"`
	Reason   string `json:"reason,omitempty"`
	Reissued bool   `json:"reissued,omitempty"`
}

// Verify is POST /session/verify with form field verification_key.
func (h *Handler) Verify(c *gin.Context) {
	user := c.MustGet(chat.ContextUserKey).(*store.User)
	token := c.MustGet(ContextTokenKey).(*store.AccessToken)

	err := h.svc.VerifySession(c.Request.Context(), user, token, c.PostForm("verification_key"))
	if err == nil {
		c.Status(http.StatusNoContent)
		return
	}

	var verr *VerifyError
	if errors.As(err, &verr) {
		c.JSON(http.StatusUnauthorized, verifyErrorBody{
			Error:    "User not verified",
			Method:   verr.Method,
			Reason:   verr.Reason,
			Reissued: verr.Reissued,
		})
		return
	}
	logging.Error(c.Request.Context(), "Session verification errored",
		zap.Int32("user_id", user.ID), zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "verification failed, session state unchanged"})
}

// Reissue is POST /session/verify/reissue. Resends the mail code,
// rate-limited to one per minute.
func (h *Handler) Reissue(c *gin.Context) {
	user := c.MustGet(chat.ContextUserKey).(*store.User)
	reissued := h.svc.ReissueMailCode(c.Request.Context(), user)
	c.JSON(http.StatusOK, gin.H{"reissued": reissued})
}

// StartTOTP is PUT /session/totp. Requires a verified session; a user
// with TOTP already enrolled must disable it first.
func (h *Handler) StartTOTP(c *gin.Context) {
	user := c.MustGet(chat.ContextUserKey).(*store.User)
	token := c.MustGet(ContextTokenKey).(*store.AccessToken)

	if !h.verifiedSession(c, token) {
		return
	}
	if user.HasTOTP() {
		c.JSON(http.StatusConflict, gin.H{"error": "totp already enrolled"})
		return
	}

	start, err := h.svc.StartTOTPEnrollment(c.Request.Context(), user.ID, user.Username)
	if err != nil {
		logging.Error(c.Request.Context(), "Starting totp enrollment failed",
			zap.Int32("user_id", user.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "enrollment failed"})
		return
	}
	c.JSON(http.StatusOK, start)
}

// FinishTOTP is POST /session/totp/verify with form field code.
func (h *Handler) FinishTOTP(c *gin.Context) {
	user := c.MustGet(chat.ContextUserKey).(*store.User)
	token := c.MustGet(ContextTokenKey).(*store.AccessToken)

	if !h.verifiedSession(c, token) {
		return
	}

	codes, err := h.svc.FinishTOTPEnrollment(c.Request.Context(), user.ID, c.PostForm("code"))
	if err != nil {
		var verr *VerifyError
		if errors.As(err, &verr) {
			c.JSON(http.StatusUnauthorized, verifyErrorBody{
				Error:  "Enrollment not confirmed",
				Method: verr.Method,
				Reason: verr.Reason,
			})
			return
		}
		logging.Error(c.Request.Context(), "Finishing totp enrollment failed",
			zap.Int32("user_id", user.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "enrollment failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"backup_codes": codes})
}

func (h *Handler) verifiedSession(c *gin.Context, token *store.AccessToken) bool {
	sess, err := h.svc.st.GetSessionByToken(c.Request.Context(), token.ID)
	if err != nil || !sess.IsVerified {
		c.JSON(http.StatusForbidden, gin.H{"error": "session not verified"})
		return false
	}
	return true
}

// --- Middleware ---

func bearerToken(c *gin.Context) string {
	if header := c.GetHeader("Authorization"); strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return c.Query("access_token")
}

// Middleware resolves the bearer token to its user and stores both on
// the gin context. Expired or unknown tokens abort with 401.
func (s *Service) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := bearerToken(c)
		if raw == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}
		token, err := s.st.GetTokenByAccess(c.Request.Context(), raw)
		if err != nil || token.Expired(s.now()) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired token"})
			return
		}
		user, err := s.st.GetUser(c.Request.Context(), token.UserID)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired token"})
			return
		}
		c.Set(chat.ContextUserKey, user)
		c.Set(ContextTokenKey, token)
		c.Next()
	}
}

// RequireVerified gates routes that need a verified session on top of a
// valid token.
func (s *Service) RequireVerified() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.MustGet(ContextTokenKey).(*store.AccessToken)
		sess, err := s.st.GetSessionByToken(c.Request.Context(), token.ID)
		if err != nil || !sess.IsVerified {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "session verification required"})
			return
		}
		c.Next()
	}
}

// --- signalr.Authenticator ---

// Authenticate resolves a bearer token for the hub upgrade. Hubs demand
// a live token, an unrestricted user, and a verified session.
func (s *Service) Authenticate(ctx context.Context, raw string) (*signalr.Identity, error) {
	token, err := s.st.GetTokenByAccess(ctx, raw)
	if err != nil {
		return nil, fmt.Errorf("unknown token")
	}
	if token.Expired(s.now()) {
		return nil, fmt.Errorf("token expired")
	}
	user, err := s.st.GetUser(ctx, token.UserID)
	if err != nil {
		return nil, fmt.Errorf("unknown user")
	}
	if user.IsRestricted {
		return nil, fmt.Errorf("user is restricted")
	}
	sess, err := s.st.GetSessionByToken(ctx, token.ID)
	if err != nil {
		return nil, fmt.Errorf("no session for token")
	}
	if !sess.IsVerified {
		return nil, fmt.Errorf("session not verified")
	}
	return &signalr.Identity{UserID: user.ID, Username: user.Username}, nil
}
