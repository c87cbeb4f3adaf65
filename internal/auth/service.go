// Package auth issues OAuth tokens and gates sessions behind a second
// factor until the device is trusted. Short-lived verification state
// (method choice, mail code pointers, TOTP replay guards, auth codes,
// enrollment drafts) lives in Redis; everything durable is in the store.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/M1PPosu/lazer-server-sub001/internal/bus"
	"github.com/M1PPosu/lazer-server-sub001/internal/config"
	"github.com/M1PPosu/lazer-server-sub001/internal/logging"
	"github.com/M1PPosu/lazer-server-sub001/internal/mailer"
	"github.com/M1PPosu/lazer-server-sub001/internal/store"
)

const (
	// apiVersionTOTP is the minimum client API version that can render
	// the TOTP prompt.
	apiVersionTOTP = 20240101

	// botUsername is the sentinel account client_credentials tokens bind
	// to.
	botUsername = "BanchoBot"

	mailCodeTTL        = 10 * time.Minute
	mailResendInterval = time.Minute
	authCodeTTL        = 5 * time.Minute

	totpPeriod = 30 * time.Second
	// totpReplayTTL covers the validation window (one step of skew on
	// either side), so an accepted code cannot be replayed while it
	// still validates.
	totpReplayTTL = 3 * totpPeriod

	tokenCreateRetries = 3
)

// Redis key layout.
func methodKey(userID int32, tokenID int64) string {
	return fmt.Sprintf("session_verification_method:%d:%d", userID, tokenID)
}

func mailCodeKey(userID int32, code string) string {
	return fmt.Sprintf("email_verification:%d:%s", userID, code)
}

func mailRateKey(userID int32) string {
	return fmt.Sprintf("email_verification_rate_limit:%d", userID)
}

func replayKey(userID int32, code string) string {
	return fmt.Sprintf("totp_replay:%d:%s", userID, code)
}

func authCodeKey(clientID, code string) string {
	return fmt.Sprintf("oauth:code:%s:%s", clientID, code)
}

func enrollKey(userID int32) string {
	return fmt.Sprintf("totp_enroll:%d", userID)
}

// LoginContext carries the request attributes that feed device trust
// and the audit log.
type LoginContext struct {
	IP         string
	UserAgent  string
	WebUUID    string // empty for game clients
	APIVersion int
}

func (lc LoginContext) clientType() store.ClientType {
	if lc.WebUUID != "" {
		return store.ClientTypeWeb
	}
	return store.ClientTypeGame
}

// TokenResponse is the success body of the token endpoint.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope"`
}

// Service implements the auth and session-verification state machine.
type Service struct {
	st   store.Store
	bus  *bus.Service
	cfg  *config.Config
	mail mailer.Mailer // nil disables mail codes regardless of config
	pw   *passwordVerifier

	now func() time.Time
}

// NewService creates the auth service. bus may be nil in single-instance
// development mode; replay guards and auth codes degrade open there.
func NewService(st store.Store, b *bus.Service, cfg *config.Config, mail mailer.Mailer) *Service {
	return &Service{
		st:   st,
		bus:  b,
		cfg:  cfg,
		mail: mail,
		pw:   newPasswordVerifier(),
		now:  time.Now,
	}
}

// --- Token issuance ---

func (s *Service) validClient(clientID, clientSecret string) bool {
	secret, ok := s.cfg.OAuthClients[clientID]
	return ok && secret == clientSecret
}

// issueToken mints a fresh access+refresh pair. Unless multi-device is
// allowed, previous tokens of the (user, client) pair are revoked along
// with their sessions.
func (s *Service) issueToken(ctx context.Context, userID int32, clientID string, scopes []string) (*store.AccessToken, error) {
	if !s.cfg.AllowMultiDevice {
		revoked, err := s.st.DeleteUserClientTokens(ctx, userID, clientID)
		if err != nil {
			return nil, fmt.Errorf("revoking previous tokens: %w", err)
		}
		for _, id := range revoked {
			if err := s.st.DeleteSessionsForToken(ctx, id); err != nil {
				return nil, fmt.Errorf("dropping sessions of token %d: %w", id, err)
			}
		}
	}

	now := s.now()
	for attempt := 0; attempt < tokenCreateRetries; attempt++ {
		access, err := randomToken()
		if err != nil {
			return nil, err
		}
		refresh, err := randomToken()
		if err != nil {
			return nil, err
		}
		t := &store.AccessToken{
			UserID:         userID,
			ClientID:       clientID,
			Access:         access,
			Refresh:        refresh,
			Scopes:         scopes,
			ExpiresAt:      now.Add(s.cfg.AccessTokenTTL),
			RefreshExpires: now.Add(s.cfg.RefreshTokenTTL),
			CreatedAt:      now,
		}
		err = s.st.CreateToken(ctx, t)
		if errors.Is(err, store.ErrConflict) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("creating token: %w", err)
		}
		return t, nil
	}
	return nil, fmt.Errorf("creating token: exhausted %d attempts", tokenCreateRetries)
}

func tokenResponse(t *store.AccessToken, now time.Time) *TokenResponse {
	return &TokenResponse{
		AccessToken:  t.Access,
		TokenType:    "Bearer",
		ExpiresIn:    int64(t.ExpiresAt.Sub(now).Seconds()),
		RefreshToken: t.Refresh,
		Scope:        strings.Join(t.Scopes, " "),
	}
}

// --- Grants ---

// PasswordGrant resolves the identifier as username, then e-mail, then
// numeric id, verifies the password, and opens an unverified session
// with a chosen second-factor method.
func (s *Service) PasswordGrant(ctx context.Context, identifier, password, scope string, lc LoginContext) (*TokenResponse, *OAuthError) {
	if scope != "" && scope != "*" {
		return nil, errInvalidScope
	}

	user := s.lookupUser(ctx, identifier)
	if user == nil {
		s.recordAttempt(ctx, 0, identifier, lc, false, "unknown_user")
		return nil, errInvalidCredentials
	}
	if !s.pw.verify(user.PasswordHash, password) {
		s.recordAttempt(ctx, user.ID, identifier, lc, false, "bad_password")
		return nil, errInvalidCredentials
	}

	token, err := s.issueToken(ctx, user.ID, "osu", []string{"*"})
	if err != nil {
		logging.Error(ctx, "Token issuance failed", zap.Int32("user_id", user.ID), zap.Error(err))
		return nil, errServer
	}
	if err := s.openSession(ctx, user, token, lc); err != nil {
		logging.Error(ctx, "Session creation failed", zap.Int32("user_id", user.ID), zap.Error(err))
		return nil, errServer
	}

	s.recordAttempt(ctx, user.ID, identifier, lc, true, "")
	return tokenResponse(token, s.now()), nil
}

func (s *Service) lookupUser(ctx context.Context, identifier string) *store.User {
	if u, err := s.st.GetUserByUsername(ctx, identifier); err == nil {
		return u
	}
	if u, err := s.st.GetUserByEmail(ctx, identifier); err == nil {
		return u
	}
	if id, err := strconv.ParseInt(identifier, 10, 32); err == nil {
		if u, err := s.st.GetUser(ctx, int32(id)); err == nil {
			return u
		}
	}
	return nil
}

// RefreshGrant replaces an unexpired token pair with a fresh one,
// preserving scopes. The new session is verified: the refresh string
// proves possession of an already-authenticated device.
func (s *Service) RefreshGrant(ctx context.Context, refresh string, lc LoginContext) (*TokenResponse, *OAuthError) {
	old, err := s.st.GetTokenByRefresh(ctx, refresh)
	if err != nil {
		return nil, errExpiredRefresh
	}
	now := s.now()
	if old.RefreshExpired(now) {
		return nil, errExpiredRefresh
	}

	user, err := s.st.GetUser(ctx, old.UserID)
	if err != nil {
		return nil, errExpiredRefresh
	}

	token, err := s.issueToken(ctx, old.UserID, old.ClientID, old.Scopes)
	if err != nil {
		logging.Error(ctx, "Token issuance failed", zap.Int32("user_id", old.UserID), zap.Error(err))
		return nil, errServer
	}
	// Multi-device mode keeps the old pair alive otherwise; the refresh
	// string is single-use either way.
	if err := s.st.DeleteToken(ctx, old.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
		logging.Warn(ctx, "Dropping replaced token failed", zap.Int64("token_id", old.ID), zap.Error(err))
	}
	if err := s.st.DeleteSessionsForToken(ctx, old.ID); err != nil {
		logging.Warn(ctx, "Dropping replaced sessions failed", zap.Int64("token_id", old.ID), zap.Error(err))
	}
	if err := s.createSession(ctx, user, token, lc, true, ""); err != nil {
		logging.Error(ctx, "Session creation failed", zap.Int32("user_id", user.ID), zap.Error(err))
		return nil, errServer
	}
	return tokenResponse(token, now), nil
}

// AuthCodeGrant redeems a single-use authorization code minted by
// StoreAuthCode.
func (s *Service) AuthCodeGrant(ctx context.Context, clientID, clientSecret, code string, lc LoginContext) (*TokenResponse, *OAuthError) {
	if !s.validClient(clientID, clientSecret) {
		return nil, errInvalidClient
	}

	key := authCodeKey(clientID, code)
	fields, err := s.bus.HGetAll(ctx, key)
	if err != nil {
		logging.Error(ctx, "Auth code lookup failed", zap.Error(err))
		return nil, errServer
	}
	if len(fields) == 0 {
		return nil, errInvalidAuthCode
	}
	if err := s.bus.Del(ctx, key); err != nil {
		logging.Error(ctx, "Auth code consume failed", zap.Error(err))
		return nil, errServer
	}

	userID, err := strconv.ParseInt(fields["user_id"], 10, 32)
	if err != nil {
		return nil, errInvalidAuthCode
	}
	user, err := s.st.GetUser(ctx, int32(userID))
	if err != nil {
		return nil, errInvalidAuthCode
	}
	scopes := strings.Fields(fields["scopes"])
	if len(scopes) == 0 {
		scopes = []string{"public"}
	}

	token, err := s.issueToken(ctx, user.ID, clientID, scopes)
	if err != nil {
		logging.Error(ctx, "Token issuance failed", zap.Int32("user_id", user.ID), zap.Error(err))
		return nil, errServer
	}
	if err := s.createSession(ctx, user, token, lc, true, ""); err != nil {
		logging.Error(ctx, "Session creation failed", zap.Int32("user_id", user.ID), zap.Error(err))
		return nil, errServer
	}
	return tokenResponse(token, s.now()), nil
}

// StoreAuthCode mints a single-use authorization code mapping to (user,
// scopes) for five minutes.
func (s *Service) StoreAuthCode(ctx context.Context, clientID string, userID int32, scopes []string) (string, error) {
	code, err := randomToken()
	if err != nil {
		return "", err
	}
	code = code[:40]
	err = s.bus.HSet(ctx, authCodeKey(clientID, code), map[string]string{
		"user_id": strconv.FormatInt(int64(userID), 10),
		"scopes":  strings.Join(scopes, " "),
	}, authCodeTTL)
	if err != nil {
		return "", err
	}
	return code, nil
}

// ClientCredentialsGrant issues a token bound to the sentinel bot user.
// The scope must be exactly public.
func (s *Service) ClientCredentialsGrant(ctx context.Context, clientID, clientSecret, scope string, lc LoginContext) (*TokenResponse, *OAuthError) {
	if !s.validClient(clientID, clientSecret) {
		return nil, errInvalidClient
	}
	if scope != "public" {
		return nil, errInvalidScope
	}

	bot, err := s.st.GetUserByUsername(ctx, botUsername)
	if err != nil {
		logging.Error(ctx, "Sentinel bot user missing", zap.Error(err))
		return nil, errServer
	}

	token, err := s.issueToken(ctx, bot.ID, clientID, []string{"public"})
	if err != nil {
		logging.Error(ctx, "Token issuance failed", zap.Int32("user_id", bot.ID), zap.Error(err))
		return nil, errServer
	}
	if err := s.createSession(ctx, bot, token, lc, true, ""); err != nil {
		logging.Error(ctx, "Session creation failed", zap.Int32("user_id", bot.ID), zap.Error(err))
		return nil, errServer
	}
	return tokenResponse(token, s.now()), nil
}

// --- Sessions and verification ---

// openSession creates the LoginSession for a password grant and decides
// the verification method:
//
//	totp  - client understands it, user enrolled, feature enabled
//	mail  - device untrusted, mail verification enabled
//	none  - session verified immediately, device trusted
func (s *Service) openSession(ctx context.Context, user *store.User, token *store.AccessToken, lc LoginContext) error {
	device, err := s.st.FindTrustedDevice(ctx, user.ID, lc.clientType(), lc.IP, lc.WebUUID, s.now())
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("matching trusted device: %w", err)
	}
	trusted := device != nil

	var method string
	switch {
	case lc.APIVersion >= apiVersionTOTP && user.HasTOTP() && s.cfg.TOTPEnabled:
		method = "totp"
	case !trusted && s.cfg.MailVerifyEnabled && s.mail != nil:
		method = "mail"
	}

	if err := s.createSession(ctx, user, token, lc, method == "", method); err != nil {
		return err
	}

	switch method {
	case "totp":
	case "mail":
		s.sendMailCode(ctx, user)
	default:
		if err := s.trustDevice(ctx, user.ID, lc); err != nil {
			logging.Warn(ctx, "Trusting device failed", zap.Int32("user_id", user.ID), zap.Error(err))
		}
	}
	return nil
}

func (s *Service) createSession(ctx context.Context, user *store.User, token *store.AccessToken, lc LoginContext, verified bool, method string) error {
	now := s.now()
	sess := &store.LoginSession{
		UserID:      user.ID,
		TokenID:     token.ID,
		IP:          lc.IP,
		UserAgent:   lc.UserAgent,
		IsVerified:  verified,
		IsNewDevice: method != "",
		WebUUID:     lc.WebUUID,
		CreatedAt:   now,
		ExpiresAt:   token.ExpiresAt,
	}
	if verified {
		sess.VerifiedAt = now
	}
	if err := s.st.CreateSession(ctx, sess); err != nil {
		return fmt.Errorf("creating session: %w", err)
	}
	if method != "" {
		ttl := token.ExpiresAt.Sub(now)
		if err := s.bus.Set(ctx, methodKey(user.ID, token.ID), method, ttl); err != nil {
			return fmt.Errorf("storing verification method: %w", err)
		}
	}
	return nil
}

// VerifySession accepts an 8-digit mail code, a 6-digit TOTP code, or a
// 10-char backup code. On success the session flips to verified and the
// device becomes trusted. A *VerifyError carries what the 401 body
// needs.
func (s *Service) VerifySession(ctx context.Context, user *store.User, token *store.AccessToken, key string) error {
	sess, err := s.st.GetSessionByToken(ctx, token.ID)
	if err != nil {
		return fmt.Errorf("loading session: %w", err)
	}
	if sess.IsVerified {
		return nil
	}

	method := s.currentMethod(ctx, user, token)

	switch len(key) {
	case 6:
		if err := s.verifyTOTPCode(ctx, user, key); err != nil {
			s.recordAttempt(ctx, user.ID, user.Username, LoginContext{IP: sess.IP, UserAgent: sess.UserAgent}, false, "bad_totp")
			return err
		}
	case 8:
		if err := s.verifyMailCode(ctx, user, key); err != nil {
			s.recordAttempt(ctx, user.ID, user.Username, LoginContext{IP: sess.IP, UserAgent: sess.UserAgent}, false, "bad_mail_code")
			return err
		}
	case backupCodeLength:
		ok, err := s.st.ConsumeBackupCode(ctx, user.ID, key)
		if err != nil {
			return fmt.Errorf("consuming backup code: %w", err)
		}
		if !ok {
			s.recordAttempt(ctx, user.ID, user.Username, LoginContext{IP: sess.IP, UserAgent: sess.UserAgent}, false, "bad_backup_code")
			return &VerifyError{Method: method, Reason: reasonIncorrectKey}
		}
	default:
		return &VerifyError{Method: method, Reason: reasonIncorrectLength}
	}

	if err := s.st.MarkVerified(ctx, sess.ID, s.now()); err != nil {
		return fmt.Errorf("marking session verified: %w", err)
	}
	lc := LoginContext{IP: sess.IP, UserAgent: sess.UserAgent, WebUUID: sess.WebUUID}
	if err := s.trustDevice(ctx, user.ID, lc); err != nil {
		logging.Warn(ctx, "Trusting device failed", zap.Int32("user_id", user.ID), zap.Error(err))
	}
	if err := s.bus.Del(ctx, methodKey(user.ID, token.ID)); err != nil {
		logging.Warn(ctx, "Clearing verification method failed", zap.Error(err))
	}
	logging.Info(ctx, "Session verified", zap.Int32("user_id", user.ID), zap.Int64("session_id", sess.ID))
	return nil
}

// currentMethod reads the stored choice, falling back to a derivation
// when the Redis key is gone.
func (s *Service) currentMethod(ctx context.Context, user *store.User, token *store.AccessToken) string {
	if method, ok, err := s.bus.Get(ctx, methodKey(user.ID, token.ID)); err == nil && ok {
		return method
	}
	if user.HasTOTP() && s.cfg.TOTPEnabled {
		return "totp"
	}
	return "mail"
}

// verifyTOTPCode validates the code against the enrolled secret and
// rejects replays within the validation window.
func (s *Service) verifyTOTPCode(ctx context.Context, user *store.User, code string) error {
	if !user.HasTOTP() {
		return &VerifyError{Method: "mail", Reason: reasonIncorrectKey}
	}
	if !validTOTP(code, user.TOTPSecret, s.now()) {
		return &VerifyError{Method: "totp", Reason: reasonIncorrectKey}
	}
	fresh, err := s.bus.SetNX(ctx, replayKey(user.ID, code), "1", totpReplayTTL)
	if err != nil {
		return fmt.Errorf("recording totp replay guard: %w", err)
	}
	if !fresh {
		return &VerifyError{Method: "totp", Reason: reasonIncorrectKey}
	}
	return nil
}

// verifyMailCode matches the outstanding code for the user's e-mail.
// When no code is outstanding any more, a fresh one is issued (rate
// limited) and the rejection reports it.
func (s *Service) verifyMailCode(ctx context.Context, user *store.User, code string) error {
	active, err := s.st.GetActiveCode(ctx, user.ID, user.Email, s.now())
	if errors.Is(err, store.ErrNotFound) {
		reissued := s.sendMailCode(ctx, user)
		return &VerifyError{Method: "mail", Reason: reasonIncorrectKey, Reissued: reissued}
	}
	if err != nil {
		return fmt.Errorf("loading mail code: %w", err)
	}
	if active.Code != code {
		return &VerifyError{Method: "mail", Reason: reasonIncorrectKey}
	}
	if err := s.st.MarkCodeUsed(ctx, active.ID); err != nil {
		return fmt.Errorf("consuming mail code: %w", err)
	}
	if err := s.bus.Del(ctx, mailCodeKey(user.ID, code)); err != nil {
		logging.Warn(ctx, "Clearing mail code key failed", zap.Error(err))
	}
	return nil
}

// ReissueMailCode resends the verification mail, subject to the 60 s
// resend limit. The bool reports whether a mail actually went out.
func (s *Service) ReissueMailCode(ctx context.Context, user *store.User) bool {
	return s.sendMailCode(ctx, user)
}

// sendMailCode delivers the outstanding code for (user, e-mail),
// creating one when none exists. One code is outstanding at a time;
// a reissue inside the code's lifetime resends the same digits.
func (s *Service) sendMailCode(ctx context.Context, user *store.User) bool {
	if s.mail == nil {
		return false
	}
	fresh, err := s.bus.SetNX(ctx, mailRateKey(user.ID), "1", mailResendInterval)
	if err != nil {
		logging.Warn(ctx, "Mail rate-limit check failed", zap.Error(err))
		return false
	}
	if !fresh {
		return false
	}

	now := s.now()
	active, err := s.st.GetActiveCode(ctx, user.ID, user.Email, now)
	if errors.Is(err, store.ErrNotFound) {
		digits, derr := randomDigits(8)
		if derr != nil {
			logging.Error(ctx, "Generating mail code failed", zap.Error(derr))
			return false
		}
		active = &store.VerificationCode{
			UserID:    user.ID,
			Email:     user.Email,
			Code:      digits,
			CreatedAt: now,
			ExpiresAt: now.Add(mailCodeTTL),
		}
		if err := s.st.CreateCode(ctx, active); err != nil {
			logging.Error(ctx, "Storing mail code failed", zap.Error(err))
			return false
		}
		if err := s.bus.Set(ctx, mailCodeKey(user.ID, digits), strconv.FormatInt(active.ID, 10), mailCodeTTL); err != nil {
			logging.Warn(ctx, "Storing mail code pointer failed", zap.Error(err))
		}
	} else if err != nil {
		logging.Error(ctx, "Loading mail code failed", zap.Error(err))
		return false
	}

	s.mail.Enqueue(mailer.Message{
		To:      user.Email,
		Subject: "Account verification",
		Body: fmt.Sprintf("Hi %s,\n\nYour verification code is: %s\n\nThe code expires in %d minutes.",
			user.Username, active.Code, int(mailCodeTTL.Minutes())),
	})
	logging.Info(ctx, "Verification mail queued",
		zap.Int32("user_id", user.ID), zap.String("email", logging.RedactEmail(user.Email)))
	return true
}

func (s *Service) trustDevice(ctx context.Context, userID int32, lc LoginContext) error {
	now := s.now()
	return s.st.UpsertTrustedDevice(ctx, &store.TrustedDevice{
		UserID:     userID,
		ClientType: lc.clientType(),
		IP:         lc.IP,
		WebUUID:    lc.WebUUID,
		UserAgent:  lc.UserAgent,
		LastUsedAt: now,
		ExpiresAt:  now.Add(s.cfg.DeviceTrustWindow),
	})
}

func (s *Service) recordAttempt(ctx context.Context, userID int32, username string, lc LoginContext, success bool, reason string) {
	err := s.st.RecordLoginAttempt(ctx, &store.LoginAttempt{
		UserID:    userID,
		Username:  username,
		IP:        lc.IP,
		UserAgent: lc.UserAgent,
		Success:   success,
		Reason:    reason,
		CreatedAt: s.now(),
	})
	if err != nil {
		logging.Warn(ctx, "Recording login attempt failed", zap.Error(err))
	}
}
