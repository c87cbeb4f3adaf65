package auth

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/M1PPosu/lazer-server-sub001/internal/bus"
	"github.com/M1PPosu/lazer-server-sub001/internal/config"
	"github.com/M1PPosu/lazer-server-sub001/internal/mailer"
	"github.com/M1PPosu/lazer-server-sub001/internal/store"
	"github.com/M1PPosu/lazer-server-sub001/internal/store/memstore"
)

type fakeMail struct {
	mu   sync.Mutex
	sent []mailer.Message
}

func (f *fakeMail) Enqueue(msg mailer.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
}

func (f *fakeMail) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeMail) last() mailer.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent[len(f.sent)-1]
}

var mailCodeRe = regexp.MustCompile(`\d{8}`)

func (f *fakeMail) lastCode(t *testing.T) string {
	t.Helper()
	code := mailCodeRe.FindString(f.last().Body)
	require.Len(t, code, 8)
	return code
}

type authEnv struct {
	svc  *Service
	st   *memstore.Store
	mail *fakeMail
	mr   *miniredis.Miniredis
	now  time.Time
}

func newAuthEnv(t *testing.T) *authEnv {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	b, err := bus.NewService(mr.Addr(), "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	cfg := &config.Config{
		OAuthClients:      map[string]string{"5": "client-secret"},
		AccessTokenTTL:    time.Hour,
		RefreshTokenTTL:   24 * time.Hour,
		TOTPEnabled:       true,
		MailVerifyEnabled: true,
		DeviceTrustWindow: 30 * 24 * time.Hour,
	}

	st := memstore.New()
	mail := &fakeMail{}
	svc := NewService(st, b, cfg, mail)

	env := &authEnv{svc: svc, st: st, mail: mail, mr: mr,
		now: time.Date(2024, 9, 1, 10, 0, 0, 0, time.UTC)}
	svc.now = func() time.Time { return env.now }
	return env
}

func (e *authEnv) seedUser(t *testing.T, name, password string) *store.User {
	t.Helper()
	hash, err := HashPassword(password)
	require.NoError(t, err)
	u := &store.User{Username: name, Email: name + "@example.com", PasswordHash: hash}
	require.NoError(t, e.st.CreateUser(context.Background(), u))
	return u
}

func (e *authEnv) tokenOf(t *testing.T, resp *TokenResponse) *store.AccessToken {
	t.Helper()
	tok, err := e.st.GetTokenByAccess(context.Background(), resp.AccessToken)
	require.NoError(t, err)
	return tok
}

func (e *authEnv) sessionOf(t *testing.T, resp *TokenResponse) *store.LoginSession {
	t.Helper()
	sess, err := e.st.GetSessionByToken(context.Background(), e.tokenOf(t, resp).ID)
	require.NoError(t, err)
	return sess
}

var gameLogin = LoginContext{IP: "203.0.113.9", UserAgent: "osu!", APIVersion: 20230101}

func TestPasswordGrant_NewDeviceRequiresMailCode(t *testing.T) {
	env := newAuthEnv(t)
	env.seedUser(t, "alice", "hunter2")
	ctx := context.Background()

	resp, oerr := env.svc.PasswordGrant(ctx, "alice", "hunter2", "*", gameLogin)
	require.Nil(t, oerr)
	assert.Equal(t, "Bearer", resp.TokenType)
	assert.NotEmpty(t, resp.AccessToken)
	assert.NotEmpty(t, resp.RefreshToken)
	assert.Equal(t, int64(3600), resp.ExpiresIn)

	sess := env.sessionOf(t, resp)
	assert.False(t, sess.IsVerified)
	assert.True(t, sess.IsNewDevice)

	require.Equal(t, 1, env.mail.count())
	assert.Equal(t, "alice@example.com", env.mail.last().To)
	env.mail.lastCode(t)

	tok := env.tokenOf(t, resp)
	method, err := env.mr.Get(methodKey(tok.UserID, tok.ID))
	require.NoError(t, err)
	assert.Equal(t, "mail", method)
}

func TestPasswordGrant_IdentifierForms(t *testing.T) {
	env := newAuthEnv(t)
	u := env.seedUser(t, "alice", "hunter2")
	ctx := context.Background()

	for _, ident := range []string{"alice", "alice@example.com", fmt.Sprint(u.ID)} {
		resp, oerr := env.svc.PasswordGrant(ctx, ident, "hunter2", "", gameLogin)
		require.Nil(t, oerr, "identifier %q", ident)
		assert.NotEmpty(t, resp.AccessToken)
	}
}

func TestPasswordGrant_Rejections(t *testing.T) {
	env := newAuthEnv(t)
	env.seedUser(t, "alice", "hunter2")
	ctx := context.Background()

	_, oerr := env.svc.PasswordGrant(ctx, "alice", "wrong", "*", gameLogin)
	require.NotNil(t, oerr)
	assert.Equal(t, "invalid_grant", oerr.Code)
	assert.Equal(t, 401, oerr.Status)

	_, oerr = env.svc.PasswordGrant(ctx, "nobody", "hunter2", "*", gameLogin)
	require.NotNil(t, oerr)
	assert.Equal(t, "invalid_grant", oerr.Code)

	_, oerr = env.svc.PasswordGrant(ctx, "alice", "hunter2", "identify", gameLogin)
	require.NotNil(t, oerr)
	assert.Equal(t, "invalid_scope", oerr.Code)
}

func TestPasswordGrant_TrustedDeviceSkipsVerification(t *testing.T) {
	env := newAuthEnv(t)
	u := env.seedUser(t, "alice", "hunter2")
	ctx := context.Background()

	require.NoError(t, env.st.UpsertTrustedDevice(ctx, &store.TrustedDevice{
		UserID:     u.ID,
		ClientType: store.ClientTypeGame,
		IP:         gameLogin.IP,
		ExpiresAt:  env.now.Add(time.Hour),
	}))

	resp, oerr := env.svc.PasswordGrant(ctx, "alice", "hunter2", "*", gameLogin)
	require.Nil(t, oerr)

	sess := env.sessionOf(t, resp)
	assert.True(t, sess.IsVerified)
	assert.False(t, sess.IsNewDevice)
	assert.Zero(t, env.mail.count())
}

func TestPasswordGrant_TOTPPreferredForCapableClients(t *testing.T) {
	env := newAuthEnv(t)
	u := env.seedUser(t, "alice", "hunter2")
	ctx := context.Background()
	require.NoError(t, env.st.SetTOTPKey(ctx, u.ID, "JBSWY3DPEHPK3PXP", nil))

	lc := gameLogin
	lc.APIVersion = apiVersionTOTP

	resp, oerr := env.svc.PasswordGrant(ctx, "alice", "hunter2", "*", lc)
	require.Nil(t, oerr)

	sess := env.sessionOf(t, resp)
	assert.False(t, sess.IsVerified)
	assert.Zero(t, env.mail.count(), "totp sessions send no mail")

	tok := env.tokenOf(t, resp)
	method, err := env.mr.Get(methodKey(u.ID, tok.ID))
	require.NoError(t, err)
	assert.Equal(t, "totp", method)
}

func TestPasswordGrant_SingleDeviceRevokesPreviousToken(t *testing.T) {
	env := newAuthEnv(t)
	env.seedUser(t, "alice", "hunter2")
	ctx := context.Background()

	first, oerr := env.svc.PasswordGrant(ctx, "alice", "hunter2", "*", gameLogin)
	require.Nil(t, oerr)
	second, oerr := env.svc.PasswordGrant(ctx, "alice", "hunter2", "*", gameLogin)
	require.Nil(t, oerr)

	_, err := env.st.GetTokenByAccess(ctx, first.AccessToken)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = env.st.GetTokenByAccess(ctx, second.AccessToken)
	assert.NoError(t, err)
}

func TestVerifySession_MailCode(t *testing.T) {
	env := newAuthEnv(t)
	u := env.seedUser(t, "alice", "hunter2")
	ctx := context.Background()

	resp, oerr := env.svc.PasswordGrant(ctx, "alice", "hunter2", "*", gameLogin)
	require.Nil(t, oerr)
	tok := env.tokenOf(t, resp)
	code := env.mail.lastCode(t)

	// Wrong length first, then a wrong code of the right length.
	err := env.svc.VerifySession(ctx, u, tok, "123")
	var verr *VerifyError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, reasonIncorrectLength, verr.Reason)

	wrong := "00000000"
	if wrong == code {
		wrong = "00000001"
	}
	err = env.svc.VerifySession(ctx, u, tok, wrong)
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "mail", verr.Method)
	assert.Equal(t, reasonIncorrectKey, verr.Reason)

	require.NoError(t, env.svc.VerifySession(ctx, u, tok, code))
	sess := env.sessionOf(t, resp)
	assert.True(t, sess.IsVerified)

	// The device is trusted now, so the next login skips verification.
	device, err := env.st.FindTrustedDevice(ctx, u.ID, store.ClientTypeGame, gameLogin.IP, "", env.now)
	require.NoError(t, err)
	assert.Equal(t, u.ID, device.UserID)

	// Verifying an already-verified session is a no-op.
	assert.NoError(t, env.svc.VerifySession(ctx, u, tok, "garbage!"))
}

func totpCode(t *testing.T, secret string, at time.Time) string {
	t.Helper()
	code, err := totp.GenerateCodeCustom(secret, at, totp.ValidateOpts{
		Period:    30,
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	require.NoError(t, err)
	return code
}

func TestVerifySession_TOTPRejectsReplay(t *testing.T) {
	env := newAuthEnv(t)
	env.svc.cfg.AllowMultiDevice = true
	u := env.seedUser(t, "alice", "hunter2")
	ctx := context.Background()

	const secret = "JBSWY3DPEHPK3PXP"
	require.NoError(t, env.st.SetTOTPKey(ctx, u.ID, secret, nil))
	u, err := env.st.GetUser(ctx, u.ID)
	require.NoError(t, err)

	lc := gameLogin
	lc.APIVersion = apiVersionTOTP
	first, oerr := env.svc.PasswordGrant(ctx, "alice", "hunter2", "*", lc)
	require.Nil(t, oerr)
	second, oerr := env.svc.PasswordGrant(ctx, "alice", "hunter2", "*", lc)
	require.Nil(t, oerr)

	code := totpCode(t, secret, env.now)
	require.NoError(t, env.svc.VerifySession(ctx, u, env.tokenOf(t, first), code))

	// The same code cannot unlock a second session while it still
	// validates.
	err = env.svc.VerifySession(ctx, u, env.tokenOf(t, second), code)
	var verr *VerifyError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "totp", verr.Method)
	assert.Equal(t, reasonIncorrectKey, verr.Reason)
}

func TestVerifySession_BackupCodeIsSingleUse(t *testing.T) {
	env := newAuthEnv(t)
	env.svc.cfg.AllowMultiDevice = true
	u := env.seedUser(t, "alice", "hunter2")
	ctx := context.Background()
	require.NoError(t, env.st.SetTOTPKey(ctx, u.ID, "JBSWY3DPEHPK3PXP", []string{"abcd123456", "wxyz098765"}))
	u, err := env.st.GetUser(ctx, u.ID)
	require.NoError(t, err)

	lc := gameLogin
	lc.APIVersion = apiVersionTOTP
	first, oerr := env.svc.PasswordGrant(ctx, "alice", "hunter2", "*", lc)
	require.Nil(t, oerr)
	second, oerr := env.svc.PasswordGrant(ctx, "alice", "hunter2", "*", lc)
	require.Nil(t, oerr)

	require.NoError(t, env.svc.VerifySession(ctx, u, env.tokenOf(t, first), "abcd123456"))

	err = env.svc.VerifySession(ctx, u, env.tokenOf(t, second), "abcd123456")
	var verr *VerifyError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, reasonIncorrectKey, verr.Reason)

	require.NoError(t, env.svc.VerifySession(ctx, u, env.tokenOf(t, second), "wxyz098765"))
}

func TestReissueMailCode_RateLimitedAndStable(t *testing.T) {
	env := newAuthEnv(t)
	u := env.seedUser(t, "alice", "hunter2")
	ctx := context.Background()

	require.True(t, env.svc.ReissueMailCode(ctx, u))
	first := env.mail.lastCode(t)

	// Inside the resend window nothing goes out.
	assert.False(t, env.svc.ReissueMailCode(ctx, u))
	assert.Equal(t, 1, env.mail.count())

	// After the window the same outstanding code is resent.
	env.mr.FastForward(mailResendInterval + time.Second)
	require.True(t, env.svc.ReissueMailCode(ctx, u))
	assert.Equal(t, 2, env.mail.count())
	assert.Equal(t, first, env.mail.lastCode(t))
}

func TestRefreshGrant_RotatesTokenPair(t *testing.T) {
	env := newAuthEnv(t)
	env.seedUser(t, "alice", "hunter2")
	ctx := context.Background()

	resp, oerr := env.svc.PasswordGrant(ctx, "alice", "hunter2", "*", gameLogin)
	require.Nil(t, oerr)

	rotated, oerr := env.svc.RefreshGrant(ctx, resp.RefreshToken, gameLogin)
	require.Nil(t, oerr)
	assert.NotEqual(t, resp.AccessToken, rotated.AccessToken)
	assert.Equal(t, "*", rotated.Scope)

	// Refresh proves possession of an authenticated device, so the new
	// session needs no second factor.
	sess := env.sessionOf(t, rotated)
	assert.True(t, sess.IsVerified)

	// The old pair is gone and its refresh string is single-use.
	_, err := env.st.GetTokenByAccess(ctx, resp.AccessToken)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, oerr = env.svc.RefreshGrant(ctx, resp.RefreshToken, gameLogin)
	require.NotNil(t, oerr)
	assert.Equal(t, "invalid_grant", oerr.Code)
}

func TestRefreshGrant_ExpiredRefresh(t *testing.T) {
	env := newAuthEnv(t)
	env.seedUser(t, "alice", "hunter2")
	ctx := context.Background()

	resp, oerr := env.svc.PasswordGrant(ctx, "alice", "hunter2", "*", gameLogin)
	require.Nil(t, oerr)

	env.now = env.now.Add(25 * time.Hour)
	_, oerr = env.svc.RefreshGrant(ctx, resp.RefreshToken, gameLogin)
	require.NotNil(t, oerr)
	assert.Equal(t, "invalid_grant", oerr.Code)
}

func TestClientCredentialsGrant(t *testing.T) {
	env := newAuthEnv(t)
	bot := &store.User{Username: botUsername, Email: "bot@example.com"}
	require.NoError(t, env.st.CreateUser(context.Background(), bot))
	ctx := context.Background()

	resp, oerr := env.svc.ClientCredentialsGrant(ctx, "5", "client-secret", "public", gameLogin)
	require.Nil(t, oerr)
	assert.Equal(t, "public", resp.Scope)
	tok := env.tokenOf(t, resp)
	assert.Equal(t, bot.ID, tok.UserID)

	_, oerr = env.svc.ClientCredentialsGrant(ctx, "5", "wrong", "public", gameLogin)
	require.NotNil(t, oerr)
	assert.Equal(t, "invalid_client", oerr.Code)

	_, oerr = env.svc.ClientCredentialsGrant(ctx, "5", "client-secret", "*", gameLogin)
	require.NotNil(t, oerr)
	assert.Equal(t, "invalid_scope", oerr.Code)
}

func TestAuthCodeGrant_SingleUse(t *testing.T) {
	env := newAuthEnv(t)
	u := env.seedUser(t, "alice", "hunter2")
	ctx := context.Background()

	code, err := env.svc.StoreAuthCode(ctx, "5", u.ID, []string{"public", "identify"})
	require.NoError(t, err)
	assert.Len(t, code, 40)

	resp, oerr := env.svc.AuthCodeGrant(ctx, "5", "client-secret", code, gameLogin)
	require.Nil(t, oerr)
	assert.Equal(t, "public identify", resp.Scope)
	sess := env.sessionOf(t, resp)
	assert.True(t, sess.IsVerified)

	_, oerr = env.svc.AuthCodeGrant(ctx, "5", "client-secret", code, gameLogin)
	require.NotNil(t, oerr)
	assert.Equal(t, "invalid_grant", oerr.Code)

	_, oerr = env.svc.AuthCodeGrant(ctx, "5", "wrong", code, gameLogin)
	require.NotNil(t, oerr)
	assert.Equal(t, "invalid_client", oerr.Code)
}

func TestTOTPEnrollment_Lifecycle(t *testing.T) {
	env := newAuthEnv(t)
	u := env.seedUser(t, "alice", "hunter2")
	ctx := context.Background()

	start, err := env.svc.StartTOTPEnrollment(ctx, u.ID, u.Username)
	require.NoError(t, err)
	assert.NotEmpty(t, start.Secret)
	assert.Contains(t, start.URL, "lazer")
	assert.Contains(t, start.URL, "alice")

	// Two wrong codes count as failures, the third discards the draft.
	var verr *VerifyError
	for i := 1; i <= 2; i++ {
		_, err = env.svc.FinishTOTPEnrollment(ctx, u.ID, "000000")
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, reasonIncorrectKey, verr.Reason)
		assert.Equal(t, int64(i), env.svc.enrollmentFailures(ctx, u.ID))
	}
	_, err = env.svc.FinishTOTPEnrollment(ctx, u.ID, "000000")
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, reasonTooManyAttempts, verr.Reason)
	assert.Equal(t, int64(-1), env.svc.enrollmentFailures(ctx, u.ID))

	// Without a draft there is nothing to finish.
	_, err = env.svc.FinishTOTPEnrollment(ctx, u.ID, totpCode(t, start.Secret, env.now))
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, reasonTooManyAttempts, verr.Reason)

	// A restarted enrollment commits with the right code.
	start, err = env.svc.StartTOTPEnrollment(ctx, u.ID, u.Username)
	require.NoError(t, err)
	codes, err := env.svc.FinishTOTPEnrollment(ctx, u.ID, totpCode(t, start.Secret, env.now))
	require.NoError(t, err)
	require.Len(t, codes, backupCodeCount)
	for _, c := range codes {
		assert.Len(t, c, backupCodeLength)
	}

	u, err = env.st.GetUser(ctx, u.ID)
	require.NoError(t, err)
	assert.True(t, u.HasTOTP())
	assert.Equal(t, start.Secret, u.TOTPSecret)
}

func TestPasswordVerifier_LegacyAndCache(t *testing.T) {
	v := newPasswordVerifier()

	hash, err := HashPassword("correct horse")
	require.NoError(t, err)
	assert.True(t, v.verify(hash, "correct horse"))
	// Second call hits the md5 cache.
	assert.True(t, v.verify(hash, "correct horse"))
	assert.False(t, v.verify(hash, "battery staple"))
}

func TestRandomHelpers(t *testing.T) {
	tok, err := randomToken()
	require.NoError(t, err)
	assert.Len(t, tok, 128)

	digits, err := randomDigits(8)
	require.NoError(t, err)
	assert.Regexp(t, `^\d{8}$`, digits)

	code, err := randomBackupCode()
	require.NoError(t, err)
	assert.Regexp(t, `^[a-z0-9]{10}$`, code)
}

func TestVerifyError_Unwrap(t *testing.T) {
	err := fmt.Errorf("verifying: %w", &VerifyError{Method: "totp", Reason: reasonIncorrectKey})
	var verr *VerifyError
	assert.True(t, errors.As(err, &verr))
	assert.Equal(t, "totp", verr.Method)
}
