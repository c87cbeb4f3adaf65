package auth

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"go.uber.org/zap"

	"github.com/M1PPosu/lazer-server-sub001/internal/logging"
)

const (
	totpIssuer = "lazer"

	enrollTTL         = 5 * time.Minute
	enrollMaxFailures = 3

	backupCodeCount  = 10
	backupCodeLength = 10
)

func validTOTP(code, secret string, now time.Time) bool {
	ok, err := totp.ValidateCustom(code, secret, now, totp.ValidateOpts{
		Period:    uint(totpPeriod / time.Second),
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	return err == nil && ok
}

// EnrollmentStart is handed to the client to provision its
// authenticator app.
type EnrollmentStart struct {
	Secret string `json:"secret"`
	URL    string `json:"url"`
}

// StartTOTPEnrollment opens a draft enrollment held in Redis for five
// minutes. Restarting replaces the previous draft.
func (s *Service) StartTOTPEnrollment(ctx context.Context, userID int32, username string) (*EnrollmentStart, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      totpIssuer,
		AccountName: username,
	})
	if err != nil {
		return nil, fmt.Errorf("generating totp secret: %w", err)
	}

	err = s.bus.HSet(ctx, enrollKey(userID), map[string]string{
		"secret":   key.Secret(),
		"url":      key.URL(),
		"failures": "0",
	}, enrollTTL)
	if err != nil {
		return nil, fmt.Errorf("storing enrollment draft: %w", err)
	}

	logging.Info(ctx, "TOTP enrollment started", zap.Int32("user_id", userID))
	return &EnrollmentStart{Secret: key.Secret(), URL: key.URL()}, nil
}

// FinishTOTPEnrollment commits the draft once the user proves they hold
// the secret. Three wrong codes discard the draft. On success ten fresh
// single-use backup codes are returned; they are shown exactly once.
func (s *Service) FinishTOTPEnrollment(ctx context.Context, userID int32, code string) ([]string, error) {
	key := enrollKey(userID)
	draft, err := s.bus.HGetAll(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("loading enrollment draft: %w", err)
	}
	if len(draft) == 0 {
		return nil, &VerifyError{Method: "totp", Reason: reasonTooManyAttempts}
	}

	if !validTOTP(code, draft["secret"], s.now()) {
		failures, ierr := s.bus.HIncrBy(ctx, key, "failures", 1)
		if ierr != nil {
			return nil, fmt.Errorf("counting enrollment failure: %w", ierr)
		}
		if failures >= enrollMaxFailures {
			if derr := s.bus.Del(ctx, key); derr != nil {
				logging.Warn(ctx, "Discarding enrollment draft failed", zap.Error(derr))
			}
			logging.Info(ctx, "TOTP enrollment discarded",
				zap.Int32("user_id", userID), zap.Int64("failures", failures))
			return nil, &VerifyError{Method: "totp", Reason: reasonTooManyAttempts}
		}
		return nil, &VerifyError{Method: "totp", Reason: reasonIncorrectKey}
	}

	codes := make([]string, backupCodeCount)
	for i := range codes {
		codes[i], err = randomBackupCode()
		if err != nil {
			return nil, err
		}
	}
	if err := s.st.SetTOTPKey(ctx, userID, draft["secret"], codes); err != nil {
		return nil, fmt.Errorf("storing totp key: %w", err)
	}
	if err := s.bus.Del(ctx, key); err != nil {
		logging.Warn(ctx, "Clearing enrollment draft failed", zap.Error(err))
	}

	logging.Info(ctx, "TOTP enrollment finished", zap.Int32("user_id", userID))
	return codes, nil
}

// enrollmentFailures is exposed for tests.
func (s *Service) enrollmentFailures(ctx context.Context, userID int32) int64 {
	draft, err := s.bus.HGetAll(ctx, enrollKey(userID))
	if err != nil || len(draft) == 0 {
		return -1
	}
	n, _ := strconv.ParseInt(draft["failures"], 10, 64)
	return n
}
