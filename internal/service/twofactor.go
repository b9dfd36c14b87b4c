package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/tubelens/outlierd/internal/domain"
	"github.com/tubelens/outlierd/internal/store"
	"github.com/tubelens/outlierd/pkg/cryptox"
)

var (
	ErrInvalidCode             = errors.New("invalid verification code")
	ErrRateLimited             = errors.New("too many failed verification attempts")
	ErrTwoFactorNotEnabled     = errors.New("2FA not enabled for this user")
	ErrTwoFactorAlreadyEnabled = errors.New("2FA already enabled for this user")
)

// totpOpts is the shared validation profile: 30s step, 6 digits, one step
// of tolerance either side to absorb clock drift.
var totpOpts = totp.ValidateOpts{
	Period:    30,
	Skew:      1,
	Digits:    otp.DigitsSix,
	Algorithm: otp.AlgorithmSHA1,
}

// TwoFactorService owns the per-user 2FA lifecycle: Disabled -> secret
// issued but unpersisted -> Enabled, and back to Disabled via an explicit
// password-confirmed disable.
type TwoFactorService struct {
	Store  store.Store
	Vault  *cryptox.Vault
	Issuer string // e.g. "TubeLens"

	limiter *verifyLimiter
	now     func() time.Time
}

func NewTwoFactorService(st store.Store, vault *cryptox.Vault, issuer string) *TwoFactorService {
	return &TwoFactorService{
		Store:   st,
		Vault:   vault,
		Issuer:  issuer,
		limiter: newVerifyLimiter(time.Now),
		now:     time.Now,
	}
}

// Setup generates a fresh TOTP secret and backup-code batch and returns them
// WITHOUT persisting anything. The client must echo the secret and codes
// back through Enable once the user has confirmed a code from their
// authenticator.
func (s *TwoFactorService) Setup(ctx context.Context, userID string) (domain.TwoFactorSetupResponse, error) {
	user, err := s.Store.Users().GetUserByID(ctx, userID)
	if err != nil {
		return domain.TwoFactorSetupResponse{}, fmt.Errorf("failed to load user: %w", err)
	}
	if user.TwoFactorEnabled {
		return domain.TwoFactorSetupResponse{}, ErrTwoFactorAlreadyEnabled
	}

	secret, err := cryptox.GenerateTOTPSecret()
	if err != nil {
		return domain.TwoFactorSetupResponse{}, fmt.Errorf("failed to generate TOTP secret: %w", err)
	}

	codes, err := cryptox.GenerateBackupCodes(cryptox.DefaultBackupCodeCount, cryptox.DefaultBackupCodeLength)
	if err != nil {
		return domain.TwoFactorSetupResponse{}, fmt.Errorf("failed to generate backup codes: %w", err)
	}

	return domain.TwoFactorSetupResponse{
		Secret:      secret,
		QRPayload:   provisioningURI(s.Issuer, user.Username, secret),
		BackupCodes: codes,
		Issuer:      s.Issuer,
		Account:     user.Username,
	}, nil
}

// Enable verifies the code against the setup secret and, on success,
// atomically persists the encrypted secret and backup codes and revokes all
// outstanding refresh tokens so stale sessions cannot bypass the new 2FA
// requirement.
func (s *TwoFactorService) Enable(ctx context.Context, userID, secret, code string, backupCodes []string) error {
	user, err := s.Store.Users().GetUserByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to load user: %w", err)
	}
	if user.TwoFactorEnabled {
		return ErrTwoFactorAlreadyEnabled
	}

	if !s.validateTOTP(code, secret) {
		return ErrInvalidCode
	}

	encryptedSecret, err := s.Vault.EncryptString(secret)
	if err != nil {
		return fmt.Errorf("failed to encrypt TOTP secret: %w", err)
	}
	encryptedCodes, err := s.encryptBackupCodes(backupCodes)
	if err != nil {
		return err
	}

	return s.Store.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.Users().EnableTwoFactor(ctx, userID, encryptedSecret, encryptedCodes); err != nil {
			return fmt.Errorf("failed to enable 2FA: %w", err)
		}
		if err := tx.RefreshTokens().DeleteAllForUser(ctx, userID); err != nil {
			return fmt.Errorf("failed to invalidate sessions: %w", err)
		}
		return nil
	})
}

// Disable requires password re-confirmation, then clears all 2FA fields and
// revokes outstanding refresh tokens.
func (s *TwoFactorService) Disable(ctx context.Context, userID, password string) error {
	user, err := s.Store.Users().GetUserByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to load user: %w", err)
	}
	if !user.TwoFactorEnabled {
		return ErrTwoFactorNotEnabled
	}

	if err := cryptox.VerifyPassword(password, user.PasswordHash); err != nil {
		if errors.Is(err, cryptox.ErrPasswordMismatch) {
			return ErrInvalidCredentials
		}
		return fmt.Errorf("failed to verify password: %w", err)
	}

	err = s.Store.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.Users().DisableTwoFactor(ctx, userID); err != nil {
			return fmt.Errorf("failed to disable 2FA: %w", err)
		}
		if err := tx.RefreshTokens().DeleteAllForUser(ctx, userID); err != nil {
			return fmt.Errorf("failed to invalidate sessions: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.limiter.Reset(userID)
	return nil
}

// Verify checks a submitted code against the user's TOTP secret, falling
// back to the unused backup codes. Backup codes are single use. Failed
// attempts count toward the per-user rate limit; success resets it.
func (s *TwoFactorService) Verify(ctx context.Context, userID, code string) error {
	user, err := s.Store.Users().GetUserByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to load user: %w", err)
	}
	if !user.TwoFactorEnabled || user.TwoFactorSecret == nil {
		return ErrTwoFactorNotEnabled
	}

	if !s.limiter.Allowed(userID) {
		return ErrRateLimited
	}

	secret, err := s.Vault.DecryptString(*user.TwoFactorSecret)
	if err != nil {
		return fmt.Errorf("failed to decrypt TOTP secret: %w", err)
	}

	if s.validateTOTP(code, secret) {
		s.limiter.Reset(userID)
		return nil
	}

	matched, err := s.matchBackupCode(ctx, user, code)
	if err != nil {
		return err
	}
	if matched {
		s.limiter.Reset(userID)
		return nil
	}

	s.limiter.RecordFailure(userID)
	return ErrInvalidCode
}

// RegenerateBackupCodes replaces the backup-code batch and clears the used
// set. The new plaintext codes are returned for one-time display.
func (s *TwoFactorService) RegenerateBackupCodes(ctx context.Context, userID string) ([]string, error) {
	user, err := s.Store.Users().GetUserByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	if !user.TwoFactorEnabled {
		return nil, ErrTwoFactorNotEnabled
	}

	codes, err := cryptox.GenerateBackupCodes(cryptox.DefaultBackupCodeCount, cryptox.DefaultBackupCodeLength)
	if err != nil {
		return nil, fmt.Errorf("failed to generate backup codes: %w", err)
	}
	encryptedCodes, err := s.encryptBackupCodes(codes)
	if err != nil {
		return nil, err
	}

	if err := s.Store.Users().ReplaceBackupCodes(ctx, userID, encryptedCodes); err != nil {
		return nil, fmt.Errorf("failed to store backup codes: %w", err)
	}
	return codes, nil
}

// BackupCodeStatus reports how many backup codes remain usable.
func (s *TwoFactorService) BackupCodeStatus(ctx context.Context, userID string) (domain.BackupCodeStatus, error) {
	user, err := s.Store.Users().GetUserByID(ctx, userID)
	if err != nil {
		return domain.BackupCodeStatus{}, fmt.Errorf("failed to load user: %w", err)
	}
	if !user.TwoFactorEnabled || user.BackupCodes == nil {
		return domain.BackupCodeStatus{}, ErrTwoFactorNotEnabled
	}

	codes, err := s.decryptBackupCodes(*user.BackupCodes)
	if err != nil {
		return domain.BackupCodeStatus{}, err
	}

	used := len(user.UsedBackupCodes)
	return domain.BackupCodeStatus{
		Total:     len(codes),
		Used:      used,
		Remaining: len(codes) - used,
	}, nil
}

func (s *TwoFactorService) validateTOTP(code, secret string) bool {
	ok, err := totp.ValidateCustom(code, secret, s.now().UTC(), totpOpts)
	return err == nil && ok
}

// matchBackupCode compares the submitted code against every unused backup
// code in constant time. A hit is recorded in the used set before reporting
// success so the code cannot be replayed; a concurrent consumer losing the
// guarded write is treated as a plain miss.
func (s *TwoFactorService) matchBackupCode(ctx context.Context, user domain.User, code string) (bool, error) {
	if user.BackupCodes == nil {
		return false, nil
	}

	codes, err := s.decryptBackupCodes(*user.BackupCodes)
	if err != nil {
		return false, err
	}

	used := make(map[string]struct{}, len(user.UsedBackupCodes))
	for _, u := range user.UsedBackupCodes {
		used[u] = struct{}{}
	}

	for _, candidate := range codes {
		if _, consumed := used[candidate]; consumed {
			continue
		}
		if cryptox.ConstantTimeEquals(code, candidate) {
			if err := s.Store.Users().ConsumeBackupCode(ctx, user.ID, candidate); err != nil {
				if errors.Is(err, store.ErrAlreadyExists) {
					return false, nil
				}
				return false, fmt.Errorf("failed to consume backup code: %w", err)
			}
			return true, nil
		}
	}
	return false, nil
}

func (s *TwoFactorService) encryptBackupCodes(codes []string) (string, error) {
	raw, err := json.Marshal(codes)
	if err != nil {
		return "", fmt.Errorf("failed to encode backup codes: %w", err)
	}
	encrypted, err := s.Vault.EncryptString(string(raw))
	if err != nil {
		return "", fmt.Errorf("failed to encrypt backup codes: %w", err)
	}
	return encrypted, nil
}

func (s *TwoFactorService) decryptBackupCodes(encrypted string) ([]string, error) {
	raw, err := s.Vault.DecryptString(encrypted)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt backup codes: %w", err)
	}
	var codes []string
	if err := json.Unmarshal([]byte(raw), &codes); err != nil {
		return nil, fmt.Errorf("failed to decode backup codes: %w", err)
	}
	return codes, nil
}

// provisioningURI builds the otpauth:// URI clients render as a QR code.
func provisioningURI(issuer, account, secret string) string {
	v := url.Values{}
	v.Set("secret", secret)
	v.Set("issuer", issuer)
	v.Set("period", "30")
	v.Set("digits", "6")

	u := url.URL{
		Scheme:   "otpauth",
		Host:     "totp",
		Path:     "/" + issuer + ":" + account,
		RawQuery: v.Encode(),
	}
	return u.String()
}
