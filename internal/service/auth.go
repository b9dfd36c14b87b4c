package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tubelens/outlierd/internal/domain"
	"github.com/tubelens/outlierd/internal/store"
	"github.com/tubelens/outlierd/pkg/cryptox"
	"github.com/tubelens/outlierd/pkg/idx"
	"github.com/tubelens/outlierd/pkg/jwtx"
	"github.com/tubelens/outlierd/pkg/slogx"
)

const (
	// maxFailedLogins is the consecutive-failure threshold that triggers an
	// account lockout.
	maxFailedLogins = 5

	// lockoutDuration is how long a locked account rejects all logins.
	lockoutDuration = 30 * time.Minute

	// pendingSessionTTL bounds the gap between a password-valid login and
	// the follow-up 2FA code submission.
	pendingSessionTTL = 5 * time.Minute

	minPasswordLength = 8
)

var (
	ErrInvalidCredentials  = errors.New("invalid username or password")
	ErrAccountLocked       = errors.New("account temporarily locked")
	ErrSessionNotFound     = errors.New("2FA session not found")
	ErrSessionExpired      = errors.New("2FA session expired")
	ErrInvalidRefreshToken = errors.New("invalid refresh token")
	ErrUsernameTaken       = errors.New("username already registered")
	ErrEmailTaken          = errors.New("email already registered")
	ErrWeakPassword        = errors.New("password does not meet minimum length")
	ErrInvalidEmail        = errors.New("invalid email address")
)

// LoginResult is the outcome of a successful (or partially successful)
// login. Exactly one of Tokens or TwoFactor is set: Tokens when fully
// authenticated, TwoFactor when a 2FA code is still required.
type LoginResult struct {
	User      domain.User
	Tokens    *domain.TokenPair
	TwoFactor *domain.TwoFactorRequiredResponse
}

// AuthService owns credential verification, the failed-login lockout, the
// pending-2FA handoff, and token issuance.
type AuthService struct {
	Store     store.Store
	Signer    *jwtx.Signer
	TwoFactor *TwoFactorService
	Issuer    string

	AccessTTL  time.Duration
	RefreshTTL time.Duration

	now func() time.Time
}

func NewAuthService(st store.Store, signer *jwtx.Signer, twoFactor *TwoFactorService, issuer string) *AuthService {
	return &AuthService{
		Store:      st,
		Signer:     signer,
		TwoFactor:  twoFactor,
		Issuer:     issuer,
		AccessTTL:  jwtx.DefaultAccessTokenTTL,
		RefreshTTL: jwtx.DefaultRefreshTokenTTL,
		now:        time.Now,
	}
}

// Register creates a new account with the default role and signs the user
// in immediately.
func (s *AuthService) Register(ctx context.Context, username, email, password string) (LoginResult, error) {
	username = strings.TrimSpace(username)
	email = strings.TrimSpace(strings.ToLower(email))

	if username == "" || email == "" {
		return LoginResult{}, ErrInvalidCredentials
	}
	if !strings.Contains(email, "@") {
		return LoginResult{}, ErrInvalidEmail
	}
	if len(password) < minPasswordLength {
		return LoginResult{}, ErrWeakPassword
	}

	if _, err := s.Store.Users().GetUserByUsername(ctx, username); err == nil {
		return LoginResult{}, ErrUsernameTaken
	} else if !errors.Is(err, store.ErrNotFound) {
		return LoginResult{}, fmt.Errorf("failed to check username: %w", err)
	}
	if _, err := s.Store.Users().GetUserByEmail(ctx, email); err == nil {
		return LoginResult{}, ErrEmailTaken
	} else if !errors.Is(err, store.ErrNotFound) {
		return LoginResult{}, fmt.Errorf("failed to check email: %w", err)
	}

	hash, err := cryptox.HashPassword(password)
	if err != nil {
		return LoginResult{}, fmt.Errorf("failed to hash password: %w", err)
	}

	user := domain.User{
		ID:           idx.New().String(),
		Username:     username,
		Email:        email,
		PasswordHash: hash,
		Role:         domain.RoleUser,
	}
	if err := s.Store.Users().CreateUser(ctx, user); err != nil {
		return LoginResult{}, fmt.Errorf("failed to create user: %w", err)
	}

	tokens, err := s.issueTokens(ctx, user, true)
	if err != nil {
		return LoginResult{}, err
	}
	return LoginResult{User: user, Tokens: &tokens}, nil
}

// Login runs the per-attempt state machine:
// CredentialCheck -> {Locked, Rejected, TwoFactorRequired, Authenticated}.
// Unknown usernames and wrong passwords are indistinguishable to the caller.
func (s *AuthService) Login(ctx context.Context, username, password, totpCode string) (LoginResult, error) {
	user, err := s.Store.Users().GetUserByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return LoginResult{}, ErrInvalidCredentials
		}
		return LoginResult{}, fmt.Errorf("failed to load user: %w", err)
	}

	now := s.now().UTC()
	if user.Locked(now) {
		return LoginResult{}, ErrAccountLocked
	}

	if err := cryptox.VerifyPassword(password, user.PasswordHash); err != nil {
		if errors.Is(err, cryptox.ErrPasswordMismatch) {
			if err := s.registerFailedLogin(ctx, user, now); err != nil {
				return LoginResult{}, err
			}
			return LoginResult{}, ErrInvalidCredentials
		}
		return LoginResult{}, fmt.Errorf("failed to verify password: %w", err)
	}

	if cryptox.IsLegacyHash(user.PasswordHash) {
		// The plaintext just verified, so upgrade in place. A failed write
		// leaves the legacy hash behind for the next login; it never blocks
		// this one.
		if hash, err := cryptox.HashPassword(password); err != nil {
			slogx.FromContext(ctx).Error("failed to re-hash legacy password",
				"user_id", user.ID, "error", err)
		} else if err := s.Store.Users().UpdatePasswordHash(ctx, user.ID, hash); err != nil {
			slogx.FromContext(ctx).Error("failed to store upgraded password hash",
				"user_id", user.ID, "error", err)
		} else {
			slogx.FromContext(ctx).Info("legacy password hash upgraded to bcrypt",
				"user_id", user.ID)
		}
	}

	if !user.TwoFactorEnabled {
		if err := s.resetLoginState(ctx, user); err != nil {
			return LoginResult{}, err
		}
		tokens, err := s.issueTokens(ctx, user, true)
		if err != nil {
			return LoginResult{}, err
		}
		return LoginResult{User: user, Tokens: &tokens}, nil
	}

	if totpCode == "" {
		session := domain.PendingTwoFactorSession{
			UserID:    user.ID,
			CreatedAt: now,
			ExpiresAt: now.Add(pendingSessionTTL),
		}
		session.ID, err = cryptox.GenerateToken(cryptox.TokenSize256)
		if err != nil {
			return LoginResult{}, fmt.Errorf("failed to generate session id: %w", err)
		}
		if err := s.Store.PendingSessions().Create(ctx, session); err != nil {
			return LoginResult{}, fmt.Errorf("failed to create pending session: %w", err)
		}
		return LoginResult{
			User: user,
			TwoFactor: &domain.TwoFactorRequiredResponse{
				RequiresTwoFactor: true,
				SessionID:         session.ID,
			},
		}, nil
	}

	if err := s.TwoFactor.Verify(ctx, user.ID, totpCode); err != nil {
		if errors.Is(err, ErrRateLimited) {
			return LoginResult{}, err
		}
		if errors.Is(err, ErrInvalidCode) {
			if err := s.registerFailedLogin(ctx, user, now); err != nil {
				return LoginResult{}, err
			}
			return LoginResult{}, ErrInvalidCredentials
		}
		return LoginResult{}, err
	}

	if err := s.resetLoginState(ctx, user); err != nil {
		return LoginResult{}, err
	}
	tokens, err := s.issueTokens(ctx, user, true)
	if err != nil {
		return LoginResult{}, err
	}
	return LoginResult{User: user, Tokens: &tokens}, nil
}

// CompleteTwoFactorLogin redeems a pending session with a TOTP or backup
// code. The session is consumed by a successful verify; expired sessions
// are deleted and reported as expired.
func (s *AuthService) CompleteTwoFactorLogin(ctx context.Context, sessionID, code string) (LoginResult, error) {
	session, err := s.Store.PendingSessions().Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return LoginResult{}, ErrSessionNotFound
		}
		return LoginResult{}, fmt.Errorf("failed to load pending session: %w", err)
	}

	now := s.now().UTC()
	if session.Expired(now) {
		_ = s.Store.PendingSessions().Delete(ctx, sessionID)
		return LoginResult{}, ErrSessionExpired
	}

	user, err := s.Store.Users().GetUserByID(ctx, session.UserID)
	if err != nil {
		return LoginResult{}, fmt.Errorf("failed to load user: %w", err)
	}

	if err := s.TwoFactor.Verify(ctx, user.ID, code); err != nil {
		return LoginResult{}, err
	}

	// Single use: consumed only by a successful verify. A concurrent
	// completion that deleted it first keeps its tokens; this one gets none.
	if err := s.Store.PendingSessions().Delete(ctx, sessionID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return LoginResult{}, ErrSessionNotFound
		}
		return LoginResult{}, fmt.Errorf("failed to consume pending session: %w", err)
	}

	if err := s.resetLoginState(ctx, user); err != nil {
		return LoginResult{}, err
	}
	tokens, err := s.issueTokens(ctx, user, true)
	if err != nil {
		return LoginResult{}, err
	}
	return LoginResult{User: user, Tokens: &tokens}, nil
}

// Refresh rotates a refresh token: the presented token is revoked and a new
// pair is issued carrying the same 2FA-verified state.
func (s *AuthService) Refresh(ctx context.Context, refreshToken string) (domain.TokenPair, error) {
	claims, err := s.Signer.Parse(refreshToken, jwtx.KindRefresh)
	if err != nil {
		return domain.TokenPair{}, ErrInvalidRefreshToken
	}

	hash := cryptox.FingerprintToken(refreshToken)
	record, err := s.Store.RefreshTokens().GetByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.TokenPair{}, ErrInvalidRefreshToken
		}
		return domain.TokenPair{}, fmt.Errorf("failed to load refresh token: %w", err)
	}

	now := s.now().UTC()
	if record.Revoked || record.ExpiresAt.Before(now) {
		return domain.TokenPair{}, ErrInvalidRefreshToken
	}

	user, err := s.Store.Users().GetUserByID(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.TokenPair{}, ErrInvalidRefreshToken
		}
		return domain.TokenPair{}, fmt.Errorf("failed to load user: %w", err)
	}

	var pair domain.TokenPair
	err = s.Store.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.RefreshTokens().Revoke(ctx, hash); err != nil {
			return fmt.Errorf("failed to revoke refresh token: %w", err)
		}
		pair, err = s.issueTokensIn(ctx, tx, user, record.TwoFactorVerified)
		return err
	})
	if err != nil {
		return domain.TokenPair{}, err
	}
	return pair, nil
}

// Logout revokes the presented refresh token. Unknown tokens are a no-op.
func (s *AuthService) Logout(ctx context.Context, refreshToken string) error {
	hash := cryptox.FingerprintToken(refreshToken)
	if err := s.Store.RefreshTokens().Revoke(ctx, hash); err != nil {
		return fmt.Errorf("failed to revoke refresh token: %w", err)
	}
	return nil
}

// InvalidateAllSessions revokes every refresh token for the user. Called
// whenever 2FA is enabled or disabled so stale sessions cannot bypass the
// changed requirement.
func (s *AuthService) InvalidateAllSessions(ctx context.Context, userID string) error {
	if err := s.Store.RefreshTokens().DeleteAllForUser(ctx, userID); err != nil {
		return fmt.Errorf("failed to delete refresh tokens: %w", err)
	}
	return nil
}

// registerFailedLogin bumps the failure counter and locks the account when
// the threshold is reached.
func (s *AuthService) registerFailedLogin(ctx context.Context, user domain.User, now time.Time) error {
	attempts := user.FailedLoginAttempts + 1

	var lockedUntil *time.Time
	if attempts >= maxFailedLogins {
		until := now.Add(lockoutDuration)
		lockedUntil = &until
		slogx.FromContext(ctx).Warn("account locked after repeated failed logins",
			"user_id", user.ID, "locked_until", until)
	}

	if err := s.Store.Users().UpdateLoginState(ctx, user.ID, attempts, lockedUntil); err != nil {
		return fmt.Errorf("failed to record failed login: %w", err)
	}
	return nil
}

func (s *AuthService) resetLoginState(ctx context.Context, user domain.User) error {
	if user.FailedLoginAttempts == 0 && user.LockedUntil == nil {
		return nil
	}
	if err := s.Store.Users().UpdateLoginState(ctx, user.ID, 0, nil); err != nil {
		return fmt.Errorf("failed to reset login state: %w", err)
	}
	return nil
}

func (s *AuthService) issueTokens(ctx context.Context, user domain.User, twoFactorVerified bool) (domain.TokenPair, error) {
	return s.issueTokensIn(ctx, s.Store, user, twoFactorVerified)
}

// issueTokensIn signs an access/refresh pair and records the refresh
// token's fingerprint through st, which may be a transaction.
func (s *AuthService) issueTokensIn(ctx context.Context, st store.Store, user domain.User, twoFactorVerified bool) (domain.TokenPair, error) {
	now := s.now().UTC()

	access, err := s.Signer.Sign(jwtx.NewClaims(
		jwtx.KindAccess, user.ID, user.Username, user.Role,
		twoFactorVerified, s.AccessTTL, s.Issuer, now,
	))
	if err != nil {
		return domain.TokenPair{}, fmt.Errorf("failed to sign access token: %w", err)
	}

	refresh, err := s.Signer.Sign(jwtx.NewClaims(
		jwtx.KindRefresh, user.ID, user.Username, user.Role,
		twoFactorVerified, s.RefreshTTL, s.Issuer, now,
	))
	if err != nil {
		return domain.TokenPair{}, fmt.Errorf("failed to sign refresh token: %w", err)
	}

	record := domain.RefreshToken{
		ID:                idx.New().String(),
		UserID:            user.ID,
		TokenHash:         cryptox.FingerprintToken(refresh),
		TwoFactorVerified: twoFactorVerified,
		ExpiresAt:         now.Add(s.RefreshTTL),
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := st.RefreshTokens().Create(ctx, record); err != nil {
		return domain.TokenPair{}, fmt.Errorf("failed to store refresh token: %w", err)
	}

	return domain.TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "Bearer",
		ExpiresIn:    int64(s.AccessTTL.Seconds()),
	}, nil
}
