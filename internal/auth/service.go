package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/inreelio/backend/internal/models"
)

// CredentialStatus is the outcome of an EnsureCredential call.
type CredentialStatus string

const (
	// CredentialEnrolled means the account had no password and this one
	// was adopted, first-write-wins. Deliberate low-friction onboarding.
	CredentialEnrolled CredentialStatus = "enrolled"
	CredentialVerified CredentialStatus = "verified"
	CredentialRejected CredentialStatus = "rejected"
)

var (
	// ErrInvalidCredentials is returned by Login on a rejected password.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrResetTokenInvalid is returned when no matching reset token exists.
	ErrResetTokenInvalid = errors.New("reset token invalid")
	// ErrResetTokenExpired is returned when the reset token has expired.
	ErrResetTokenExpired = errors.New("reset token expired")
)

// scrypt parameters for credential hashes. Salt and derived key are
// stored hex-encoded on the account record.
const (
	scryptN      = 32768
	scryptR      = 8
	scryptP      = 1
	scryptKeyLen = 64
	saltBytes    = 16
)

const (
	tokenTTL      = 24 * time.Hour
	resetTokenTTL = time.Hour
)

// AccountStore is the account persistence interface the auth service
// needs. Credentials live on the credit account record.
type AccountStore interface {
	Get(ctx context.Context, email string) (*models.CreditAccount, error)
	SetCredential(ctx context.Context, email, hash, salt string) error
	SetResetToken(ctx context.Context, email, hash, salt string, expires time.Time) error
	ReplaceCredential(ctx context.Context, email, hash, salt string) error
}

// Notifier delivers the password-reset link. Best-effort: a delivery
// failure must not fail the reset request itself.
type Notifier interface {
	SendPasswordReset(ctx context.Context, email, resetURL string) error
}

type Service interface {
	EnsureCredential(ctx context.Context, email, password string) (CredentialStatus, error)
	Login(ctx context.Context, email, password string) (string, error)
	IssueToken(ctx context.Context, email string) (string, error)
	ValidateToken(ctx context.Context, token string) (string, error)
	RequestPasswordReset(ctx context.Context, email, returnHost string) (sent bool, err error)
	ConfirmPasswordReset(ctx context.Context, email, token, newPassword string) error
}

type service struct {
	store    AccountStore
	notifier Notifier
	secret   []byte
	host     string
}

// NewService returns the auth service. host is the public frontend host
// used in password-reset links when the request doesn't carry one.
func NewService(store AccountStore, notifier Notifier, secret, host string) Service {
	return &service{store: store, notifier: notifier, secret: []byte(secret), host: host}
}

var _ Service = (*service)(nil)

// EnsureCredential verifies the password against the account's stored
// hash. An account without a credential adopts the offered password
// (enrollment) instead of rejecting it.
func (s *service) EnsureCredential(ctx context.Context, email, password string) (CredentialStatus, error) {
	if email == "" || password == "" {
		return CredentialRejected, nil
	}
	acc, err := s.store.Get(ctx, email)
	if err != nil {
		return CredentialRejected, err
	}
	if !acc.HasCredential() {
		hash, salt, err := hashSecret(password)
		if err != nil {
			return CredentialRejected, err
		}
		if err := s.store.SetCredential(ctx, email, hash, salt); err != nil {
			return CredentialRejected, err
		}
		return CredentialEnrolled, nil
	}
	if verifySecret(password, *acc.PasswordSalt, *acc.PasswordHash) {
		return CredentialVerified, nil
	}
	return CredentialRejected, nil
}

// Login ensures the credential and issues a session token.
func (s *service) Login(ctx context.Context, email, password string) (string, error) {
	status, err := s.EnsureCredential(ctx, email, password)
	if err != nil {
		return "", err
	}
	if status == CredentialRejected {
		return "", ErrInvalidCredentials
	}
	return s.issueToken(email)
}

// IssueToken signs a session token for an email whose credential the
// caller has already checked. Never call it with an unverified email.
func (s *service) IssueToken(_ context.Context, email string) (string, error) {
	return s.issueToken(email)
}

func (s *service) issueToken(email string) (string, error) {
	claims := jwt.RegisteredClaims{
		Subject:   email,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(tokenTTL)),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return tok.SignedString(s.secret)
}

// ValidateToken returns the email the token was issued for.
func (s *service) ValidateToken(ctx context.Context, token string) (string, error) {
	tok, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{}, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	})
	if err != nil {
		return "", err
	}
	claims, ok := tok.Claims.(*jwt.RegisteredClaims)
	if !ok || !tok.Valid || claims.Subject == "" {
		return "", errors.New("invalid token")
	}
	return claims.Subject, nil
}

// RequestPasswordReset stores a hashed one-hour reset token and mails
// the reset link. Returns sent=false (and no error) when delivery
// fails; the token is still valid.
func (s *service) RequestPasswordReset(ctx context.Context, email, returnHost string) (bool, error) {
	if email == "" {
		return false, errors.New("email required")
	}
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return false, err
	}
	token := hex.EncodeToString(raw)
	hash, salt, err := hashSecret(token)
	if err != nil {
		return false, err
	}
	if err := s.store.SetResetToken(ctx, email, hash, salt, time.Now().Add(resetTokenTTL)); err != nil {
		return false, err
	}

	host := strings.TrimSuffix(returnHost, "/")
	if host == "" {
		host = strings.TrimSuffix(s.host, "/")
	}
	resetURL := fmt.Sprintf("%s/?reset=true&email=%s&token=%s", host, url.QueryEscape(email), url.QueryEscape(token))
	if s.notifier == nil {
		return false, nil
	}
	if err := s.notifier.SendPasswordReset(ctx, email, resetURL); err != nil {
		return false, nil
	}
	return true, nil
}

// ConfirmPasswordReset verifies the reset token and swaps the
// credential, clearing the token.
func (s *service) ConfirmPasswordReset(ctx context.Context, email, token, newPassword string) error {
	if email == "" || token == "" || newPassword == "" {
		return errors.New("email, token and new password required")
	}
	acc, err := s.store.Get(ctx, email)
	if err != nil {
		return err
	}
	if acc.ResetTokenHash == nil || acc.ResetTokenSalt == nil || acc.ResetTokenExpires == nil {
		return ErrResetTokenInvalid
	}
	if time.Now().After(*acc.ResetTokenExpires) {
		return ErrResetTokenExpired
	}
	if !verifySecret(token, *acc.ResetTokenSalt, *acc.ResetTokenHash) {
		return ErrResetTokenInvalid
	}
	hash, salt, err := hashSecret(newPassword)
	if err != nil {
		return err
	}
	return s.store.ReplaceCredential(ctx, email, hash, salt)
}

func hashSecret(secret string) (hash, salt string, err error) {
	raw := make([]byte, saltBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", "", err
	}
	salt = hex.EncodeToString(raw)
	key, err := deriveKey(secret, salt)
	if err != nil {
		return "", "", err
	}
	return hex.EncodeToString(key), salt, nil
}

func verifySecret(secret, salt, hash string) bool {
	key, err := deriveKey(secret, salt)
	if err != nil {
		return false
	}
	want, err := hex.DecodeString(hash)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(key, want) == 1
}
