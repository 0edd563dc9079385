// Package auth provides JWT-based authentication. Tokens are
// optional on most routes: an absent or invalid token downgrades the
// request to anonymous, and the access rules downstream decide what
// an anonymous requester may see.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/justfiles/justfiles/internal/logging"
	"github.com/justfiles/justfiles/internal/metrics"
	"github.com/justfiles/justfiles/internal/quota"
)

type contextKey string

const accountContextKey contextKey = "account"

const tokenTTL = 30 * 24 * time.Hour

const minPasswordLen = 8

// Claims holds JWT token claims.
type Claims struct {
	AccountID string `json:"uid"`
	Email     string `json:"email"`
	IsAdmin   bool   `json:"is_admin"`
	jwt.RegisteredClaims
}

// Credential is a stored login: the account's email plus its bcrypt
// password hash.
type Credential struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	IsAdmin      bool      `json:"is_admin"`
	CreatedAt    time.Time `json:"created_at"`
}

// CredentialStore persists credentials.
type CredentialStore interface {
	Create(ctx context.Context, c *Credential) error
	GetByEmail(ctx context.Context, email string) (*Credential, error)
	GetByID(ctx context.Context, id string) (*Credential, error)
	SetPassword(ctx context.Context, id, passwordHash string) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]*Credential, error)
}

// ErrEmailTaken is returned when registering an email that already
// has an account.
var ErrEmailTaken = errors.New("email already registered")

// Auth handles login, registration and token validation.
type Auth struct {
	creds        CredentialStore
	ledger       quota.Ledger
	secret       []byte
	oidc         *OIDCProvider
	defaultLimit int64
}

// New creates an Auth handler. defaultLimit is the storage limit
// assigned to newly registered accounts.
func New(creds CredentialStore, ledger quota.Ledger, jwtSecret string, defaultLimit int64) *Auth {
	return &Auth{
		creds:        creds,
		ledger:       ledger,
		secret:       []byte(jwtSecret),
		defaultLimit: defaultLimit,
	}
}

// Middleware attaches claims to the context when the request carries
// a valid token. Requests without one, or with a stale or garbage
// token, continue as anonymous.
func (a *Auth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenStr := extractToken(r)
		if tokenStr == "" {
			next.ServeHTTP(w, r)
			return
		}

		claims, err := a.validateToken(tokenStr)
		if err != nil && a.oidc != nil {
			claims, err = a.oidc.ValidateToken(r.Context(), tokenStr)
		}
		if err != nil {
			metrics.RecordAuthAttempt(false)
			logging.Debug("token rejected, continuing as anonymous", zap.Error(err))
			next.ServeHTTP(w, r)
			return
		}

		ctx := context.WithValue(r.Context(), accountContextKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireAuth wraps a handler that refuses anonymous requests.
func RequireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if GetClaims(r.Context()) == nil {
			sendAuthError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		next(w, r)
	}
}

// RequireAdmin wraps a handler that only admins may call.
func RequireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims := GetClaims(r.Context())
		if claims == nil {
			sendAuthError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		if !claims.IsAdmin {
			logging.Security("non-admin hit admin route",
				zap.String("account_id", claims.AccountID),
				zap.String("path", r.URL.Path))
			sendAuthError(w, http.StatusForbidden, "access denied")
			return
		}
		next(w, r)
	}
}

// GetClaims extracts claims from the request context, nil when
// anonymous.
func GetClaims(ctx context.Context) *Claims {
	claims, _ := ctx.Value(accountContextKey).(*Claims)
	return claims
}

// WithClaims injects claims into a context.
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, accountContextKey, claims)
}

// Identity returns the requesting account's ID, "" when anonymous.
func Identity(ctx context.Context) string {
	if claims := GetClaims(ctx); claims != nil {
		return claims.AccountID
	}
	return ""
}

// HandleLogin handles POST /api/auth/login.
func (a *Auth) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		metrics.RecordAuthAttempt(false)
		sendAuthError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Email == "" || req.Password == "" {
		metrics.RecordAuthAttempt(false)
		sendAuthError(w, http.StatusBadRequest, "email and password required")
		return
	}

	cred, err := a.creds.GetByEmail(r.Context(), req.Email)
	if err != nil {
		metrics.RecordAuthAttempt(false)
		logging.Warn("login failed: unknown email", zap.String("email", req.Email))
		sendAuthError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(cred.PasswordHash), []byte(req.Password)); err != nil {
		metrics.RecordAuthAttempt(false)
		logging.Warn("login failed: bad password", zap.String("email", req.Email))
		sendAuthError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	tokenStr, expires, err := a.IssueToken(cred.ID, cred.Email, cred.IsAdmin)
	if err != nil {
		metrics.RecordAuthAttempt(false)
		logging.Error("failed to sign token", zap.Error(err))
		sendAuthError(w, http.StatusInternalServerError, "failed to generate token")
		return
	}

	metrics.RecordAuthAttempt(true)
	logging.Info("login successful", zap.String("account_id", cred.ID))

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"token":      tokenStr,
		"expires_at": expires,
		"account": map[string]interface{}{
			"id":       cred.ID,
			"email":    cred.Email,
			"is_admin": cred.IsAdmin,
		},
	})
}

// HandleRegister handles POST /api/auth/register: creates the
// credential and the quota account in one go, then returns a token.
func (a *Auth) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendAuthError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Email = strings.TrimSpace(strings.ToLower(req.Email))
	if req.Email == "" || !strings.Contains(req.Email, "@") {
		sendAuthError(w, http.StatusBadRequest, "valid email required")
		return
	}
	if len(req.Password) < minPasswordLen {
		sendAuthError(w, http.StatusBadRequest,
			fmt.Sprintf("password must be at least %d characters", minPasswordLen))
		return
	}

	cred, err := a.CreateAccount(r.Context(), req.Email, req.Password, false)
	if err != nil {
		if errors.Is(err, ErrEmailTaken) {
			sendAuthError(w, http.StatusConflict, "email already registered")
			return
		}
		logging.Error("registration failed", zap.Error(err))
		sendAuthError(w, http.StatusInternalServerError, "registration failed")
		return
	}

	tokenStr, expires, err := a.IssueToken(cred.ID, cred.Email, cred.IsAdmin)
	if err != nil {
		logging.Error("failed to sign token", zap.Error(err))
		sendAuthError(w, http.StatusInternalServerError, "failed to generate token")
		return
	}

	logging.Info("account registered", zap.String("account_id", cred.ID))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"token":      tokenStr,
		"expires_at": expires,
		"account": map[string]interface{}{
			"id":    cred.ID,
			"email": cred.Email,
		},
	})
}

// CreateAccount creates the credential and its quota ledger entry.
func (a *Auth) CreateAccount(ctx context.Context, email, password string, isAdmin bool) (*Credential, error) {
	if _, err := a.creds.GetByEmail(ctx, email); err == nil {
		return nil, fmt.Errorf("email %s: %w", email, ErrEmailTaken)
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	cred := &Credential{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: string(hashed),
		IsAdmin:      isAdmin,
		CreatedAt:    time.Now().UTC(),
	}
	if err := a.creds.Create(ctx, cred); err != nil {
		return nil, fmt.Errorf("create credential: %w", err)
	}

	if err := a.ledger.CreateAccount(ctx, &quota.Account{
		ID:           cred.ID,
		Email:        cred.Email,
		StorageLimit: a.defaultLimit,
		CreatedAt:    cred.CreatedAt,
	}); err != nil {
		if delErr := a.creds.Delete(ctx, cred.ID); delErr != nil {
			logging.Error("orphaned credential after ledger failure",
				zap.String("account_id", cred.ID), zap.Error(delErr))
		}
		return nil, fmt.Errorf("create ledger account: %w", err)
	}
	return cred, nil
}

// EnsureAdmin creates the bootstrap admin account when configured and
// not yet present.
func (a *Auth) EnsureAdmin(ctx context.Context, email, password string) error {
	if email == "" || password == "" {
		return nil
	}
	if _, err := a.creds.GetByEmail(ctx, email); err == nil {
		return nil
	}
	if _, err := a.CreateAccount(ctx, email, password, true); err != nil {
		return fmt.Errorf("bootstrap admin: %w", err)
	}
	logging.Info("bootstrap admin created", zap.String("email", email))
	return nil
}

// IssueToken signs a JWT for the account.
func (a *Auth) IssueToken(accountID, email string, isAdmin bool) (string, time.Time, error) {
	now := time.Now()
	claims := &Claims{
		AccountID: accountID,
		Email:     email,
		IsAdmin:   isAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    "justfiles",
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenStr, err := token.SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return tokenStr, claims.ExpiresAt.Time, nil
}

// Credentials exposes the underlying store for the admin handlers.
func (a *Auth) Credentials() CredentialStore { return a.creds }

func (a *Auth) validateToken(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}

func extractToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	// Query parameter fallback for preview links and SSE.
	return r.URL.Query().Get("token")
}

func sendAuthError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error": message,
		"code":  code,
	})
}
