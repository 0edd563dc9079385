package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/justfiles/justfiles/internal/fault"
	"github.com/justfiles/justfiles/internal/logging"
)

// OIDCConfig holds OIDC provider configuration.
type OIDCConfig struct {
	IssuerURL    string
	ClientID     string
	ClientSecret string
	AdminClaim   string // claim key for admin status (default: "is_admin")
	AdminValue   string // claim value that indicates admin (default: "true")
}

// OIDCProvider validates OIDC ID tokens and auto-provisions local
// accounts on first login.
type OIDCProvider struct {
	verifier *oidc.IDTokenVerifier
	config   OIDCConfig
	auth     *Auth
}

// NewOIDCProvider creates an OIDC provider from config.
// Returns nil if IssuerURL is empty (OIDC disabled).
func NewOIDCProvider(ctx context.Context, cfg OIDCConfig, a *Auth) (*OIDCProvider, error) {
	if cfg.IssuerURL == "" {
		return nil, nil
	}

	provider, err := oidc.NewProvider(ctx, cfg.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("oidc provider init: %w", err)
	}
	verifier := provider.Verifier(&oidc.Config{ClientID: cfg.ClientID})

	if cfg.AdminClaim == "" {
		cfg.AdminClaim = "is_admin"
	}
	if cfg.AdminValue == "" {
		cfg.AdminValue = "true"
	}

	logging.Info("OIDC provider initialized",
		zap.String("issuer", cfg.IssuerURL),
		zap.String("client_id", cfg.ClientID))

	return &OIDCProvider{verifier: verifier, config: cfg, auth: a}, nil
}

// SetOIDCProvider sets the OIDC provider on the Auth handler.
func (a *Auth) SetOIDCProvider(p *OIDCProvider) {
	a.oidc = p
}

// ValidateToken attempts to verify a token as an OIDC ID token. If
// valid, ensures the account exists locally and returns local Claims.
func (o *OIDCProvider) ValidateToken(ctx context.Context, tokenStr string) (*Claims, error) {
	idToken, err := o.verifier.Verify(ctx, tokenStr)
	if err != nil {
		return nil, err
	}

	var oidcClaims struct {
		Sub   string `json:"sub"`
		Email string `json:"email"`
	}
	if err := idToken.Claims(&oidcClaims); err != nil {
		return nil, fmt.Errorf("parse oidc claims: %w", err)
	}
	email := oidcClaims.Email
	if email == "" {
		email = oidcClaims.Sub
	}

	var rawClaims map[string]interface{}
	idToken.Claims(&rawClaims)
	isAdmin := false
	if val, ok := rawClaims[o.config.AdminClaim]; ok {
		isAdmin = fmt.Sprintf("%v", val) == o.config.AdminValue
	}

	cred, err := o.ensureAccount(ctx, email, isAdmin)
	if err != nil {
		return nil, fmt.Errorf("ensure account: %w", err)
	}

	return &Claims{
		AccountID: cred.ID,
		Email:     cred.Email,
		IsAdmin:   isAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject: oidcClaims.Sub,
			Issuer:  idToken.Issuer,
		},
	}, nil
}

func (o *OIDCProvider) ensureAccount(ctx context.Context, email string, isAdmin bool) (*Credential, error) {
	cred, err := o.auth.creds.GetByEmail(ctx, email)
	if err == nil {
		return cred, nil
	}
	if !errors.Is(err, fault.ErrNotFound) {
		return nil, err
	}

	// Random password; the account authenticates via OIDC only.
	cred, err = o.auth.CreateAccount(ctx, email, uuid.NewString(), isAdmin)
	if err != nil {
		return nil, err
	}
	logging.Info("auto-created OIDC account",
		zap.String("email", email), zap.Bool("is_admin", isAdmin))
	return cred, nil
}
