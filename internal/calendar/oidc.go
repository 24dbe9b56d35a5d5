package calendar

import (
	"context"
	"fmt"
	gosync "sync"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/jw6ventures/calsync/internal/store"
)

const (
	googleIssuer      = "https://accounts.google.com"
	microsoftIssuerFn = "https://login.microsoftonline.com/%s/v2.0"
)

// OIDCResolver verifies the ID token returned by the authorization server
// and extracts the stable account subject and email. Verifiers are built
// lazily so the service starts even when an identity provider is briefly
// unreachable.
type OIDCResolver struct {
	clientIDs map[store.Provider]string
	issuers   map[store.Provider]string

	mu        gosync.Mutex
	verifiers map[store.Provider]*oidc.IDTokenVerifier
}

func NewOIDCResolver(googleClientID, microsoftClientID, microsoftTenant string) *OIDCResolver {
	if microsoftTenant == "" {
		microsoftTenant = "common"
	}
	return &OIDCResolver{
		clientIDs: map[store.Provider]string{
			store.ProviderGoogle:    googleClientID,
			store.ProviderMicrosoft: microsoftClientID,
		},
		issuers: map[store.Provider]string{
			store.ProviderGoogle:    googleIssuer,
			store.ProviderMicrosoft: fmt.Sprintf(microsoftIssuerFn, microsoftTenant),
		},
		verifiers: make(map[store.Provider]*oidc.IDTokenVerifier),
	}
}

func (r *OIDCResolver) Resolve(ctx context.Context, p store.Provider, tok *oauth2.Token) (Identity, error) {
	rawIDToken, ok := tok.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return Identity{}, fmt.Errorf("token response from %s carried no id_token", p)
	}

	verifier, err := r.verifier(ctx, p)
	if err != nil {
		return Identity{}, err
	}
	idToken, err := verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return Identity{}, fmt.Errorf("verify id_token: %w", err)
	}

	var claims struct {
		Email string `json:"email"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return Identity{}, fmt.Errorf("decode id_token claims: %w", err)
	}
	return Identity{AccountID: idToken.Subject, Email: claims.Email}, nil
}

func (r *OIDCResolver) verifier(ctx context.Context, p store.Provider) (*oidc.IDTokenVerifier, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if v, ok := r.verifiers[p]; ok {
		return v, nil
	}
	issuer, ok := r.issuers[p]
	if !ok {
		return nil, fmt.Errorf("no OIDC issuer known for provider %s", p)
	}
	oidcProvider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("discover OIDC issuer %s: %w", issuer, err)
	}
	cfg := &oidc.Config{ClientID: r.clientIDs[p]}
	if p == store.ProviderMicrosoft && r.issuers[p] == fmt.Sprintf(microsoftIssuerFn, "common") {
		// The common endpoint signs tokens with per-tenant issuers, which
		// cannot be matched against the discovery document.
		cfg.SkipIssuerCheck = true
	}
	v := oidcProvider.Verifier(cfg)
	r.verifiers[p] = v
	return v, nil
}
