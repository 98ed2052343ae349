package clouddeploy

import (
	"context"
	"log/slog"
	"strings"
	"sync"
)

// CredentialProvider obtains bearer credentials, keeping one authentication
// context per authority. It is safe for concurrent use.
type CredentialProvider struct {
	authorityHost string
	defaultTenant string
	factory       AuthContextFactory
	logger        *slog.Logger

	mu       sync.Mutex
	contexts map[string]AuthContext
}

// CredentialOption configures a CredentialProvider.
type CredentialOption func(*CredentialProvider)

// WithCredentialLogger sets the logger used to report token validity.
func WithCredentialLogger(l *slog.Logger) CredentialOption {
	return func(p *CredentialProvider) {
		p.logger = l
	}
}

// NewCredentialProvider creates a provider for authorities under
// authorityHost. defaultTenant is used when no tenant is requested.
func NewCredentialProvider(authorityHost, defaultTenant string, factory AuthContextFactory, opts ...CredentialOption) *CredentialProvider {
	p := &CredentialProvider{
		authorityHost: strings.TrimRight(authorityHost, "/"),
		defaultTenant: defaultTenant,
		factory:       factory,
		logger:        slog.Default(),
		contexts:      make(map[string]AuthContext),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Authority returns the authority URL for tenantID, or for the default
// tenant when tenantID is empty.
func (p *CredentialProvider) Authority(tenantID string) string {
	if tenantID == "" {
		tenantID = p.defaultTenant
	}
	return p.authorityHost + "/" + tenantID
}

// Credential acquires a token from the authority of tenantID. forceRefresh
// drops every cached authentication context first and asks the identity
// provider to refresh the session.
func (p *CredentialProvider) Credential(ctx context.Context, tenantID string, forceRefresh bool) (Credential, error) {
	if tenantID == "" {
		tenantID = p.defaultTenant
	}
	authCtx, err := p.authContext(p.Authority(tenantID), tenantID, forceRefresh)
	if err != nil {
		return Credential{}, err
	}

	prompt := PromptAuto
	if forceRefresh {
		prompt = PromptRefreshSession
	}
	cred, err := authCtx.AcquireToken(ctx, prompt)
	if err != nil {
		return Credential{}, ErrRemoteCall("token acquisition failed").
			WithOperation("acquire-token").
			WithResource("authority", authCtx.Authority()).
			WithCause(err)
	}

	p.logger.Debug("Token acquired",
		"authority", authCtx.Authority(),
		"validUntil", cred.ExpiresOn)
	return cred, nil
}

// ForSubscription acquires a credential scoped to the subscription's tenant.
func (p *CredentialProvider) ForSubscription(ctx context.Context, sub Subscription, forceRefresh bool) (Credential, error) {
	return p.Credential(ctx, sub.TenantID, forceRefresh)
}

// Refresh re-acquires a token for sub and swaps it into creds.
func (p *CredentialProvider) Refresh(ctx context.Context, sub Subscription, creds *TokenCredentials) error {
	cred, err := p.ForSubscription(ctx, sub, false)
	if err != nil {
		return err
	}
	creds.SetToken(cred)
	return nil
}

// Reset drops every cached authentication context.
func (p *CredentialProvider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.contexts = make(map[string]AuthContext)
}

func (p *CredentialProvider) authContext(authority, tenantID string, forceRefresh bool) (AuthContext, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if forceRefresh {
		p.contexts = make(map[string]AuthContext)
	}

	if c, ok := p.contexts[authority]; ok {
		return c, nil
	}

	c, err := p.factory(authority, tenantID)
	if err != nil {
		return nil, ErrRemoteCall("failed to create authentication context").
			WithResource("authority", authority).
			WithCause(err)
	}
	p.contexts[authority] = c
	return c, nil
}
