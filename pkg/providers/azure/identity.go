// Package azure implements the clouddeploy remote interfaces on top of the
// Azure SDK for Go and the classic Service Management REST API.
package azure

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/cloud"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"

	"github.com/anirudhbiyani/csdeploy/pkg/clouddeploy"
)

// AuthMode selects how users sign in.
type AuthMode string

const (
	// AuthModeInteractive opens a browser for sign-in.
	AuthModeInteractive AuthMode = "interactive"
	// AuthModeDeviceCode prints a device code to enter on another device.
	AuthModeDeviceCode AuthMode = "device-code"
	// AuthModeDefault uses the environment, managed identity or the Azure CLI.
	AuthModeDefault AuthMode = "default"
)

// DefaultManagementScope is the token scope of the Service Management API.
const DefaultManagementScope = "https://management.core.windows.net//.default"

// IdentityConfig configures token acquisition.
type IdentityConfig struct {
	// Mode selects the credential type.
	Mode AuthMode

	// ClientID is the public client application id.
	ClientID string

	// RedirectURL is the redirect URL registered for interactive sign-in.
	RedirectURL string

	// Scope is the token scope requested.
	Scope string

	// Prompt receives device code instructions. Defaults to io.Discard.
	Prompt io.Writer

	// ClientOptions are passed to the identity client.
	ClientOptions azcore.ClientOptions
}

// NewAuthContextFactory returns a factory creating one azidentity credential
// per authority.
func NewAuthContextFactory(cfg IdentityConfig) clouddeploy.AuthContextFactory {
	if cfg.Scope == "" {
		cfg.Scope = DefaultManagementScope
	}
	if cfg.Prompt == nil {
		cfg.Prompt = io.Discard
	}
	return func(authority, tenantID string) (clouddeploy.AuthContext, error) {
		cred, err := newCredential(cfg, authority, tenantID)
		if err != nil {
			return nil, err
		}
		return &authContext{authority: authority, tenantID: tenantID, scope: cfg.Scope, cred: cred}, nil
	}
}

func newCredential(cfg IdentityConfig, authority, tenantID string) (azcore.TokenCredential, error) {
	opts := cfg.ClientOptions
	if host := strings.TrimSuffix(authority, "/"+tenantID); host != "" {
		opts.Cloud = cloud.Configuration{
			ActiveDirectoryAuthorityHost: host + "/",
			Services:                     opts.Cloud.Services,
		}
	}

	switch cfg.Mode {
	case AuthModeInteractive, "":
		return azidentity.NewInteractiveBrowserCredential(&azidentity.InteractiveBrowserCredentialOptions{
			ClientOptions: opts,
			ClientID:      cfg.ClientID,
			TenantID:      tenantID,
			RedirectURL:   cfg.RedirectURL,
		})
	case AuthModeDeviceCode:
		return azidentity.NewDeviceCodeCredential(&azidentity.DeviceCodeCredentialOptions{
			ClientOptions: opts,
			ClientID:      cfg.ClientID,
			TenantID:      tenantID,
			UserPrompt: func(_ context.Context, msg azidentity.DeviceCodeMessage) error {
				_, err := fmt.Fprintln(cfg.Prompt, msg.Message)
				return err
			},
		})
	case AuthModeDefault:
		// The default chain resolves "common" on its own.
		if tenantID == "common" {
			tenantID = ""
		}
		return azidentity.NewDefaultAzureCredential(&azidentity.DefaultAzureCredentialOptions{
			ClientOptions: opts,
			TenantID:      tenantID,
		})
	default:
		return nil, fmt.Errorf("unknown auth mode %q", cfg.Mode)
	}
}

// authenticator is implemented by the interactive credential types.
type authenticator interface {
	Authenticate(ctx context.Context, opts *policy.TokenRequestOptions) (azidentity.AuthenticationRecord, error)
}

type authContext struct {
	authority string
	tenantID  string
	scope     string
	cred      azcore.TokenCredential
}

func (a *authContext) Authority() string {
	return a.authority
}

func (a *authContext) AcquireToken(ctx context.Context, prompt clouddeploy.PromptBehavior) (clouddeploy.Credential, error) {
	opts := policy.TokenRequestOptions{Scopes: []string{a.scope}}

	if prompt == clouddeploy.PromptRefreshSession {
		if auth, ok := a.cred.(authenticator); ok {
			if _, err := auth.Authenticate(ctx, &opts); err != nil {
				return clouddeploy.Credential{}, err
			}
		}
	}

	tok, err := a.cred.GetToken(ctx, opts)
	if err != nil {
		return clouddeploy.Credential{}, err
	}
	return clouddeploy.Credential{Token: tok.Token, ExpiresOn: tok.ExpiresOn}, nil
}

// tokenCredential exposes clouddeploy.TokenCredentials as an
// azcore.TokenCredential so SDK clients observe token swaps.
type tokenCredential struct {
	creds *clouddeploy.TokenCredentials
}

// NewTokenCredential adapts creds to azcore.TokenCredential.
func NewTokenCredential(creds *clouddeploy.TokenCredentials) azcore.TokenCredential {
	return &tokenCredential{creds: creds}
}

func (c *tokenCredential) GetToken(_ context.Context, _ policy.TokenRequestOptions) (azcore.AccessToken, error) {
	token, expiresOn := c.creds.Token()
	return azcore.AccessToken{Token: token, ExpiresOn: expiresOn}, nil
}
