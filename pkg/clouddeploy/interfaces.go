package clouddeploy

import (
	"context"

	"gocloud.dev/blob"
)

// PromptBehavior controls whether token acquisition may reuse a cached session.
type PromptBehavior int

const (
	// PromptAuto reuses cached tokens and prompts only when needed.
	PromptAuto PromptBehavior = iota
	// PromptRefreshSession forces the identity provider to refresh the session.
	PromptRefreshSession
)

// AuthContext acquires tokens from a single authentication authority.
// Implementations typically cache tokens internally.
type AuthContext interface {
	// Authority returns the authority URL this context talks to.
	Authority() string

	// AcquireToken returns a bearer credential for the management API.
	AcquireToken(ctx context.Context, prompt PromptBehavior) (Credential, error)
}

// AuthContextFactory creates the authentication context for an authority.
// tenantID is the tenant part of the authority.
type AuthContextFactory func(authority, tenantID string) (AuthContext, error)

// SubscriptionClient lists the subscriptions visible to a credential.
type SubscriptionClient interface {
	ListSubscriptions(ctx context.Context) ([]Subscription, error)
}

// ComputeClient abstracts the hosted-service, deployment and operation
// surface of the control plane. Methods that start a long-running
// operation return its operation id.
type ComputeClient interface {
	// Hosted services
	ListHostedServices(ctx context.Context) ([]HostedService, error)
	GetDetailedService(ctx context.Context, service string) (*HostedServiceDetail, error)

	// Extensions
	ListAvailableExtensions(ctx context.Context) ([]ExtensionImage, error)
	ListExtensions(ctx context.Context, service string) ([]ExtensionInstance, error)
	GetExtension(ctx context.Context, service, id string) (*ExtensionInstance, error)
	AddExtension(ctx context.Context, service string, ext ExtensionInstance) (string, error)
	DeleteExtension(ctx context.Context, service, id string) (string, error)

	// Deployments
	GetDeploymentBySlot(ctx context.Context, service string, slot Slot) (*Deployment, error)
	CreateDeployment(ctx context.Context, service string, slot Slot, params DeploymentParams) (string, error)
	UpgradeDeploymentBySlot(ctx context.Context, service string, slot Slot, params UpgradeParams) (string, error)
	DeleteDeploymentBySlot(ctx context.Context, service string, slot Slot) (string, error)
	GetPackageBySlot(ctx context.Context, service string, slot Slot, containerURL string) (string, error)

	// Operations
	GetOperationStatus(ctx context.Context, operationID string) (*OperationStatus, error)
}

// StorageClient abstracts storage account management.
type StorageClient interface {
	ListStorageAccounts(ctx context.Context) ([]StorageAccount, error)
	GetStorageKeys(ctx context.Context, account string) (*StorageKeys, error)
}

// ContainerStore manages the blob containers of one storage account.
type ContainerStore interface {
	// Exists reports whether the container exists.
	Exists(ctx context.Context, container string) (bool, error)

	// Create creates the container if it does not exist.
	Create(ctx context.Context, container string) error

	// Delete deletes the container and every blob in it.
	Delete(ctx context.Context, container string) error

	// URL returns the absolute URL of the container.
	URL(container string) string

	// Open returns a bucket for blob I/O inside the container.
	// The caller closes the bucket.
	Open(ctx context.Context, container string) (*blob.Bucket, error)
}

// Connector builds clients bound to a credential. Clients built from the
// same TokenCredentials observe token swaps without being rebuilt.
type Connector interface {
	Subscriptions(creds *TokenCredentials) (SubscriptionClient, error)
	Compute(creds *TokenCredentials) (ComputeClient, error)
	Storage(creds *TokenCredentials) (StorageClient, error)
	Containers(ctx context.Context, account, key string) (ContainerStore, error)
}

// Session is the set of clients one deploy or download invocation works with.
type Session struct {
	Subscription Subscription
	Credentials  *TokenCredentials
	Compute      ComputeClient
	Storage      StorageClient
}
