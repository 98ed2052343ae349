package azure

import (
	"context"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/arm"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"

	"github.com/anirudhbiyani/csdeploy/pkg/clouddeploy"
)

// Connector builds Azure clients for clouddeploy.
type Connector struct {
	managementEndpoint string
	apiVersion         string
	blobSuffix         string
	blobEndpoint       string

	clientOptions policy.ClientOptions
}

// ConnectorOption configures the Connector.
type ConnectorOption func(*Connector)

// WithManagementEndpoint sets the Service Management endpoint.
func WithManagementEndpoint(endpoint string) ConnectorOption {
	return func(c *Connector) {
		c.managementEndpoint = endpoint
	}
}

// WithAPIVersion sets the Service Management API version.
func WithAPIVersion(version string) ConnectorOption {
	return func(c *Connector) {
		c.apiVersion = version
	}
}

// WithBlobSuffix sets the blob endpoint suffix of storage accounts.
func WithBlobSuffix(suffix string) ConnectorOption {
	return func(c *Connector) {
		c.blobSuffix = suffix
	}
}

// WithBlobEndpoint points every storage account at one blob endpoint.
func WithBlobEndpoint(endpoint string) ConnectorOption {
	return func(c *Connector) {
		c.blobEndpoint = endpoint
	}
}

// WithClientOptions sets the options shared by every SDK client.
func WithClientOptions(options policy.ClientOptions) ConnectorOption {
	return func(c *Connector) {
		c.clientOptions = options
	}
}

// NewConnector creates a connector.
func NewConnector(opts ...ConnectorOption) *Connector {
	c := &Connector{
		managementEndpoint: DefaultManagementEndpoint,
		apiVersion:         DefaultAPIVersion,
		blobSuffix:         DefaultBlobSuffix,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Subscriptions implements clouddeploy.Connector.
func (c *Connector) Subscriptions(creds *clouddeploy.TokenCredentials) (clouddeploy.SubscriptionClient, error) {
	return NewSubscriptionClient(creds, &arm.ClientOptions{ClientOptions: c.clientOptions})
}

// Compute implements clouddeploy.Connector.
func (c *Connector) Compute(creds *clouddeploy.TokenCredentials) (clouddeploy.ComputeClient, error) {
	options := c.clientOptions
	return NewServiceManagementClient(c.managementEndpoint, c.apiVersion, creds, &options)
}

// Storage implements clouddeploy.Connector.
func (c *Connector) Storage(creds *clouddeploy.TokenCredentials) (clouddeploy.StorageClient, error) {
	options := c.clientOptions
	return NewServiceManagementClient(c.managementEndpoint, c.apiVersion, creds, &options)
}

// Containers implements clouddeploy.Connector.
func (c *Connector) Containers(_ context.Context, account, key string) (clouddeploy.ContainerStore, error) {
	return NewContainerStore(account, key, c.blobSuffix, c.blobEndpoint, &container.ClientOptions{ClientOptions: c.clientOptions})
}

var _ clouddeploy.Connector = (*Connector)(nil)
