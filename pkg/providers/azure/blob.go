package azure

import (
	"context"
	"fmt"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"
	"gocloud.dev/blob"
	"gocloud.dev/blob/azureblob"

	"github.com/anirudhbiyani/csdeploy/pkg/clouddeploy"
)

// DefaultBlobSuffix is the public cloud blob endpoint suffix.
const DefaultBlobSuffix = "blob.core.windows.net"

// ContainerStore manages the containers of one storage account with a
// shared key.
type ContainerStore struct {
	serviceURL string
	cred       *azblob.SharedKeyCredential
	options    *container.ClientOptions
}

// NewContainerStore creates a store for account. endpoint overrides the
// service URL, mainly for emulators; empty uses https://<account>.<suffix>.
func NewContainerStore(account, key, suffix, endpoint string, options *container.ClientOptions) (*ContainerStore, error) {
	cred, err := azblob.NewSharedKeyCredential(account, key)
	if err != nil {
		return nil, fmt.Errorf("invalid storage credentials for %s: %w", account, err)
	}
	if suffix == "" {
		suffix = DefaultBlobSuffix
	}
	serviceURL := endpoint
	if serviceURL == "" {
		serviceURL = fmt.Sprintf("https://%s.%s", account, suffix)
	}
	return &ContainerStore{
		serviceURL: strings.TrimRight(serviceURL, "/"),
		cred:       cred,
		options:    options,
	}, nil
}

func (s *ContainerStore) client(name string) (*container.Client, error) {
	return container.NewClientWithSharedKeyCredential(s.URL(name), s.cred, s.options)
}

// Exists implements clouddeploy.ContainerStore.
func (s *ContainerStore) Exists(ctx context.Context, name string) (bool, error) {
	c, err := s.client(name)
	if err != nil {
		return false, err
	}
	if _, err := c.GetProperties(ctx, nil); err != nil {
		if bloberror.HasCode(err, bloberror.ContainerNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Create implements clouddeploy.ContainerStore.
func (s *ContainerStore) Create(ctx context.Context, name string) error {
	c, err := s.client(name)
	if err != nil {
		return err
	}
	if _, err := c.Create(ctx, nil); err != nil && !bloberror.HasCode(err, bloberror.ContainerAlreadyExists) {
		return err
	}
	return nil
}

// Delete implements clouddeploy.ContainerStore.
func (s *ContainerStore) Delete(ctx context.Context, name string) error {
	c, err := s.client(name)
	if err != nil {
		return err
	}
	if _, err := c.Delete(ctx, nil); err != nil && !bloberror.HasCode(err, bloberror.ContainerNotFound) {
		return err
	}
	return nil
}

// URL implements clouddeploy.ContainerStore.
func (s *ContainerStore) URL(name string) string {
	return s.serviceURL + "/" + name
}

// Open implements clouddeploy.ContainerStore.
func (s *ContainerStore) Open(ctx context.Context, name string) (*blob.Bucket, error) {
	c, err := s.client(name)
	if err != nil {
		return nil, err
	}
	return azureblob.OpenBucket(ctx, c, nil)
}

var _ clouddeploy.ContainerStore = (*ContainerStore)(nil)
