package azure

import (
	"context"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/arm"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/resources/armsubscriptions"

	"github.com/anirudhbiyani/csdeploy/pkg/clouddeploy"
)

// SubscriptionClient lists subscriptions through Azure Resource Manager.
type SubscriptionClient struct {
	client *armsubscriptions.Client
}

// NewSubscriptionClient creates a subscription client authenticating with creds.
func NewSubscriptionClient(creds *clouddeploy.TokenCredentials, options *arm.ClientOptions) (*SubscriptionClient, error) {
	client, err := armsubscriptions.NewClient(NewTokenCredential(creds), options)
	if err != nil {
		return nil, err
	}
	return &SubscriptionClient{client: client}, nil
}

// ListSubscriptions implements clouddeploy.SubscriptionClient.
func (c *SubscriptionClient) ListSubscriptions(ctx context.Context) ([]clouddeploy.Subscription, error) {
	var subs []clouddeploy.Subscription
	pager := c.client.NewListPager(nil)
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, s := range page.Value {
			if s == nil {
				continue
			}
			subs = append(subs, clouddeploy.Subscription{
				ID:          deref(s.SubscriptionID),
				TenantID:    deref(s.TenantID),
				DisplayName: deref(s.DisplayName),
			})
		}
	}
	return subs, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

var _ clouddeploy.SubscriptionClient = (*SubscriptionClient)(nil)
