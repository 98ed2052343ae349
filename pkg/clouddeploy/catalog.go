package clouddeploy

import (
	"context"
	"log/slog"
)

// Catalog serves the read-only listings (subscriptions, hosted services and
// storage accounts) through a Cache.
type Catalog struct {
	cache       *Cache
	credentials *CredentialProvider
	connector   Connector
	logger      *slog.Logger
}

// NewCatalog creates a catalog. A nil logger uses slog.Default.
func NewCatalog(cache *Cache, credentials *CredentialProvider, connector Connector, logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Catalog{
		cache:       cache,
		credentials: credentials,
		connector:   connector,
		logger:      logger,
	}
}

// Subscriptions lists the subscriptions of the signed-in account.
// account only partitions the cache.
func (c *Catalog) Subscriptions(ctx context.Context, account string) ([]Subscription, error) {
	return cached(c, "Subscriptions_"+account, func() ([]Subscription, error) {
		cred, err := c.credentials.Credential(ctx, "", false)
		if err != nil {
			return nil, err
		}
		client, err := c.connector.Subscriptions(NewTokenCredentials("", cred))
		if err != nil {
			return nil, remoteErr("connect", err)
		}
		c.logger.Info("Retrieving subscriptions...")
		subs, err := client.ListSubscriptions(ctx)
		if err != nil {
			return nil, remoteErr("list-subscriptions", err)
		}
		return subs, nil
	})
}

// HostedServices lists the hosted services of a subscription.
func (c *Catalog) HostedServices(ctx context.Context, sub Subscription) ([]HostedService, error) {
	return cached(c, "CloudServices_"+sub.ID, func() ([]HostedService, error) {
		compute, err := c.compute(ctx, sub)
		if err != nil {
			return nil, err
		}
		c.logger.Info("Retrieving hosted services...", "subscription", sub.ID)
		services, err := compute.ListHostedServices(ctx)
		if err != nil {
			return nil, remoteErr("list-hosted-services", err)
		}
		return services, nil
	})
}

// StorageAccounts lists the storage accounts of a subscription.
func (c *Catalog) StorageAccounts(ctx context.Context, sub Subscription) ([]StorageAccount, error) {
	return cached(c, "StorageAccounts_"+sub.ID, func() ([]StorageAccount, error) {
		cred, err := c.credentials.ForSubscription(ctx, sub, false)
		if err != nil {
			return nil, err
		}
		storage, err := c.connector.Storage(NewTokenCredentials(sub.ID, cred))
		if err != nil {
			return nil, remoteErr("connect", err)
		}
		c.logger.Info("Retrieving storage accounts...", "subscription", sub.ID)
		accounts, err := storage.ListStorageAccounts(ctx)
		if err != nil {
			return nil, remoteErr("list-storage-accounts", err)
		}
		return accounts, nil
	})
}

// Clear drops every cached listing.
func (c *Catalog) Clear() {
	c.cache.Clear()
}

func (c *Catalog) compute(ctx context.Context, sub Subscription) (ComputeClient, error) {
	cred, err := c.credentials.ForSubscription(ctx, sub, false)
	if err != nil {
		return nil, err
	}
	compute, err := c.connector.Compute(NewTokenCredentials(sub.ID, cred))
	if err != nil {
		return nil, remoteErr("connect", err)
	}
	return compute, nil
}

func cached[T any](c *Catalog, key string, fetch func() (T, error)) (T, error) {
	v, hit, err := Fetch(c.cache, key, fetch)
	if err != nil {
		return v, err
	}
	if hit {
		c.logger.Debug("Fetched data from cache", "key", key)
	} else {
		c.logger.Debug("Data not in cache, fetched and added", "key", key)
	}
	return v, nil
}
