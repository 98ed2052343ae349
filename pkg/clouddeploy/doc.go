// Package clouddeploy deploys service packages to the production and staging
// slots of classic hosted services and downloads them back.
//
// # Overview
//
// The package drives the Service Management control plane through the
// ComputeClient, StorageClient and ContainerStore interfaces. It never talks
// to the network itself; the adapters in pkg/providers/azure implement those
// interfaces.
//
// # Core Concepts
//
// ## Credentials
//
// A CredentialProvider keeps one authentication context per authority
// (one per tenant). Clients authenticate with a TokenCredentials whose token
// is swapped in place while long-running operations are polled, so the
// clients are never rebuilt.
//
// ## Caching
//
// A Catalog serves subscription, hosted service and storage account listings
// through a Cache with a one hour TTL. Call Clear after changing remote state.
//
// ## Operations
//
// Every mutating call returns an operation id. A Waiter polls it every five
// seconds until it succeeds or fails, or until the context is done.
//
// ## Upgrade policies
//
// DeleteAndRecreate and DeleteAndRecreateStopped delete the deployment in the
// slot, keeping its name, and create a new one. UpgradeWithUpdateDomains and
// UpgradeSimultaneous upgrade the deployment in place, or create one when the
// slot is empty.
//
// # Usage
//
//	credentials := clouddeploy.NewCredentialProvider(authorityHost, "common", factory)
//	deployer := clouddeploy.NewDeployer(credentials, connector, clouddeploy.WithLogger(logger))
//
//	result, err := deployer.Deploy(ctx, &clouddeploy.DeployRequest{
//	    Subscription: sub,
//	    Service:      "my-service",
//	    Storage:      clouddeploy.StorageAccount{Name: "mypackages"},
//	    Slot:         clouddeploy.SlotStaging,
//	    Policy:       clouddeploy.PolicyUpgradeWithUpdateDomains,
//	    PackagePath:  "MyService.cspkg",
//	    ConfigPath:   "ServiceConfiguration.Cloud.cscfg",
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	fmt.Printf("Deployment %s %s\n", result.DeploymentName, result.Action)
//
// Nothing is rolled back on failure. Re-run Deploy to retry.
package clouddeploy
