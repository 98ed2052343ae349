package clouddeploy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/require"
	"gocloud.dev/blob"
	"gocloud.dev/blob/memblob"
)

var testNow = time.Date(2024, 3, 1, 12, 30, 45, 0, time.UTC)

// fakeAuth is an AuthContext handing out numbered tokens.
type fakeAuth struct {
	authority string
	mu        sync.Mutex
	acquired  int
	prompts   []PromptBehavior
	err       error
}

func (a *fakeAuth) Authority() string { return a.authority }

func (a *fakeAuth) AcquireToken(_ context.Context, prompt PromptBehavior) (Credential, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return Credential{}, a.err
	}
	a.acquired++
	a.prompts = append(a.prompts, prompt)
	return Credential{
		Token:     fmt.Sprintf("%s#%d", a.authority, a.acquired),
		ExpiresOn: testNow.Add(time.Hour),
	}, nil
}

// fakeAuthFactory records every context it creates.
type fakeAuthFactory struct {
	mu       sync.Mutex
	created  []*fakeAuth
	tenants  []string
	tokenErr error
}

func (f *fakeAuthFactory) New(authority, tenantID string) (AuthContext, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a := &fakeAuth{authority: authority, err: f.tokenErr}
	f.created = append(f.created, a)
	f.tenants = append(f.tenants, tenantID)
	return a, nil
}

func (f *fakeAuthFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

// fakeAccount is a storage account whose containers share one in-memory bucket.
type fakeAccount struct {
	key        string
	bucket     *blob.Bucket
	containers map[string]bool
	deleted    []string
}

// fakeCloud implements the control plane and blob storage in memory.
type fakeCloud struct {
	t *testing.T

	mu            sync.Mutex
	subscriptions []Subscription
	services      []HostedService
	deployments   map[Slot]*Deployment
	packages      map[Slot]string
	available     []ExtensionImage
	extensions    []ExtensionInstance
	deleteExtErr  map[string]error
	statuses      map[string][]OperationStatus
	getPackageErr error
	extraExport   map[string]string
	accounts      map[string]*fakeAccount
	nextOp        int
	calls         []string
	polls         map[string]int
	tokensSeen    []string
	creds         *TokenCredentials
	listCalls     int
}

func newFakeCloud(t *testing.T) *fakeCloud {
	return &fakeCloud{
		t:            t,
		deployments:  make(map[Slot]*Deployment),
		packages:     make(map[Slot]string),
		deleteExtErr: make(map[string]error),
		statuses:     make(map[string][]OperationStatus),
		accounts:     make(map[string]*fakeAccount),
		polls:        make(map[string]int),
		available: []ExtensionImage{
			{ProviderNamespace: "Microsoft.Azure.Other", Type: "RDP", Version: "1.*"},
			{ProviderNamespace: "Microsoft.Azure.Diagnostics", Type: DiagnosticsExtensionType, Version: "1.*"},
		},
	}
}

func (c *fakeCloud) addAccount(name, key string) {
	c.accounts[name] = &fakeAccount{
		key:        key,
		bucket:     memblob.OpenBucket(nil),
		containers: make(map[string]bool),
	}
}

func (c *fakeCloud) record(format string, args ...interface{}) {
	c.calls = append(c.calls, fmt.Sprintf(format, args...))
}

func (c *fakeCloud) callsWithPrefix(prefix string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, call := range c.calls {
		if strings.HasPrefix(call, prefix) {
			out = append(out, call)
		}
	}
	return out
}

func (c *fakeCloud) newOp() string {
	c.nextOp++
	return fmt.Sprintf("op-%d", c.nextOp)
}

// Connector

func (c *fakeCloud) Subscriptions(creds *TokenCredentials) (SubscriptionClient, error) {
	return c, nil
}

func (c *fakeCloud) Compute(creds *TokenCredentials) (ComputeClient, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.creds = creds
	return c, nil
}

func (c *fakeCloud) Storage(creds *TokenCredentials) (StorageClient, error) {
	return c, nil
}

func (c *fakeCloud) Containers(_ context.Context, account, key string) (ContainerStore, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.accounts[account]
	if !ok {
		return nil, fmt.Errorf("storage account %s does not exist", account)
	}
	if a.key != key {
		return nil, fmt.Errorf("wrong key for storage account %s", account)
	}
	return &fakeStore{cloud: c, name: account, account: a}, nil
}

// SubscriptionClient

func (c *fakeCloud) ListSubscriptions(context.Context) ([]Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listCalls++
	return c.subscriptions, nil
}

// ComputeClient

func (c *fakeCloud) ListHostedServices(context.Context) ([]HostedService, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listCalls++
	return c.services, nil
}

func (c *fakeCloud) GetDetailedService(_ context.Context, service string) (*HostedServiceDetail, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("get-detailed %s", service)
	detail := &HostedServiceDetail{Name: service}
	for _, slot := range Slots {
		if dep, ok := c.deployments[slot]; ok {
			detail.Deployments = append(detail.Deployments, DeploymentSummary{
				Slot:                   slot,
				Name:                   dep.Name,
				ExtensionConfiguration: dep.ExtensionConfiguration,
			})
		}
	}
	return detail, nil
}

func (c *fakeCloud) ListAvailableExtensions(context.Context) ([]ExtensionImage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.available, nil
}

func (c *fakeCloud) ListExtensions(context.Context, string) ([]ExtensionInstance, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ExtensionInstance, len(c.extensions))
	copy(out, c.extensions)
	return out, nil
}

func (c *fakeCloud) GetExtension(_ context.Context, _ string, id string) (*ExtensionInstance, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ext := range c.extensions {
		if ext.ID == id {
			e := ext
			return &e, nil
		}
	}
	return nil, fmt.Errorf("extension %s not found", id)
}

func (c *fakeCloud) AddExtension(_ context.Context, _ string, ext ExtensionInstance) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("add-extension %s", ext.ID)
	c.extensions = append(c.extensions, ext)
	return c.newOp(), nil
}

func (c *fakeCloud) DeleteExtension(_ context.Context, _ string, id string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("delete-extension %s", id)
	if err := c.deleteExtErr[id]; err != nil {
		return "", err
	}
	for i, ext := range c.extensions {
		if ext.ID == id {
			c.extensions = append(c.extensions[:i], c.extensions[i+1:]...)
			break
		}
	}
	return c.newOp(), nil
}

func (c *fakeCloud) GetDeploymentBySlot(_ context.Context, _ string, slot Slot) (*Deployment, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	dep, ok := c.deployments[slot]
	if !ok {
		return nil, fmt.Errorf("no deployment in %s", slot)
	}
	d := *dep
	return &d, nil
}

func (c *fakeCloud) CreateDeployment(_ context.Context, _ string, slot Slot, params DeploymentParams) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("create-deployment %s %s", slot, params.Name)
	if _, ok := c.deployments[slot]; ok {
		return "", fmt.Errorf("slot %s is occupied", slot)
	}
	status := "Running"
	if !params.StartDeployment {
		status = "Suspended"
	}
	c.deployments[slot] = &Deployment{
		Name:                   params.Name,
		Slot:                   slot,
		Label:                  params.Label,
		Configuration:          params.Configuration,
		Status:                 status,
		ExtensionConfiguration: params.ExtensionConfiguration,
	}
	c.packages[slot] = params.PackageURL
	return c.newOp(), nil
}

func (c *fakeCloud) UpgradeDeploymentBySlot(_ context.Context, _ string, slot Slot, params UpgradeParams) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("upgrade-deployment %s %s force=%t", slot, params.Mode, params.Force)
	dep, ok := c.deployments[slot]
	if !ok {
		return "", fmt.Errorf("no deployment in %s", slot)
	}
	dep.Label = params.Label
	dep.Configuration = params.Configuration
	c.packages[slot] = params.PackageURL
	if params.ExtensionConfiguration != nil {
		dep.ExtensionConfiguration = params.ExtensionConfiguration
	}
	return c.newOp(), nil
}

func (c *fakeCloud) DeleteDeploymentBySlot(_ context.Context, _ string, slot Slot) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("delete-deployment %s", slot)
	delete(c.deployments, slot)
	return c.newOp(), nil
}

func (c *fakeCloud) GetPackageBySlot(_ context.Context, _ string, slot Slot, containerURL string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("get-package %s", slot)
	if c.getPackageErr != nil {
		return "", c.getPackageErr
	}
	dep, ok := c.deployments[slot]
	if !ok {
		return "", fmt.Errorf("no deployment in %s", slot)
	}

	ctx := context.Background()
	srcAccount, srcKey := c.resolve(c.packages[slot])
	pkg, err := srcAccount.bucket.ReadAll(ctx, srcKey)
	if err != nil {
		return "", err
	}
	dstAccount, dstContainer := c.resolve(containerURL)
	if err := dstAccount.bucket.WriteAll(ctx, dstContainer+"/"+dep.Name+".cspkg", pkg, nil); err != nil {
		return "", err
	}
	if err := dstAccount.bucket.WriteAll(ctx, dstContainer+"/"+dep.Name+".cscfg", []byte(dep.Configuration), nil); err != nil {
		return "", err
	}
	for key, body := range c.extraExport {
		if err := dstAccount.bucket.WriteAll(ctx, dstContainer+"/"+key, []byte(body), nil); err != nil {
			return "", err
		}
	}
	return c.newOp(), nil
}

func (c *fakeCloud) GetOperationStatus(_ context.Context, operationID string) (*OperationStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.polls[operationID]++
	if c.creds != nil {
		token, _ := c.creds.Token()
		c.tokensSeen = append(c.tokensSeen, token)
	}
	if script := c.statuses[operationID]; len(script) > 0 {
		status := script[0]
		c.statuses[operationID] = script[1:]
		return &status, nil
	}
	return &OperationStatus{ID: operationID, Status: OperationSucceeded, HTTPStatusCode: 200}, nil
}

// StorageClient

func (c *fakeCloud) ListStorageAccounts(context.Context) ([]StorageAccount, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listCalls++
	var out []StorageAccount
	for name := range c.accounts {
		out = append(out, StorageAccount{Name: name})
	}
	return out, nil
}

func (c *fakeCloud) GetStorageKeys(_ context.Context, account string) (*StorageKeys, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("get-keys %s", account)
	a, ok := c.accounts[account]
	if !ok {
		return nil, fmt.Errorf("storage account %s does not exist", account)
	}
	return &StorageKeys{Primary: a.key, Secondary: a.key + "2"}, nil
}

// resolve maps a blob or container URL onto an account and the path below it.
func (c *fakeCloud) resolve(raw string) (*fakeAccount, string) {
	u, err := url.Parse(raw)
	require.NoError(c.t, err)
	name := strings.SplitN(u.Host, ".", 2)[0]
	a, ok := c.accounts[name]
	require.True(c.t, ok, "unknown account in %s", raw)
	return a, strings.TrimPrefix(u.Path, "/")
}

func (c *fakeCloud) blobKeys(account, container string) []string {
	a := c.accounts[account]
	var keys []string
	iter := a.bucket.List(&blob.ListOptions{Prefix: container + "/"})
	for {
		obj, err := iter.Next(context.Background())
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(c.t, err)
		keys = append(keys, strings.TrimPrefix(obj.Key, container+"/"))
	}
	return keys
}

// fakeStore is the ContainerStore of one fake account.
type fakeStore struct {
	cloud   *fakeCloud
	name    string
	account *fakeAccount
}

func (s *fakeStore) Exists(_ context.Context, container string) (bool, error) {
	s.cloud.mu.Lock()
	defer s.cloud.mu.Unlock()
	return s.account.containers[container], nil
}

func (s *fakeStore) Create(_ context.Context, container string) error {
	s.cloud.mu.Lock()
	defer s.cloud.mu.Unlock()
	s.cloud.record("create-container %s/%s", s.name, container)
	s.account.containers[container] = true
	return nil
}

func (s *fakeStore) Delete(ctx context.Context, container string) error {
	s.cloud.mu.Lock()
	defer s.cloud.mu.Unlock()
	s.cloud.record("delete-container %s/%s", s.name, container)
	delete(s.account.containers, container)
	s.account.deleted = append(s.account.deleted, container)

	iter := s.account.bucket.List(&blob.ListOptions{Prefix: container + "/"})
	for {
		obj, err := iter.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := s.account.bucket.Delete(ctx, obj.Key); err != nil {
			return err
		}
	}
}

func (s *fakeStore) URL(container string) string {
	return fmt.Sprintf("https://%s.blob.core.windows.net/%s", s.name, container)
}

func (s *fakeStore) Open(_ context.Context, container string) (*blob.Bucket, error) {
	return blob.PrefixedBucket(s.account.bucket, container+"/"), nil
}

// testDeployer wires a Deployer against cloud with deterministic ids.
func testDeployer(t *testing.T, cloud *fakeCloud) (*Deployer, *testclock.Clock) {
	t.Helper()
	clk := testclock.NewClock(testNow)
	factory := &fakeAuthFactory{}
	credentials := NewCredentialProvider("https://login.example.com", "common", factory.New)

	var n int
	var mu sync.Mutex
	d := NewDeployer(credentials, cloud,
		WithClock(clk),
		WithUserName(func() string { return "alice" }),
		WithIDGenerator(func() string {
			mu.Lock()
			defer mu.Unlock()
			n++
			return fmt.Sprintf("%032d", n)
		}),
	)
	return d, clk
}
