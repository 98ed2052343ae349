package clouddeploy

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Slot identifies one of the two parallel deployment targets of a hosted service.
type Slot string

const (
	// SlotProduction is the production slot.
	SlotProduction Slot = "Production"
	// SlotStaging is the staging slot.
	SlotStaging Slot = "Staging"
)

// Slots lists every deployment slot in lookup order.
var Slots = []Slot{SlotProduction, SlotStaging}

// ParseSlot converts a case-insensitive slot name into a Slot.
func ParseSlot(s string) (Slot, error) {
	for _, slot := range Slots {
		if strings.EqualFold(s, string(slot)) {
			return slot, nil
		}
	}
	return "", ErrValidation(fmt.Sprintf("unknown slot %q (expected Production or Staging)", s))
}

// String implements fmt.Stringer.
func (s Slot) String() string {
	return string(s)
}

// UpgradePolicy selects how an existing deployment in the target slot is replaced.
type UpgradePolicy string

const (
	// PolicyDeleteAndRecreate deletes the current deployment and creates a new one.
	PolicyDeleteAndRecreate UpgradePolicy = "delete-and-recreate"
	// PolicyDeleteAndRecreateStopped is PolicyDeleteAndRecreate with the new deployment left stopped.
	PolicyDeleteAndRecreateStopped UpgradePolicy = "delete-and-recreate-stopped"
	// PolicyUpgradeWithUpdateDomains upgrades in place one update domain at a time.
	PolicyUpgradeWithUpdateDomains UpgradePolicy = "upgrade-update-domains"
	// PolicyUpgradeSimultaneous upgrades in place with all update domains at once.
	PolicyUpgradeSimultaneous UpgradePolicy = "upgrade-simultaneous"
)

// UpgradePolicies lists every supported policy.
var UpgradePolicies = []UpgradePolicy{
	PolicyDeleteAndRecreate,
	PolicyDeleteAndRecreateStopped,
	PolicyUpgradeWithUpdateDomains,
	PolicyUpgradeSimultaneous,
}

// Description returns the human-readable description shown to users.
func (p UpgradePolicy) Description() string {
	switch p {
	case PolicyDeleteAndRecreate:
		return "Delete/create new deployment"
	case PolicyDeleteAndRecreateStopped:
		return "Delete/create new deployment (stopped)"
	case PolicyUpgradeWithUpdateDomains:
		return "Upgrade (or create) respecting update domains"
	case PolicyUpgradeSimultaneous:
		return "Upgrade (or create) with all update domains simultaneously"
	default:
		return string(p)
	}
}

// recreates reports whether the policy belongs to the delete-and-recreate family.
func (p UpgradePolicy) recreates() bool {
	return p == PolicyDeleteAndRecreate || p == PolicyDeleteAndRecreateStopped
}

// ParseUpgradePolicy converts a policy name into an UpgradePolicy.
func ParseUpgradePolicy(s string) (UpgradePolicy, error) {
	for _, p := range UpgradePolicies {
		if strings.EqualFold(s, string(p)) {
			return p, nil
		}
	}
	return "", ErrValidation(fmt.Sprintf("unknown upgrade policy %q", s))
}

// UpgradeMode is the in-place upgrade mode sent to the control plane.
type UpgradeMode string

const (
	// UpgradeModeAuto upgrades update domains one after another.
	UpgradeModeAuto UpgradeMode = "Auto"
	// UpgradeModeSimultaneous upgrades all update domains at once.
	UpgradeModeSimultaneous UpgradeMode = "Simultaneous"
)

// Subscription identifies a billing and authorization scope.
type Subscription struct {
	// ID is the subscription id.
	ID string `json:"id"`

	// TenantID is the directory tenant the subscription belongs to.
	// Tokens for this subscription are requested from this tenant's authority.
	TenantID string `json:"tenant_id,omitempty"`

	// DisplayName is the subscription's display name.
	DisplayName string `json:"display_name,omitempty"`
}

// HostedService is a named deployable unit.
type HostedService struct {
	// Name is the service name (the DNS prefix).
	Name string `json:"name"`

	// Label is the decoded service label.
	Label string `json:"label,omitempty"`

	// Location is the region or affinity group.
	Location string `json:"location,omitempty"`

	// URL is the management URL of the service.
	URL string `json:"url,omitempty"`
}

// HostedServiceDetail is a hosted service with its deployments embedded.
type HostedServiceDetail struct {
	Name        string
	Deployments []DeploymentSummary
}

// DeploymentIn returns the deployment occupying slot, or nil.
func (d *HostedServiceDetail) DeploymentIn(slot Slot) *DeploymentSummary {
	if d == nil {
		return nil
	}
	for i := range d.Deployments {
		if d.Deployments[i].Slot == slot {
			return &d.Deployments[i]
		}
	}
	return nil
}

// DeploymentSummary is the per-slot part of a detailed service listing.
type DeploymentSummary struct {
	Slot                   Slot
	Name                   string
	ExtensionConfiguration *ExtensionConfiguration
}

// Deployment is the full description of the deployment occupying a slot.
type Deployment struct {
	Name                   string
	Slot                   Slot
	Label                  string
	Configuration          string
	Status                 string
	ExtensionConfiguration *ExtensionConfiguration
}

// ExtensionRef references a registered extension instance by id.
type ExtensionRef struct {
	ID string
}

// RoleExtensions lists the extensions applied to a single named role.
type RoleExtensions struct {
	RoleName   string
	Extensions []ExtensionRef
}

// ExtensionConfiguration maps role scopes to extension instance ids.
type ExtensionConfiguration struct {
	// AllRoles are extensions applied to every role.
	AllRoles []ExtensionRef

	// NamedRoles are extensions applied to individual roles.
	NamedRoles []RoleExtensions
}

// IDs returns every referenced extension id, all-roles entries first,
// without duplicates.
func (c *ExtensionConfiguration) IDs() []string {
	if c == nil {
		return nil
	}
	seen := make(map[string]bool)
	var ids []string
	add := func(refs []ExtensionRef) {
		for _, ref := range refs {
			if ref.ID == "" || seen[ref.ID] {
				continue
			}
			seen[ref.ID] = true
			ids = append(ids, ref.ID)
		}
	}
	add(c.AllRoles)
	for _, role := range c.NamedRoles {
		add(role.Extensions)
	}
	return ids
}

// IsEmpty reports whether the configuration references no extension.
func (c *ExtensionConfiguration) IsEmpty() bool {
	return len(c.IDs()) == 0
}

// ExtensionImage is an extension type the platform offers for hosted services.
type ExtensionImage struct {
	ProviderNamespace string
	Type              string
	Version           string
}

// ExtensionInstance is an extension registered against a hosted service.
type ExtensionInstance struct {
	ProviderNamespace    string
	Type                 string
	Version              string
	ID                   string
	PublicConfiguration  string
	PrivateConfiguration string
}

// StorageAccount is a named storage account.
type StorageAccount struct {
	// Name is the account name.
	Name string `json:"name"`

	// URL is the management URL of the account.
	URL string `json:"url,omitempty"`
}

// StorageKeys holds the access keys of a storage account.
type StorageKeys struct {
	Primary   string
	Secondary string
}

// DeploymentParams describes a deployment to create.
type DeploymentParams struct {
	Name                   string
	PackageURL             string
	Configuration          string
	Label                  string
	StartDeployment        bool
	ExtensionConfiguration *ExtensionConfiguration
}

// UpgradeParams describes an in-place upgrade of an existing deployment.
type UpgradeParams struct {
	PackageURL             string
	Configuration          string
	Label                  string
	Mode                   UpgradeMode
	Force                  bool
	ExtensionConfiguration *ExtensionConfiguration
}

// OperationState is the state of a long-running operation.
type OperationState string

const (
	// OperationInProgress means the operation has not finished yet.
	OperationInProgress OperationState = "InProgress"
	// OperationSucceeded means the operation completed successfully.
	OperationSucceeded OperationState = "Succeeded"
	// OperationFailed means the operation completed with an error.
	OperationFailed OperationState = "Failed"
)

// OperationStatus is the polled status of a long-running operation.
type OperationStatus struct {
	ID             string
	Status         OperationState
	HTTPStatusCode int
	Error          *OperationError
}

// Credential is a bearer token and its expiry.
type Credential struct {
	Token     string
	ExpiresOn time.Time
}

// TokenCredentials is the credential a set of clients authenticates with.
// The token can be swapped while the clients are in use.
type TokenCredentials struct {
	subscriptionID string

	mu        sync.RWMutex
	token     string
	expiresOn time.Time
}

// NewTokenCredentials binds cred to a subscription.
func NewTokenCredentials(subscriptionID string, cred Credential) *TokenCredentials {
	return &TokenCredentials{
		subscriptionID: subscriptionID,
		token:          cred.Token,
		expiresOn:      cred.ExpiresOn,
	}
}

// SubscriptionID returns the subscription the credentials are bound to.
func (c *TokenCredentials) SubscriptionID() string {
	return c.subscriptionID
}

// Token returns the current token and its expiry.
func (c *TokenCredentials) Token() (string, time.Time) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token, c.expiresOn
}

// SetToken swaps the current token.
func (c *TokenCredentials) SetToken(cred Credential) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = cred.Token
	c.expiresOn = cred.ExpiresOn
}

// DeployAction records what a deploy did to the target slot.
type DeployAction string

const (
	ActionCreated   DeployAction = "created"
	ActionRecreated DeployAction = "recreated"
	ActionUpgraded  DeployAction = "upgraded"
)

// DeployResult summarizes a successful deploy.
type DeployResult struct {
	// DeploymentName is the name of the created or upgraded deployment.
	DeploymentName string `json:"deployment_name"`

	// PackageURL is where the package was uploaded.
	PackageURL string `json:"package_url"`

	// ExtensionID is the diagnostics extension added, if any.
	ExtensionID string `json:"extension_id,omitempty"`

	// Label is the deployment label used.
	Label string `json:"label"`

	// Action is what happened to the slot.
	Action DeployAction `json:"action"`

	// Reconcile is the extension cleanup report, if cleanup ran.
	Reconcile *ReconcileReport `json:"reconcile,omitempty"`
}

// DownloadResult summarizes a package download.
type DownloadResult struct {
	// Files are the downloaded package files.
	Files []string `json:"files,omitempty"`

	// PubConfigPath is the diagnostics public configuration sidecar, if written.
	PubConfigPath string `json:"pub_config_path,omitempty"`

	// Skipped is set when the slot was empty and warnings were requested.
	Skipped bool `json:"skipped,omitempty"`
}
