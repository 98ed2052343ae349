package clouddeploy

import (
	"fmt"
	"regexp"
)

var (
	serviceNamePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9-]{1,61}[a-zA-Z0-9]$`)
	accountNamePattern = regexp.MustCompile(`^[a-z0-9]{3,24}$`)
)

// DeployRequest specifies a package deployment into a hosted service slot.
type DeployRequest struct {
	// Subscription owns the hosted service and the storage accounts.
	Subscription Subscription `json:"subscription"`

	// Service is the hosted service to deploy to.
	Service string `json:"service"`

	// Storage is the account the package is uploaded to.
	Storage StorageAccount `json:"storage"`

	// Slot is the target deployment slot.
	Slot Slot `json:"slot"`

	// Policy selects create/upgrade/recreate behavior.
	Policy UpgradePolicy `json:"policy"`

	// PackagePath is the local service package (.cspkg).
	PackagePath string `json:"package_path"`

	// ConfigPath is the local service configuration (.cscfg).
	ConfigPath string `json:"config_path"`

	// DiagConfigPath is the optional diagnostics extension public configuration.
	DiagConfigPath string `json:"diag_config_path,omitempty"`

	// DiagStorage is the account diagnostics data is written to.
	// When nil the account is read from the service configuration.
	DiagStorage *StorageAccount `json:"diag_storage,omitempty"`

	// Label is the deployment label. Empty means "<UTC timestamp> <user>".
	Label string `json:"label,omitempty"`

	// CleanupUnusedExtensions removes diagnostics extensions no slot uses
	// before adding the new one.
	CleanupUnusedExtensions bool `json:"cleanup_unused_extensions,omitempty"`

	// ForceOnUpgrade allows in-place upgrades that would lose local data.
	ForceOnUpgrade bool `json:"force_on_upgrade,omitempty"`
}

// Validate checks the request fields.
func (r *DeployRequest) Validate() error {
	if r.Subscription.ID == "" {
		return fmt.Errorf("subscription id is required")
	}
	if err := validateServiceName(r.Service); err != nil {
		return err
	}
	if err := validateAccountName("storage", r.Storage.Name); err != nil {
		return err
	}
	if r.DiagStorage != nil {
		if err := validateAccountName("diag_storage", r.DiagStorage.Name); err != nil {
			return err
		}
	}
	if err := validateSlot(r.Slot); err != nil {
		return err
	}
	if !validPolicy(r.Policy) {
		return fmt.Errorf("unknown upgrade policy %q", r.Policy)
	}
	if r.PackagePath == "" {
		return fmt.Errorf("package_path is required")
	}
	if r.ConfigPath == "" {
		return fmt.Errorf("config_path is required")
	}
	return nil
}

// DownloadRequest specifies retrieval of the package deployed in a slot.
type DownloadRequest struct {
	// Subscription owns the hosted service.
	Subscription Subscription `json:"subscription"`

	// Service is the hosted service to download from.
	Service string `json:"service"`

	// Slot is the slot whose deployment is downloaded.
	Slot Slot `json:"slot"`

	// TempStorage is the account the control plane exports the package to.
	TempStorage StorageAccount `json:"temp_storage"`

	// DestDir is the local directory files are written to.
	DestDir string `json:"dest_dir"`

	// WarnInsteadOfFail turns an empty slot into a warning instead of an error.
	WarnInsteadOfFail bool `json:"warn_instead_of_fail,omitempty"`
}

// Validate checks the request fields.
func (r *DownloadRequest) Validate() error {
	if r.Subscription.ID == "" {
		return fmt.Errorf("subscription id is required")
	}
	if err := validateServiceName(r.Service); err != nil {
		return err
	}
	if err := validateSlot(r.Slot); err != nil {
		return err
	}
	if err := validateAccountName("temp_storage", r.TempStorage.Name); err != nil {
		return err
	}
	if r.DestDir == "" {
		return fmt.Errorf("dest_dir is required")
	}
	return nil
}

func validateServiceName(name string) error {
	if name == "" {
		return fmt.Errorf("service is required")
	}
	if !serviceNamePattern.MatchString(name) {
		return fmt.Errorf("invalid service name %q", name)
	}
	return nil
}

func validateAccountName(field, name string) error {
	if name == "" {
		return fmt.Errorf("%s is required", field)
	}
	if !accountNamePattern.MatchString(name) {
		return fmt.Errorf("%s: invalid storage account name %q (3-24 lowercase letters and digits)", field, name)
	}
	return nil
}

func validPolicy(policy UpgradePolicy) bool {
	for _, p := range UpgradePolicies {
		if p == policy {
			return true
		}
	}
	return false
}

func validateSlot(slot Slot) error {
	if slot != SlotProduction && slot != SlotStaging {
		return fmt.Errorf("slot must be Production or Staging, got %q", slot)
	}
	return nil
}
