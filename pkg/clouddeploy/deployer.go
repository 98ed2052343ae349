package clouddeploy

import (
	"context"
	"fmt"
	"io"
	"os"

	"gocloud.dev/blob"
)

const (
	// DeploymentContainer holds uploaded service packages.
	DeploymentContainer = "acd-deployments"

	labelTimeFormat = "2006-01-02 15:04:05Z"
)

// PackageBlobName returns the blob name a service package is uploaded under.
func PackageBlobName(service string, slot Slot) string {
	return fmt.Sprintf("%s-%s.cspkg", service, slot)
}

// ExtensionID returns the id of a diagnostics extension instance.
func ExtensionID(suffix string) string {
	return "acd-diagnostics-" + suffix
}

// deployInputs is the state the steps of one Deploy call hand to each other.
type deployInputs struct {
	configuration string
	diagConfig    string
	packageURL    string
	packageKey    string
	diagAccount   string
	diagKey       string
	image         *ExtensionImage
	extConfig     *ExtensionConfiguration
}

// Deploy uploads the package of req and creates, upgrades or recreates the
// deployment in the target slot according to req.Policy. Every step is a
// commit point; a failure leaves the remote state as the last completed
// step left it.
func (d *Deployer) Deploy(ctx context.Context, req *DeployRequest) (*DeployResult, error) {
	if err := req.Validate(); err != nil {
		return nil, ErrValidation(err.Error())
	}
	strategy := d.strategy(req.Policy)

	s, err := d.Session(ctx, req.Subscription)
	if err != nil {
		return nil, err
	}

	in, err := readDeployFiles(req)
	if err != nil {
		return nil, err
	}

	if err := d.uploadPackage(ctx, s, req, in); err != nil {
		return nil, err
	}

	if err := d.resolveDiagnosticsStorage(ctx, s, req, in); err != nil {
		return nil, err
	}

	if err := d.findDiagnosticsImage(ctx, s, in); err != nil {
		return nil, err
	}

	result := &DeployResult{PackageURL: in.packageURL}

	if req.CleanupUnusedExtensions {
		report, err := d.extensions.Reconcile(ctx, s, req.Service, DiagnosticsExtensionType)
		if err != nil {
			return nil, err
		}
		result.Reconcile = report
	} else {
		d.logger.Info("Skipping cleanup of unused extensions")
	}

	if in.diagConfig != "" {
		id, err := d.addDiagnosticsExtension(ctx, s, req.Service, in)
		if err != nil {
			return nil, err
		}
		result.ExtensionID = id
		in.extConfig = &ExtensionConfiguration{AllRoles: []ExtensionRef{{ID: id}}}
	}

	label := req.Label
	if label == "" {
		label = d.clock.Now().UTC().Format(labelTimeFormat) + " " + d.userName()
	}
	result.Label = label

	params := DeploymentParams{
		Name:                   d.newID(),
		PackageURL:             in.packageURL,
		Configuration:          in.configuration,
		Label:                  label,
		StartDeployment:        true,
		ExtensionConfiguration: in.extConfig,
	}
	upgrade := UpgradeParams{
		PackageURL:             in.packageURL,
		Configuration:          in.configuration,
		Label:                  label,
		Mode:                   UpgradeModeAuto,
		Force:                  req.ForceOnUpgrade,
		ExtensionConfiguration: in.extConfig,
	}
	if req.Policy == PolicyUpgradeSimultaneous {
		upgrade.Mode = UpgradeModeSimultaneous
	}
	if req.Policy == PolicyDeleteAndRecreateStopped {
		params.StartDeployment = false
	}

	name, act, err := strategy(ctx, s, req, params, upgrade)
	if err != nil {
		return nil, err
	}
	result.DeploymentName = name
	result.Action = act

	d.logger.Info("Deployment successful",
		"service", req.Service,
		"slot", req.Slot,
		"deployment", name,
		"action", act)
	return result, nil
}

type deployStrategy func(ctx context.Context, s *Session, req *DeployRequest, params DeploymentParams, upgrade UpgradeParams) (string, DeployAction, error)

// strategy dispatches the upgrade policy once into a reconciliation strategy.
func (d *Deployer) strategy(policy UpgradePolicy) deployStrategy {
	if policy.recreates() {
		return d.recreate
	}
	return d.upgrade
}

// currentDeployment re-reads the detailed service state and returns the
// deployment occupying the slot, or nil.
func (d *Deployer) currentDeployment(ctx context.Context, s *Session, service string, slot Slot) (*DeploymentSummary, error) {
	d.logger.Info("Retrieving current deployments...", "service", service, "slot", slot)
	detail, err := s.Compute.GetDetailedService(ctx, service)
	if err != nil {
		return nil, remoteErr("get-detailed-service", err)
	}
	return detail.DeploymentIn(slot), nil
}

func (d *Deployer) recreate(ctx context.Context, s *Session, req *DeployRequest, params DeploymentParams, _ UpgradeParams) (string, DeployAction, error) {
	current, err := d.currentDeployment(ctx, s, req.Service, req.Slot)
	if err != nil {
		return "", "", err
	}

	action := ActionCreated
	if current != nil {
		params.Name = current.Name
		action = ActionRecreated

		d.logger.Info("Deleting current deployment...", "deployment", current.Name, "slot", req.Slot)
		opID, err := s.Compute.DeleteDeploymentBySlot(ctx, req.Service, req.Slot)
		if err != nil {
			return "", "", remoteErr("delete-deployment", err)
		}
		if err := d.waiter.Wait(ctx, s, opID); err != nil {
			return "", "", err
		}
	}

	if err := d.create(ctx, s, req, params); err != nil {
		return "", "", err
	}
	return params.Name, action, nil
}

func (d *Deployer) upgrade(ctx context.Context, s *Session, req *DeployRequest, params DeploymentParams, upgrade UpgradeParams) (string, DeployAction, error) {
	current, err := d.currentDeployment(ctx, s, req.Service, req.Slot)
	if err != nil {
		return "", "", err
	}

	if current == nil {
		d.logger.Info("No deployment in slot, creating a new one", "slot", req.Slot)
		if err := d.create(ctx, s, req, params); err != nil {
			return "", "", err
		}
		return params.Name, ActionCreated, nil
	}

	d.logger.Info("Upgrading deployment...",
		"deployment", current.Name,
		"slot", req.Slot,
		"mode", upgrade.Mode,
		"force", upgrade.Force)
	opID, err := s.Compute.UpgradeDeploymentBySlot(ctx, req.Service, req.Slot, upgrade)
	if err != nil {
		return "", "", remoteErr("upgrade-deployment", err)
	}
	if err := d.waiter.Wait(ctx, s, opID); err != nil {
		return "", "", err
	}
	return current.Name, ActionUpgraded, nil
}

func (d *Deployer) create(ctx context.Context, s *Session, req *DeployRequest, params DeploymentParams) error {
	d.logger.Info("Creating deployment...",
		"deployment", params.Name,
		"slot", req.Slot,
		"start", params.StartDeployment)
	opID, err := s.Compute.CreateDeployment(ctx, req.Service, req.Slot, params)
	if err != nil {
		return remoteErr("create-deployment", err)
	}
	return d.waiter.Wait(ctx, s, opID)
}

func readDeployFiles(req *DeployRequest) (*deployInputs, error) {
	in := &deployInputs{extConfig: &ExtensionConfiguration{}}

	cfg, err := os.ReadFile(req.ConfigPath)
	if err != nil {
		return nil, ErrIO("couldn't read service configuration").
			WithResource("file", req.ConfigPath).
			WithCause(err)
	}
	in.configuration = string(cfg)

	if req.DiagConfigPath != "" {
		diag, err := os.ReadFile(req.DiagConfigPath)
		if err != nil {
			return nil, ErrIO("couldn't read diagnostics configuration").
				WithResource("file", req.DiagConfigPath).
				WithCause(err)
		}
		in.diagConfig = string(diag)
	}
	return in, nil
}

func (d *Deployer) uploadPackage(ctx context.Context, s *Session, req *DeployRequest, in *deployInputs) error {
	d.logger.Info("Retrieving storage account keys...", "account", req.Storage.Name)
	keys, err := s.Storage.GetStorageKeys(ctx, req.Storage.Name)
	if err != nil {
		return remoteErr("get-storage-keys", err)
	}
	in.packageKey = keys.Primary

	store, err := d.connector.Containers(ctx, req.Storage.Name, keys.Primary)
	if err != nil {
		return remoteErr("open-storage", err)
	}

	exists, err := store.Exists(ctx, DeploymentContainer)
	if err != nil {
		return remoteErr("container-exists", err)
	}
	if !exists {
		d.logger.Info("Creating container...", "container", DeploymentContainer)
		if err := store.Create(ctx, DeploymentContainer); err != nil {
			return remoteErr("create-container", err)
		}
	}

	bucket, err := store.Open(ctx, DeploymentContainer)
	if err != nil {
		return remoteErr("open-container", err)
	}
	defer bucket.Close()

	name := PackageBlobName(req.Service, req.Slot)
	d.logger.Info("Uploading package...", "file", req.PackagePath, "blob", name)
	if err := uploadFile(ctx, bucket, name, req.PackagePath); err != nil {
		return err
	}
	in.packageURL = store.URL(DeploymentContainer) + "/" + name
	return nil
}

func uploadFile(ctx context.Context, bucket *blob.Bucket, key, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return ErrIO("couldn't open package").WithResource("file", path).WithCause(err)
	}
	defer f.Close()

	w, err := bucket.NewWriter(ctx, key, &blob.WriterOptions{ContentType: "application/octet-stream"})
	if err != nil {
		return remoteErr("upload-blob", err)
	}
	if _, err := io.Copy(w, f); err != nil {
		w.Close()
		return remoteErr("upload-blob", err)
	}
	if err := w.Close(); err != nil {
		return remoteErr("upload-blob", err)
	}
	return nil
}

func (d *Deployer) resolveDiagnosticsStorage(ctx context.Context, s *Session, req *DeployRequest, in *deployInputs) error {
	switch {
	case req.DiagStorage == nil:
		d.logger.Info("Retrieving diagnostics storage account from service configuration...")
		account, key, err := ParseDiagnosticsConnectionString(in.configuration)
		if err != nil {
			return err
		}
		d.logger.Info("Extracted diagnostics storage account", "account", account)
		in.diagAccount, in.diagKey = account, key

	case req.DiagStorage.Name == req.Storage.Name:
		in.diagAccount, in.diagKey = req.Storage.Name, in.packageKey

	default:
		d.logger.Info("Retrieving diagnostics storage account keys...", "account", req.DiagStorage.Name)
		keys, err := s.Storage.GetStorageKeys(ctx, req.DiagStorage.Name)
		if err != nil {
			return remoteErr("get-storage-keys", err)
		}
		in.diagAccount, in.diagKey = req.DiagStorage.Name, keys.Primary
	}
	return nil
}

func (d *Deployer) findDiagnosticsImage(ctx context.Context, s *Session, in *deployInputs) error {
	d.logger.Info("Retrieving available extensions...")
	images, err := s.Compute.ListAvailableExtensions(ctx)
	if err != nil {
		return remoteErr("list-available-extensions", err)
	}
	for i := range images {
		if images[i].Type == DiagnosticsExtensionType {
			in.image = &images[i]
			return nil
		}
	}
	return ErrNotFound("extension image", DiagnosticsExtensionType)
}

func (d *Deployer) addDiagnosticsExtension(ctx context.Context, s *Session, service string, in *deployInputs) (string, error) {
	ext := ExtensionInstance{
		ProviderNamespace:    in.image.ProviderNamespace,
		Type:                 in.image.Type,
		Version:              in.image.Version,
		ID:                   ExtensionID(d.newID()),
		PublicConfiguration:  in.diagConfig,
		PrivateConfiguration: DiagnosticsPrivateConfig(in.diagAccount, in.diagKey),
	}

	d.logger.Info("Adding diagnostics extension...", "extension", ext.ID, "storage", in.diagAccount)
	opID, err := s.Compute.AddExtension(ctx, service, ext)
	if err != nil {
		return "", remoteErr("add-extension", err)
	}
	if err := d.waiter.Wait(ctx, s, opID); err != nil {
		return "", err
	}
	return ext.ID, nil
}
