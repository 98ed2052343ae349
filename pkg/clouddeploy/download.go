package clouddeploy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gocloud.dev/blob"
)

const (
	tempContainerPrefix = "acd-temp-"
	downloadTimeFormat  = "2006-01-02 15-04"
	pubConfigSuffix     = ".PubConfig.xml"
)

// DownloadPrefix returns the file name prefix downloaded files share.
func (d *Deployer) DownloadPrefix(service string, slot Slot) string {
	return fmt.Sprintf("%s %s %s", d.clock.Now().Local().Format(downloadTimeFormat), service, slot)
}

// Download exports the package deployed in the slot of req to a temporary
// container, copies every exported blob to req.DestDir and writes the
// diagnostics public configuration next to them. The temporary container
// is deleted on every exit path once it was created.
func (d *Deployer) Download(ctx context.Context, req *DownloadRequest) (result *DownloadResult, err error) {
	if err := req.Validate(); err != nil {
		return nil, ErrValidation(err.Error())
	}

	s, err := d.Session(ctx, req.Subscription)
	if err != nil {
		return nil, err
	}

	d.logger.Info("Checking existing deployment...", "service", req.Service, "slot", req.Slot)
	detail, err := s.Compute.GetDetailedService(ctx, req.Service)
	if err != nil {
		return nil, remoteErr("get-detailed-service", err)
	}
	if detail.DeploymentIn(req.Slot) == nil {
		if req.WarnInsteadOfFail {
			d.logger.Warn("No deployment found in selected slot, not downloading", "service", req.Service, "slot", req.Slot)
			return &DownloadResult{Skipped: true}, nil
		}
		return nil, ErrNotFound("deployment", req.Service+"/"+string(req.Slot)).
			WithDetail("reason", "no deployment found in selected slot")
	}

	pubConfig, err := d.diagnosticsPublicConfig(ctx, s, req.Service, req.Slot)
	if err != nil {
		return nil, err
	}

	d.logger.Info("Preparing temp storage account...", "account", req.TempStorage.Name)
	keys, err := s.Storage.GetStorageKeys(ctx, req.TempStorage.Name)
	if err != nil {
		return nil, remoteErr("get-storage-keys", err)
	}
	store, err := d.connector.Containers(ctx, req.TempStorage.Name, keys.Primary)
	if err != nil {
		return nil, remoteErr("open-storage", err)
	}

	container := tempContainerPrefix + d.newID()
	d.logger.Info("Creating temp container...", "container", container)
	if err := store.Create(ctx, container); err != nil {
		return nil, remoteErr("create-container", err)
	}
	defer func() {
		d.logger.Info("Cleaning up temp storage...", "container", container)
		if derr := store.Delete(context.WithoutCancel(ctx), container); derr != nil {
			d.logger.Error("Couldn't delete temp container", "container", container, "error", derr)
			if err == nil {
				result, err = nil, remoteErr("delete-container", derr)
			}
		}
	}()

	d.logger.Info("Exporting package to temp storage...", "account", req.TempStorage.Name)
	opID, err := s.Compute.GetPackageBySlot(ctx, req.Service, req.Slot, store.URL(container))
	if err != nil {
		return nil, remoteErr("get-package", err)
	}
	if err := d.waiter.Wait(ctx, s, opID); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(req.DestDir, 0o755); err != nil {
		return nil, ErrIO("couldn't create destination directory").
			WithResource("directory", req.DestDir).
			WithCause(err)
	}

	bucket, err := store.Open(ctx, container)
	if err != nil {
		return nil, remoteErr("open-container", err)
	}
	defer bucket.Close()

	prefix := d.DownloadPrefix(req.Service, req.Slot)
	result = &DownloadResult{}

	d.logger.Info("Downloading from storage...", "destination", req.DestDir)
	iter := bucket.List(nil)
	for {
		obj, err := iter.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, remoteErr("list-blobs", err)
		}
		if obj.IsDir {
			continue
		}

		name := prefix + " " + filepath.FromSlash(obj.Key)
		if !filepath.IsLocal(name) {
			return nil, ErrIO("blob name resolves outside the destination directory").
				WithResource("blob", obj.Key)
		}
		path := filepath.Join(req.DestDir, name)
		d.logger.Info("Downloading", "blob", obj.Key, "file", path)
		if err := downloadFile(ctx, bucket, obj.Key, path); err != nil {
			return nil, err
		}
		result.Files = append(result.Files, path)
	}

	if pubConfig != "" {
		path := filepath.Join(req.DestDir, prefix+pubConfigSuffix)
		d.logger.Info("Writing PubConfig...", "file", path)
		if err := os.WriteFile(path, []byte(pubConfig), 0o644); err != nil {
			return nil, ErrIO("couldn't write diagnostics public configuration").
				WithResource("file", path).
				WithCause(err)
		}
		result.PubConfigPath = path
	}

	d.logger.Info("Package download successful", "service", req.Service, "slot", req.Slot, "files", len(result.Files))
	return result, nil
}

// diagnosticsPublicConfig returns the public configuration of the
// diagnostics extension the slot's deployment references, or "".
func (d *Deployer) diagnosticsPublicConfig(ctx context.Context, s *Session, service string, slot Slot) (string, error) {
	d.logger.Info("Getting current diagnostics extension data (if any)...")
	dep, err := s.Compute.GetDeploymentBySlot(ctx, service, slot)
	if err != nil {
		return "", remoteErr("get-deployment", err)
	}

	var pubConfig string
	for _, id := range dep.ExtensionConfiguration.IDs() {
		ext, err := s.Compute.GetExtension(ctx, service, id)
		if err != nil {
			return "", remoteErr("get-extension", err)
		}
		if ext.Type == DiagnosticsExtensionType {
			d.logger.Info("Found diagnostics extension", "extension", id)
			pubConfig = ext.PublicConfiguration
		}
	}
	if pubConfig == "" {
		d.logger.Info("No diagnostics extension found")
	}
	return pubConfig, nil
}

func downloadFile(ctx context.Context, bucket *blob.Bucket, key, path string) error {
	r, err := bucket.NewReader(ctx, key, nil)
	if err != nil {
		return remoteErr("download-blob", err)
	}
	defer r.Close()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return ErrIO("couldn't create directory").WithResource("file", path).WithCause(err)
	}
	f, err := os.Create(path)
	if err != nil {
		return ErrIO("couldn't create file").WithResource("file", path).WithCause(err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return remoteErr("download-blob", err)
	}
	if err := f.Close(); err != nil {
		return ErrIO("couldn't write file").WithResource("file", path).WithCause(err)
	}
	return nil
}
