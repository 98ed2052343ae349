package clouddeploy

import (
	"context"
	"log/slog"
)

// DiagnosticsExtensionType is the extension type of the diagnostics agent.
const DiagnosticsExtensionType = "PaaSDiagnostics"

// ExtensionFailure records an extension that could not be deleted.
type ExtensionFailure struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

// ReconcileReport summarizes an extension cleanup.
type ReconcileReport struct {
	// InUse are extension ids referenced by a deployment in either slot.
	InUse []string `json:"in_use,omitempty"`

	// Kept are registered extensions skipped because they are in use.
	Kept []string `json:"kept,omitempty"`

	// Deleted are extensions removed.
	Deleted []string `json:"deleted,omitempty"`

	// Failed are extensions whose deletion failed.
	Failed []ExtensionFailure `json:"failed,omitempty"`
}

// ExtensionManager finds the extensions in use by a hosted service and
// removes registered extensions nothing references anymore.
type ExtensionManager struct {
	waiter *Waiter
	logger *slog.Logger
}

// NewExtensionManager creates an extension manager.
func NewExtensionManager(waiter *Waiter, logger *slog.Logger) *ExtensionManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExtensionManager{waiter: waiter, logger: logger}
}

// InUse returns the ids referenced by the extension configuration of the
// deployments in the production and staging slots, in slot order.
func (m *ExtensionManager) InUse(ctx context.Context, s *Session, service string) ([]string, error) {
	m.logger.Info("Retrieving current deployment details and currently used extensions...", "service", service)
	detail, err := s.Compute.GetDetailedService(ctx, service)
	if err != nil {
		return nil, remoteErr("get-detailed-service", err)
	}

	seen := make(map[string]bool)
	var ids []string
	for _, slot := range Slots {
		if detail.DeploymentIn(slot) == nil {
			continue
		}
		dep, err := s.Compute.GetDeploymentBySlot(ctx, service, slot)
		if err != nil {
			return nil, remoteErr("get-deployment", err)
		}
		for _, id := range dep.ExtensionConfiguration.IDs() {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	return ids, nil
}

// Reconcile deletes every registered extension of extType that no slot
// references. A failed deletion is logged and recorded in the report; it
// never aborts the reconciliation. Only failing to read the current state
// returns an error.
func (m *ExtensionManager) Reconcile(ctx context.Context, s *Session, service, extType string) (*ReconcileReport, error) {
	inUse, err := m.InUse(ctx, s, service)
	if err != nil {
		return nil, err
	}
	used := make(map[string]bool, len(inUse))
	for _, id := range inUse {
		used[id] = true
	}
	report := &ReconcileReport{InUse: inUse}

	m.logger.Info("Retrieving all extensions...", "service", service)
	registered, err := s.Compute.ListExtensions(ctx, service)
	if err != nil {
		return nil, remoteErr("list-extensions", err)
	}

	for _, ext := range registered {
		if ext.Type != extType {
			continue
		}
		if used[ext.ID] {
			m.logger.Info("Skip deleting extension, it is in use by a deployment", "extension", ext.ID)
			report.Kept = append(report.Kept, ext.ID)
			continue
		}

		m.logger.Info("Deleting unused extension...", "extension", ext.ID)
		if err := m.delete(ctx, s, service, ext.ID); err != nil {
			if ctx.Err() != nil {
				return report, err
			}
			m.logger.Error("Couldn't delete extension, it might be in use", "extension", ext.ID, "error", err)
			report.Failed = append(report.Failed, ExtensionFailure{ID: ext.ID, Error: err.Error()})
			continue
		}
		report.Deleted = append(report.Deleted, ext.ID)
	}
	return report, nil
}

func (m *ExtensionManager) delete(ctx context.Context, s *Session, service, id string) error {
	opID, err := s.Compute.DeleteExtension(ctx, service, id)
	if err != nil {
		return remoteErr("delete-extension", err)
	}
	return m.waiter.Wait(ctx, s, opID)
}
