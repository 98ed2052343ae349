package clouddeploy

import (
	"context"
	"log/slog"
	"os"
	"os/user"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
)

// Deployer deploys packages to hosted service slots and downloads them back.
// It holds no per-invocation state; independent Deploy and Download calls
// may run concurrently.
type Deployer struct {
	credentials *CredentialProvider
	connector   Connector
	logger      *slog.Logger
	clock       clock.Clock

	pollInterval     time.Duration
	operationTimeout time.Duration
	newID            func() string
	userName         func() string

	waiter     *Waiter
	extensions *ExtensionManager
}

// DeployerOption configures the Deployer.
type DeployerOption func(*Deployer)

// WithLogger sets the logger progress is reported to.
func WithLogger(l *slog.Logger) DeployerOption {
	return func(d *Deployer) {
		d.logger = l
	}
}

// WithClock sets the clock used for polling and timestamps.
func WithClock(c clock.Clock) DeployerOption {
	return func(d *Deployer) {
		d.clock = c
	}
}

// WithPollInterval sets the pause between operation status polls.
func WithPollInterval(interval time.Duration) DeployerOption {
	return func(d *Deployer) {
		d.pollInterval = interval
	}
}

// WithOperationTimeout bounds each wait for a long-running operation.
// Zero means wait until the context is done.
func WithOperationTimeout(timeout time.Duration) DeployerOption {
	return func(d *Deployer) {
		d.operationTimeout = timeout
	}
}

// WithIDGenerator sets the generator of deployment names, extension ids
// and temporary container suffixes.
func WithIDGenerator(f func() string) DeployerOption {
	return func(d *Deployer) {
		d.newID = f
	}
}

// WithUserName sets the function naming the invoking user in default labels.
func WithUserName(f func() string) DeployerOption {
	return func(d *Deployer) {
		d.userName = f
	}
}

// NewDeployer creates a Deployer that authenticates through credentials and
// reaches the control plane through connector.
func NewDeployer(credentials *CredentialProvider, connector Connector, opts ...DeployerOption) *Deployer {
	d := &Deployer{
		credentials:  credentials,
		connector:    connector,
		logger:       slog.Default(),
		clock:        clock.WallClock,
		pollInterval: DefaultPollInterval,
		newID:        NewID,
		userName:     currentUserName,
	}

	for _, opt := range opts {
		opt(d)
	}

	d.waiter = NewWaiter(d.clock, d.pollInterval, d.operationTimeout, credentials, d.logger)
	d.extensions = NewExtensionManager(d.waiter, d.logger)
	return d
}

// Extensions returns the extension manager the Deployer uses.
func (d *Deployer) Extensions() *ExtensionManager {
	return d.extensions
}

// Session authenticates against the subscription's tenant and builds the
// clients one invocation works with.
func (d *Deployer) Session(ctx context.Context, sub Subscription) (*Session, error) {
	cred, err := d.credentials.ForSubscription(ctx, sub, false)
	if err != nil {
		return nil, err
	}
	creds := NewTokenCredentials(sub.ID, cred)

	compute, err := d.connector.Compute(creds)
	if err != nil {
		return nil, remoteErr("connect", err)
	}
	storage, err := d.connector.Storage(creds)
	if err != nil {
		return nil, remoteErr("connect", err)
	}
	return &Session{
		Subscription: sub,
		Credentials:  creds,
		Compute:      compute,
		Storage:      storage,
	}, nil
}

// NewID returns a random 32 character lowercase hex identifier.
func NewID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}

func currentUserName() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	if name := os.Getenv("USER"); name != "" {
		return name
	}
	return os.Getenv("USERNAME")
}
