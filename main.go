// Package main is the entry point for the csdeploy CLI.
//
// The CLI deploys service packages to the slots of Azure Cloud Services
// (classic), downloads deployed packages and lists the subscriptions,
// hosted services and storage accounts available to the signed-in user.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/anirudhbiyani/csdeploy/pkg/clouddeploy"
	"github.com/anirudhbiyani/csdeploy/pkg/config"
	"github.com/anirudhbiyani/csdeploy/pkg/providers/azure"
)

const (
	exitError           = 1
	exitValidationError = 2
)

const version = "0.1.0"

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if clouddeploy.IsCategory(err, clouddeploy.ErrCategoryValidation) {
			os.Exit(exitValidationError)
		}
		os.Exit(exitError)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		printUsage()
		return nil
	}

	// Setup context with signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
	}()

	cmd := args[0]
	cmdArgs := args[1:]

	switch cmd {
	case "deploy":
		return cmdDeploy(ctx, cmdArgs)
	case "download":
		return cmdDownload(ctx, cmdArgs)
	case "subscriptions":
		return cmdSubscriptions(ctx, cmdArgs)
	case "services":
		return cmdServices(ctx, cmdArgs)
	case "storage-accounts":
		return cmdStorageAccounts(ctx, cmdArgs)
	case "policies":
		return cmdPolicies()
	case "version":
		return cmdVersion()
	case "help", "-h", "--help":
		printUsage()
		return nil
	default:
		return fmt.Errorf("unknown command: %s\nRun 'csdeploy help' for usage", cmd)
	}
}

func printUsage() {
	fmt.Println(`csdeploy - Azure Cloud Service (classic) deployment tool

Usage:
  csdeploy <command> [options]

Commands:
  deploy            Upload a package and deploy it to a slot
  download          Download the package deployed in a slot
  subscriptions     List subscriptions of the signed-in account
  services          List hosted services of a subscription
  storage-accounts  List storage accounts of a subscription
  policies          List upgrade policies
  version           Show version information
  help              Show this help message

Deploy Options:
  -f, --file <path>          Deploy request file (JSON)
  --subscription <id>        Subscription ID
  --service <name>           Hosted service name
  --storage <account>        Storage account the package is uploaded to
  --slot <slot>              Production or Staging (default: Production)
  --policy <policy>          Upgrade policy (default: delete-and-recreate)
  --package <path>           Service package (.cspkg)
  --config <path>            Service configuration (.cscfg)
  --diag-config <path>       Diagnostics public configuration (optional)
  --diag-storage <account>   Diagnostics storage account (default: from .cscfg)
  --label <label>            Deployment label (default: "<UTC time> <user>")
  --cleanup-extensions       Remove unused diagnostics extensions first
  --force                    Force in-place upgrades

Download Options:
  -f, --file <path>          Download request file (JSON)
  --subscription <id>        Subscription ID
  --service <name>           Hosted service name
  --slot <slot>              Production or Staging (default: Production)
  --temp-storage <account>   Storage account used for the export
  -o, --out <dir>            Destination directory (default: .)
  --warn                     Warn instead of failing on an empty slot

Common Options:
  --refresh                  Sign in again and clear cached listings
  --json                     Print results as JSON
  -v, --verbose              Verbose output

Configuration is read from $CSDEPLOY_CONFIG, ./csdeploy.yaml or
~/.csdeploy/csdeploy.yaml; every key can be overridden with a CSDEPLOY_
environment variable (e.g. CSDEPLOY_AUTH_TENANT).

Examples:
  # Deploy to staging, upgrading in place
  csdeploy deploy --subscription 00000000-0000-0000-0000-000000000000 \
    --service my-service --storage mypackages --slot Staging \
    --policy upgrade-update-domains \
    --package MyService.cspkg --config ServiceConfiguration.Cloud.cscfg

  # Deploy with diagnostics, cleaning up unused extensions
  csdeploy deploy -f deploy.json --cleanup-extensions

  # Download the production package
  csdeploy download --subscription 00000000-0000-0000-0000-000000000000 \
    --service my-service --temp-storage mypackages -o ./packages

  # List hosted services
  csdeploy services --subscription 00000000-0000-0000-0000-000000000000`)
}

// commonOpts are accepted by every command that talks to Azure.
type commonOpts struct {
	refresh bool
	json    bool
	verbose bool

	// changed reports whether a flag was set on the command line.
	changed func(name string) bool
}

func (o *commonOpts) register(fs *pflag.FlagSet) {
	o.changed = fs.Changed
	fs.BoolVar(&o.refresh, "refresh", false, "sign in again and clear cached listings")
	fs.BoolVar(&o.json, "json", false, "print results as JSON")
	fs.BoolVarP(&o.verbose, "verbose", "v", false, "verbose output")
}

// app holds the services shared by the commands of one invocation.
type app struct {
	cfg         config.Config
	logger      *slog.Logger
	credentials *clouddeploy.CredentialProvider
	catalog     *clouddeploy.Catalog
	deployer    *clouddeploy.Deployer
}

func newApp(ctx context.Context, opts commonOpts) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	level := slog.LevelInfo
	if opts.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	factory := azure.NewAuthContextFactory(azure.IdentityConfig{
		Mode:        azure.AuthMode(cfg.Auth.Mode),
		ClientID:    cfg.Auth.ClientID,
		RedirectURL: cfg.Auth.RedirectURL,
		Scope:       cfg.Auth.Scope(),
		Prompt:      os.Stderr,
	})
	credentials := clouddeploy.NewCredentialProvider(cfg.Auth.AuthorityHost, cfg.Auth.Tenant, factory,
		clouddeploy.WithCredentialLogger(logger))

	connector := azure.NewConnector(
		azure.WithManagementEndpoint(cfg.Management.Endpoint),
		azure.WithAPIVersion(cfg.Management.APIVersion),
		azure.WithBlobSuffix(cfg.Management.BlobSuffix),
		azure.WithBlobEndpoint(cfg.Management.BlobEndpoint),
	)

	cache := clouddeploy.NewCache(clouddeploy.WithCacheTTL(cfg.Cache.TTL))

	a := &app{
		cfg:         cfg,
		logger:      logger,
		credentials: credentials,
		catalog:     clouddeploy.NewCatalog(cache, credentials, connector, logger),
		deployer: clouddeploy.NewDeployer(credentials, connector,
			clouddeploy.WithLogger(logger),
			clouddeploy.WithPollInterval(cfg.Deploy.PollInterval),
			clouddeploy.WithOperationTimeout(cfg.Deploy.OperationTimeout),
		),
	}

	if opts.refresh {
		a.catalog.Clear()
		if _, err := a.credentials.Credential(ctx, "", true); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// resolveSubscription fills in the tenant of a subscription from the
// account's subscription listing. Unknown subscriptions fall back to the
// default tenant.
func (a *app) resolveSubscription(ctx context.Context, sub clouddeploy.Subscription) (clouddeploy.Subscription, error) {
	if sub.ID == "" {
		return sub, clouddeploy.ErrValidation("--subscription is required")
	}
	if sub.TenantID != "" {
		return sub, nil
	}
	subs, err := a.catalog.Subscriptions(ctx, a.cfg.Auth.Tenant)
	if err != nil {
		return sub, err
	}
	for _, s := range subs {
		if strings.EqualFold(s.ID, sub.ID) {
			return s, nil
		}
	}
	a.logger.Warn("Subscription not listed for the signed-in account, using the default tenant", "subscription", sub.ID)
	return sub, nil
}

// CLI options for deploy
type deployOpts struct {
	commonOpts

	specFile string

	subscription   string
	service        string
	storage        string
	slot           string
	policy         string
	packagePath    string
	configPath     string
	diagConfigPath string
	diagStorage    string
	label          string
	cleanupUnused  bool
	forceOnUpgrade bool
}

func parseDeployOpts(args []string) (*deployOpts, error) {
	opts := &deployOpts{}
	fs := pflag.NewFlagSet("deploy", pflag.ContinueOnError)
	opts.register(fs)
	fs.StringVarP(&opts.specFile, "file", "f", "", "deploy request file (JSON)")
	fs.StringVar(&opts.subscription, "subscription", "", "subscription ID")
	fs.StringVar(&opts.service, "service", "", "hosted service name")
	fs.StringVar(&opts.storage, "storage", "", "storage account the package is uploaded to")
	fs.StringVar(&opts.slot, "slot", string(clouddeploy.SlotProduction), "Production or Staging")
	fs.StringVar(&opts.policy, "policy", string(clouddeploy.PolicyDeleteAndRecreate), "upgrade policy")
	fs.StringVar(&opts.packagePath, "package", "", "service package (.cspkg)")
	fs.StringVar(&opts.configPath, "config", "", "service configuration (.cscfg)")
	fs.StringVar(&opts.diagConfigPath, "diag-config", "", "diagnostics public configuration")
	fs.StringVar(&opts.diagStorage, "diag-storage", "", "diagnostics storage account")
	fs.StringVar(&opts.label, "label", "", "deployment label")
	fs.BoolVar(&opts.cleanupUnused, "cleanup-extensions", false, "remove unused diagnostics extensions first")
	fs.BoolVar(&opts.forceOnUpgrade, "force", false, "force in-place upgrades")
	if err := fs.Parse(args); err != nil {
		return nil, clouddeploy.ErrValidation(err.Error())
	}
	return opts, nil
}

// buildDeployRequest builds the request from the request file, if any, with
// explicitly set flags taking precedence.
func buildDeployRequest(opts *deployOpts) (*clouddeploy.DeployRequest, error) {
	changed := opts.changed
	req := &clouddeploy.DeployRequest{}
	if opts.specFile != "" {
		if err := loadRequest(opts.specFile, req); err != nil {
			return nil, err
		}
	}

	set := func(flag string, fromFile bool) bool {
		return changed(flag) || !fromFile
	}

	if set("subscription", req.Subscription.ID != "") {
		req.Subscription = clouddeploy.Subscription{ID: opts.subscription}
	}
	if set("service", req.Service != "") {
		req.Service = opts.service
	}
	if set("storage", req.Storage.Name != "") {
		req.Storage = clouddeploy.StorageAccount{Name: opts.storage}
	}
	if set("slot", req.Slot != "") {
		slot, err := clouddeploy.ParseSlot(opts.slot)
		if err != nil {
			return nil, err
		}
		req.Slot = slot
	}
	if set("policy", req.Policy != "") {
		policy, err := clouddeploy.ParseUpgradePolicy(opts.policy)
		if err != nil {
			return nil, err
		}
		req.Policy = policy
	}
	if set("package", req.PackagePath != "") {
		req.PackagePath = opts.packagePath
	}
	if set("config", req.ConfigPath != "") {
		req.ConfigPath = opts.configPath
	}
	if set("diag-config", req.DiagConfigPath != "") {
		req.DiagConfigPath = opts.diagConfigPath
	}
	if changed("diag-storage") || (req.DiagStorage == nil && opts.diagStorage != "") {
		req.DiagStorage = &clouddeploy.StorageAccount{Name: opts.diagStorage}
	}
	if set("label", req.Label != "") {
		req.Label = opts.label
	}
	if changed("cleanup-extensions") || opts.specFile == "" {
		req.CleanupUnusedExtensions = opts.cleanupUnused
	}
	if changed("force") || opts.specFile == "" {
		req.ForceOnUpgrade = opts.forceOnUpgrade
	}
	return req, nil
}

func cmdDeploy(ctx context.Context, args []string) error {
	opts, err := parseDeployOpts(args)
	if err != nil {
		return err
	}
	req, err := buildDeployRequest(opts)
	if err != nil {
		return err
	}

	a, err := newApp(ctx, opts.commonOpts)
	if err != nil {
		return err
	}
	if req.Subscription, err = a.resolveSubscription(ctx, req.Subscription); err != nil {
		return err
	}

	a.logger.Info("Starting deployment",
		"service", req.Service,
		"slot", req.Slot,
		"policy", req.Policy.Description())

	result, err := a.deployer.Deploy(ctx, req)
	if err != nil {
		return err
	}

	if opts.json {
		return printJSON(result)
	}

	fmt.Println("=== Deployment ===")
	fmt.Printf("Service: %s\n", req.Service)
	fmt.Printf("Slot: %s\n", req.Slot)
	fmt.Printf("Action: %s\n", result.Action)
	fmt.Printf("Deployment: %s\n", result.DeploymentName)
	fmt.Printf("Label: %s\n", result.Label)
	fmt.Printf("Package: %s\n", result.PackageURL)
	if result.ExtensionID != "" {
		fmt.Printf("Diagnostics extension: %s\n", result.ExtensionID)
	}
	if r := result.Reconcile; r != nil {
		fmt.Println("\nExtension cleanup:")
		fmt.Printf("  In use: %s\n", strings.Join(r.InUse, ", "))
		fmt.Printf("  Deleted: %s\n", strings.Join(r.Deleted, ", "))
		for _, f := range r.Failed {
			fmt.Printf("  Failed: %s (%s)\n", f.ID, f.Error)
		}
	}
	return nil
}

// CLI options for download
type downloadOpts struct {
	commonOpts

	specFile string

	subscription string
	service      string
	slot         string
	tempStorage  string
	destDir      string
	warn         bool
}

func parseDownloadOpts(args []string) (*downloadOpts, error) {
	opts := &downloadOpts{}
	fs := pflag.NewFlagSet("download", pflag.ContinueOnError)
	opts.register(fs)
	fs.StringVarP(&opts.specFile, "file", "f", "", "download request file (JSON)")
	fs.StringVar(&opts.subscription, "subscription", "", "subscription ID")
	fs.StringVar(&opts.service, "service", "", "hosted service name")
	fs.StringVar(&opts.slot, "slot", string(clouddeploy.SlotProduction), "Production or Staging")
	fs.StringVar(&opts.tempStorage, "temp-storage", "", "storage account used for the export")
	fs.StringVarP(&opts.destDir, "out", "o", ".", "destination directory")
	fs.BoolVar(&opts.warn, "warn", false, "warn instead of failing on an empty slot")
	if err := fs.Parse(args); err != nil {
		return nil, clouddeploy.ErrValidation(err.Error())
	}
	return opts, nil
}

func buildDownloadRequest(opts *downloadOpts) (*clouddeploy.DownloadRequest, error) {
	changed := opts.changed
	req := &clouddeploy.DownloadRequest{}
	if opts.specFile != "" {
		if err := loadRequest(opts.specFile, req); err != nil {
			return nil, err
		}
	}

	set := func(flag string, fromFile bool) bool {
		return changed(flag) || !fromFile
	}

	if set("subscription", req.Subscription.ID != "") {
		req.Subscription = clouddeploy.Subscription{ID: opts.subscription}
	}
	if set("service", req.Service != "") {
		req.Service = opts.service
	}
	if set("slot", req.Slot != "") {
		slot, err := clouddeploy.ParseSlot(opts.slot)
		if err != nil {
			return nil, err
		}
		req.Slot = slot
	}
	if set("temp-storage", req.TempStorage.Name != "") {
		req.TempStorage = clouddeploy.StorageAccount{Name: opts.tempStorage}
	}
	if set("out", req.DestDir != "") {
		req.DestDir = opts.destDir
	}
	if changed("warn") || opts.specFile == "" {
		req.WarnInsteadOfFail = opts.warn
	}
	return req, nil
}

func cmdDownload(ctx context.Context, args []string) error {
	opts, err := parseDownloadOpts(args)
	if err != nil {
		return err
	}
	req, err := buildDownloadRequest(opts)
	if err != nil {
		return err
	}

	a, err := newApp(ctx, opts.commonOpts)
	if err != nil {
		return err
	}
	if req.Subscription, err = a.resolveSubscription(ctx, req.Subscription); err != nil {
		return err
	}

	result, err := a.deployer.Download(ctx, req)
	if err != nil {
		return err
	}

	if opts.json {
		return printJSON(result)
	}
	if result.Skipped {
		fmt.Printf("No deployment in %s slot of %s, nothing downloaded\n", req.Slot, req.Service)
		return nil
	}

	fmt.Println("=== Downloaded Files ===")
	for _, f := range result.Files {
		fmt.Println(f)
	}
	if result.PubConfigPath != "" {
		fmt.Println(result.PubConfigPath)
	}
	return nil
}

// CLI options for listing commands
type listOpts struct {
	commonOpts
	subscription string
}

func parseListOpts(name string, args []string, needSubscription bool) (*listOpts, error) {
	opts := &listOpts{}
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	opts.register(fs)
	if needSubscription {
		fs.StringVar(&opts.subscription, "subscription", "", "subscription ID")
	}
	if err := fs.Parse(args); err != nil {
		return nil, clouddeploy.ErrValidation(err.Error())
	}
	return opts, nil
}

func cmdSubscriptions(ctx context.Context, args []string) error {
	opts, err := parseListOpts("subscriptions", args, false)
	if err != nil {
		return err
	}
	a, err := newApp(ctx, opts.commonOpts)
	if err != nil {
		return err
	}

	subs, err := a.catalog.Subscriptions(ctx, a.cfg.Auth.Tenant)
	if err != nil {
		return err
	}

	if opts.json {
		return printJSON(subs)
	}
	if len(subs) == 0 {
		fmt.Println("No subscriptions found")
		return nil
	}

	fmt.Printf("%-38s %-38s %s\n", "ID", "TENANT", "NAME")
	fmt.Println(strings.Repeat("-", 100))
	for _, s := range subs {
		fmt.Printf("%-38s %-38s %s\n", s.ID, s.TenantID, truncate(s.DisplayName, 40))
	}
	return nil
}

func cmdServices(ctx context.Context, args []string) error {
	opts, err := parseListOpts("services", args, true)
	if err != nil {
		return err
	}
	a, err := newApp(ctx, opts.commonOpts)
	if err != nil {
		return err
	}
	sub, err := a.resolveSubscription(ctx, clouddeploy.Subscription{ID: opts.subscription})
	if err != nil {
		return err
	}

	services, err := a.catalog.HostedServices(ctx, sub)
	if err != nil {
		return err
	}

	if opts.json {
		return printJSON(services)
	}
	if len(services) == 0 {
		fmt.Println("No hosted services found")
		return nil
	}

	fmt.Printf("%-30s %-20s %s\n", "NAME", "LOCATION", "LABEL")
	fmt.Println(strings.Repeat("-", 80))
	for _, s := range services {
		fmt.Printf("%-30s %-20s %s\n", truncate(s.Name, 30), truncate(s.Location, 20), truncate(s.Label, 30))
	}
	return nil
}

func cmdStorageAccounts(ctx context.Context, args []string) error {
	opts, err := parseListOpts("storage-accounts", args, true)
	if err != nil {
		return err
	}
	a, err := newApp(ctx, opts.commonOpts)
	if err != nil {
		return err
	}
	sub, err := a.resolveSubscription(ctx, clouddeploy.Subscription{ID: opts.subscription})
	if err != nil {
		return err
	}

	accounts, err := a.catalog.StorageAccounts(ctx, sub)
	if err != nil {
		return err
	}

	if opts.json {
		return printJSON(accounts)
	}
	if len(accounts) == 0 {
		fmt.Println("No storage accounts found")
		return nil
	}

	fmt.Printf("%-26s %s\n", "NAME", "URL")
	fmt.Println(strings.Repeat("-", 80))
	for _, s := range accounts {
		fmt.Printf("%-26s %s\n", s.Name, truncate(s.URL, 52))
	}
	return nil
}

func cmdPolicies() error {
	fmt.Printf("%-28s %s\n", "POLICY", "DESCRIPTION")
	fmt.Println(strings.Repeat("-", 80))
	for _, p := range clouddeploy.UpgradePolicies {
		fmt.Printf("%-28s %s\n", p, p.Description())
	}
	return nil
}

func cmdVersion() error {
	fmt.Printf("csdeploy version %s\n", version)
	fmt.Printf("  Service Management API: %s\n", azure.DefaultAPIVersion)
	return nil
}

// Helper functions

func loadRequest(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return clouddeploy.ErrIO(fmt.Sprintf("failed to read %s", path)).WithCause(err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return clouddeploy.ErrValidation(fmt.Sprintf("failed to parse request (JSON): %v", err))
	}
	return nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return clouddeploy.ErrIO("failed to write output").WithCause(err)
	}
	return nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
