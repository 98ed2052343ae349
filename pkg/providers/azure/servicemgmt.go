package azure

import (
	"context"
	"encoding/base64"
	"encoding/xml"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"

	"github.com/anirudhbiyani/csdeploy/pkg/clouddeploy"
)

const (
	moduleName    = "csdeploy"
	moduleVersion = "v0.1.0"

	// DefaultManagementEndpoint is the public cloud Service Management endpoint.
	DefaultManagementEndpoint = "https://management.core.windows.net"

	// DefaultAPIVersion is the x-ms-version sent with every request.
	DefaultAPIVersion = "2015-04-01"

	requestIDHeader = "x-ms-request-id"
)

// ServiceManagementClient talks to the classic Service Management REST API.
// It implements clouddeploy.ComputeClient and clouddeploy.StorageClient.
type ServiceManagementClient struct {
	base     string
	pipeline runtime.Pipeline
}

// NewServiceManagementClient creates a client for the subscription of creds.
// The bearer token is read from creds on every request.
func NewServiceManagementClient(endpoint, apiVersion string, creds *clouddeploy.TokenCredentials, options *policy.ClientOptions) (*ServiceManagementClient, error) {
	if creds.SubscriptionID() == "" {
		return nil, fmt.Errorf("service management client requires a subscription")
	}
	if endpoint == "" {
		endpoint = DefaultManagementEndpoint
	}
	if apiVersion == "" {
		apiVersion = DefaultAPIVersion
	}
	if options == nil {
		options = &policy.ClientOptions{}
	}

	pl := runtime.NewPipeline(moduleName, moduleVersion, runtime.PipelineOptions{
		PerCall: []policy.Policy{
			&versionPolicy{version: apiVersion},
			&bearerPolicy{creds: creds},
		},
	}, options)

	return &ServiceManagementClient{
		base:     strings.TrimRight(endpoint, "/") + "/" + url.PathEscape(creds.SubscriptionID()),
		pipeline: pl,
	}, nil
}

type versionPolicy struct {
	version string
}

func (p *versionPolicy) Do(req *policy.Request) (*http.Response, error) {
	req.Raw().Header.Set("x-ms-version", p.version)
	return req.Next()
}

type bearerPolicy struct {
	creds *clouddeploy.TokenCredentials
}

func (p *bearerPolicy) Do(req *policy.Request) (*http.Response, error) {
	token, _ := p.creds.Token()
	req.Raw().Header.Set("Authorization", "Bearer "+token)
	return req.Next()
}

// Hosted services

// ListHostedServices implements clouddeploy.ComputeClient.
func (c *ServiceManagementClient) ListHostedServices(ctx context.Context) ([]clouddeploy.HostedService, error) {
	var out xmlHostedServices
	if err := c.get(ctx, "/services/hostedservices", &out); err != nil {
		return nil, err
	}
	services := make([]clouddeploy.HostedService, 0, len(out.Services))
	for _, s := range out.Services {
		services = append(services, clouddeploy.HostedService{
			Name:     s.ServiceName,
			Label:    decode64(s.Properties.Label),
			Location: s.Properties.Location,
			URL:      s.URL,
		})
	}
	return services, nil
}

// GetDetailedService implements clouddeploy.ComputeClient.
func (c *ServiceManagementClient) GetDetailedService(ctx context.Context, service string) (*clouddeploy.HostedServiceDetail, error) {
	var out xmlHostedService
	if err := c.get(ctx, servicePath(service)+"?embed-detail=true", &out); err != nil {
		return nil, err
	}
	detail := &clouddeploy.HostedServiceDetail{Name: out.ServiceName}
	for _, d := range out.Deployments {
		detail.Deployments = append(detail.Deployments, clouddeploy.DeploymentSummary{
			Slot:                   clouddeploy.Slot(d.Slot),
			Name:                   d.Name,
			ExtensionConfiguration: d.ExtensionConfiguration.toModel(),
		})
	}
	return detail, nil
}

// Extensions

// ListAvailableExtensions implements clouddeploy.ComputeClient.
func (c *ServiceManagementClient) ListAvailableExtensions(ctx context.Context) ([]clouddeploy.ExtensionImage, error) {
	var out xmlExtensionImages
	if err := c.get(ctx, "/services/extensions", &out); err != nil {
		return nil, err
	}
	images := make([]clouddeploy.ExtensionImage, 0, len(out.Images))
	for _, img := range out.Images {
		images = append(images, clouddeploy.ExtensionImage{
			ProviderNamespace: img.ProviderNamespace,
			Type:              img.Type,
			Version:           img.Version,
		})
	}
	return images, nil
}

// ListExtensions implements clouddeploy.ComputeClient.
func (c *ServiceManagementClient) ListExtensions(ctx context.Context, service string) ([]clouddeploy.ExtensionInstance, error) {
	var out xmlExtensions
	if err := c.get(ctx, servicePath(service)+"/extensions", &out); err != nil {
		return nil, err
	}
	exts := make([]clouddeploy.ExtensionInstance, 0, len(out.Extensions))
	for _, e := range out.Extensions {
		exts = append(exts, e.toModel())
	}
	return exts, nil
}

// GetExtension implements clouddeploy.ComputeClient.
func (c *ServiceManagementClient) GetExtension(ctx context.Context, service, id string) (*clouddeploy.ExtensionInstance, error) {
	var out xmlExtension
	if err := c.get(ctx, servicePath(service)+"/extensions/"+url.PathEscape(id), &out); err != nil {
		return nil, err
	}
	ext := out.toModel()
	return &ext, nil
}

// AddExtension implements clouddeploy.ComputeClient.
func (c *ServiceManagementClient) AddExtension(ctx context.Context, service string, ext clouddeploy.ExtensionInstance) (string, error) {
	body := &xmlAddExtension{
		ProviderNamespace:    ext.ProviderNamespace,
		Type:                 ext.Type,
		ID:                   ext.ID,
		PublicConfiguration:  encode64(ext.PublicConfiguration),
		PrivateConfiguration: encode64(ext.PrivateConfiguration),
		Version:              ext.Version,
	}
	return c.begin(ctx, http.MethodPost, servicePath(service)+"/extensions", body)
}

// DeleteExtension implements clouddeploy.ComputeClient.
func (c *ServiceManagementClient) DeleteExtension(ctx context.Context, service, id string) (string, error) {
	return c.begin(ctx, http.MethodDelete, servicePath(service)+"/extensions/"+url.PathEscape(id), nil)
}

// Deployments

// GetDeploymentBySlot implements clouddeploy.ComputeClient.
func (c *ServiceManagementClient) GetDeploymentBySlot(ctx context.Context, service string, slot clouddeploy.Slot) (*clouddeploy.Deployment, error) {
	var out xmlDeployment
	if err := c.get(ctx, slotPath(service, slot), &out); err != nil {
		return nil, err
	}
	return &clouddeploy.Deployment{
		Name:                   out.Name,
		Slot:                   clouddeploy.Slot(out.Slot),
		Label:                  decode64(out.Label),
		Configuration:          decode64(out.Configuration),
		Status:                 out.Status,
		ExtensionConfiguration: out.ExtensionConfiguration.toModel(),
	}, nil
}

// CreateDeployment implements clouddeploy.ComputeClient.
func (c *ServiceManagementClient) CreateDeployment(ctx context.Context, service string, slot clouddeploy.Slot, params clouddeploy.DeploymentParams) (string, error) {
	body := &xmlCreateDeployment{
		Name:                   params.Name,
		PackageURL:             params.PackageURL,
		Label:                  encode64(params.Label),
		Configuration:          encode64(params.Configuration),
		StartDeployment:        params.StartDeployment,
		ExtensionConfiguration: fromModel(params.ExtensionConfiguration),
	}
	return c.begin(ctx, http.MethodPost, slotPath(service, slot), body)
}

// UpgradeDeploymentBySlot implements clouddeploy.ComputeClient.
func (c *ServiceManagementClient) UpgradeDeploymentBySlot(ctx context.Context, service string, slot clouddeploy.Slot, params clouddeploy.UpgradeParams) (string, error) {
	body := &xmlUpgradeDeployment{
		Mode:                   string(params.Mode),
		PackageURL:             params.PackageURL,
		Configuration:          encode64(params.Configuration),
		Label:                  encode64(params.Label),
		Force:                  params.Force,
		ExtensionConfiguration: fromModel(params.ExtensionConfiguration),
	}
	return c.begin(ctx, http.MethodPost, slotPath(service, slot)+"/?comp=upgrade", body)
}

// DeleteDeploymentBySlot implements clouddeploy.ComputeClient.
func (c *ServiceManagementClient) DeleteDeploymentBySlot(ctx context.Context, service string, slot clouddeploy.Slot) (string, error) {
	return c.begin(ctx, http.MethodDelete, slotPath(service, slot), nil)
}

// GetPackageBySlot implements clouddeploy.ComputeClient.
func (c *ServiceManagementClient) GetPackageBySlot(ctx context.Context, service string, slot clouddeploy.Slot, containerURL string) (string, error) {
	q := url.Values{}
	q.Set("containerUri", containerURL)
	q.Set("overwriteExisting", "true")
	return c.begin(ctx, http.MethodPost, slotPath(service, slot)+"/package?"+q.Encode(), nil)
}

// Operations

// GetOperationStatus implements clouddeploy.ComputeClient.
func (c *ServiceManagementClient) GetOperationStatus(ctx context.Context, operationID string) (*clouddeploy.OperationStatus, error) {
	var out xmlOperation
	if err := c.get(ctx, "/operations/"+url.PathEscape(operationID), &out); err != nil {
		return nil, err
	}
	status := &clouddeploy.OperationStatus{
		ID:             out.ID,
		Status:         clouddeploy.OperationState(out.Status),
		HTTPStatusCode: out.HTTPStatusCode,
	}
	if out.Error != nil {
		status.Error = &clouddeploy.OperationError{Code: out.Error.Code, Message: out.Error.Message}
	}
	return status, nil
}

// Storage

// ListStorageAccounts implements clouddeploy.StorageClient.
func (c *ServiceManagementClient) ListStorageAccounts(ctx context.Context) ([]clouddeploy.StorageAccount, error) {
	var out xmlStorageServices
	if err := c.get(ctx, "/services/storageservices", &out); err != nil {
		return nil, err
	}
	accounts := make([]clouddeploy.StorageAccount, 0, len(out.Services))
	for _, s := range out.Services {
		accounts = append(accounts, clouddeploy.StorageAccount{Name: s.ServiceName, URL: s.URL})
	}
	return accounts, nil
}

// GetStorageKeys implements clouddeploy.StorageClient.
func (c *ServiceManagementClient) GetStorageKeys(ctx context.Context, account string) (*clouddeploy.StorageKeys, error) {
	var out xmlStorageService
	if err := c.get(ctx, "/services/storageservices/"+url.PathEscape(account)+"/keys", &out); err != nil {
		return nil, err
	}
	return &clouddeploy.StorageKeys{Primary: out.Keys.Primary, Secondary: out.Keys.Secondary}, nil
}

// Transport

func (c *ServiceManagementClient) get(ctx context.Context, path string, out interface{}) error {
	req, err := runtime.NewRequest(ctx, http.MethodGet, c.base+path)
	if err != nil {
		return err
	}
	resp, err := c.pipeline.Do(req)
	if err != nil {
		return err
	}
	if !runtime.HasStatusCode(resp, http.StatusOK) {
		return newResponseError(resp)
	}
	return runtime.UnmarshalAsXML(resp, out)
}

// begin issues a request starting a long-running operation and returns
// the operation id.
func (c *ServiceManagementClient) begin(ctx context.Context, method, path string, body interface{}) (string, error) {
	req, err := runtime.NewRequest(ctx, method, c.base+path)
	if err != nil {
		return "", err
	}
	if body != nil {
		if err := runtime.MarshalAsXML(req, body); err != nil {
			return "", err
		}
	}
	resp, err := c.pipeline.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if !runtime.HasStatusCode(resp, http.StatusOK, http.StatusCreated, http.StatusAccepted) {
		return "", newResponseError(resp)
	}
	id := resp.Header.Get(requestIDHeader)
	if id == "" {
		return "", fmt.Errorf("%s %s: response carries no %s header", method, path, requestIDHeader)
	}
	return id, nil
}

// newResponseError builds an *azcore.ResponseError, taking the error code
// from the Service Management error body when present.
func newResponseError(resp *http.Response) error {
	body, err := runtime.Payload(resp)
	if err == nil && resp.Header.Get("x-ms-error-code") == "" {
		var e xmlError
		if xml.Unmarshal(body, &e) == nil && e.Code != "" {
			resp.Header.Set("x-ms-error-code", e.Code)
		}
	}
	return runtime.NewResponseError(resp)
}

// IsNotFound reports whether err is a 404 response.
func IsNotFound(err error) bool {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode == http.StatusNotFound
	}
	return false
}

func servicePath(service string) string {
	return "/services/hostedservices/" + url.PathEscape(service)
}

func slotPath(service string, slot clouddeploy.Slot) string {
	return servicePath(service) + "/deploymentslots/" + url.PathEscape(string(slot))
}

func encode64(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}

func decode64(s string) string {
	b, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return s
	}
	return string(b)
}

// XML wire types

type xmlHostedServices struct {
	Services []xmlHostedService `xml:"HostedService"`
}

type xmlHostedService struct {
	URL         string                `xml:"Url"`
	ServiceName string                `xml:"ServiceName"`
	Properties  xmlHostedServiceProps `xml:"HostedServiceProperties"`
	Deployments []xmlDeployment       `xml:"Deployments>Deployment"`
}

type xmlHostedServiceProps struct {
	Description string `xml:"Description"`
	Location    string `xml:"Location"`
	Label       string `xml:"Label"`
}

type xmlDeployment struct {
	Name                   string                     `xml:"Name"`
	Slot                   string                     `xml:"DeploymentSlot"`
	Status                 string                     `xml:"Status"`
	Label                  string                     `xml:"Label"`
	Configuration          string                     `xml:"Configuration"`
	ExtensionConfiguration *xmlExtensionConfiguration `xml:"ExtensionConfiguration"`
}

type xmlExtensionRef struct {
	ID string `xml:"Id"`
}

type xmlRoleExtensions struct {
	RoleName   string            `xml:"RoleName"`
	Extensions []xmlExtensionRef `xml:"Extensions>Extension"`
}

type xmlExtensionConfiguration struct {
	AllRoles   []xmlExtensionRef   `xml:"AllRoles>Extension"`
	NamedRoles []xmlRoleExtensions `xml:"NamedRoles>Role"`
}

func (c *xmlExtensionConfiguration) toModel() *clouddeploy.ExtensionConfiguration {
	if c == nil {
		return nil
	}
	out := &clouddeploy.ExtensionConfiguration{}
	for _, ref := range c.AllRoles {
		out.AllRoles = append(out.AllRoles, clouddeploy.ExtensionRef{ID: ref.ID})
	}
	for _, role := range c.NamedRoles {
		r := clouddeploy.RoleExtensions{RoleName: role.RoleName}
		for _, ref := range role.Extensions {
			r.Extensions = append(r.Extensions, clouddeploy.ExtensionRef{ID: ref.ID})
		}
		out.NamedRoles = append(out.NamedRoles, r)
	}
	return out
}

func fromModel(c *clouddeploy.ExtensionConfiguration) *xmlExtensionConfiguration {
	if c == nil {
		return nil
	}
	out := &xmlExtensionConfiguration{}
	for _, ref := range c.AllRoles {
		out.AllRoles = append(out.AllRoles, xmlExtensionRef{ID: ref.ID})
	}
	for _, role := range c.NamedRoles {
		r := xmlRoleExtensions{RoleName: role.RoleName}
		for _, ref := range role.Extensions {
			r.Extensions = append(r.Extensions, xmlExtensionRef{ID: ref.ID})
		}
		out.NamedRoles = append(out.NamedRoles, r)
	}
	return out
}

type xmlExtensionImages struct {
	Images []xmlExtensionImage `xml:"ExtensionImage"`
}

type xmlExtensionImage struct {
	ProviderNamespace string `xml:"ProviderNameSpace"`
	Type              string `xml:"Type"`
	Version           string `xml:"Version"`
}

type xmlExtensions struct {
	Extensions []xmlExtension `xml:"Extension"`
}

type xmlExtension struct {
	ProviderNamespace   string `xml:"ProviderNameSpace"`
	Type                string `xml:"Type"`
	ID                  string `xml:"Id"`
	Version             string `xml:"Version"`
	PublicConfiguration string `xml:"PublicConfiguration"`
}

func (e xmlExtension) toModel() clouddeploy.ExtensionInstance {
	return clouddeploy.ExtensionInstance{
		ProviderNamespace:   e.ProviderNamespace,
		Type:                e.Type,
		Version:             e.Version,
		ID:                  e.ID,
		PublicConfiguration: decode64(e.PublicConfiguration),
	}
}

type xmlAddExtension struct {
	XMLName              xml.Name `xml:"http://schemas.microsoft.com/windowsazure Extension"`
	ProviderNamespace    string   `xml:"ProviderNameSpace"`
	Type                 string   `xml:"Type"`
	ID                   string   `xml:"Id"`
	PublicConfiguration  string   `xml:"PublicConfiguration"`
	PrivateConfiguration string   `xml:"PrivateConfiguration"`
	Version              string   `xml:"Version"`
}

type xmlCreateDeployment struct {
	XMLName                xml.Name                   `xml:"http://schemas.microsoft.com/windowsazure CreateDeployment"`
	Name                   string                     `xml:"Name"`
	PackageURL             string                     `xml:"PackageUrl"`
	Label                  string                     `xml:"Label"`
	Configuration          string                     `xml:"Configuration"`
	StartDeployment        bool                       `xml:"StartDeployment"`
	TreatWarningsAsError   bool                       `xml:"TreatWarningsAsError"`
	ExtensionConfiguration *xmlExtensionConfiguration `xml:"ExtensionConfiguration,omitempty"`
}

type xmlUpgradeDeployment struct {
	XMLName                xml.Name                   `xml:"http://schemas.microsoft.com/windowsazure UpgradeDeployment"`
	Mode                   string                     `xml:"Mode"`
	PackageURL             string                     `xml:"PackageUrl"`
	Configuration          string                     `xml:"Configuration"`
	Label                  string                     `xml:"Label"`
	Force                  bool                       `xml:"Force"`
	ExtensionConfiguration *xmlExtensionConfiguration `xml:"ExtensionConfiguration,omitempty"`
}

type xmlOperation struct {
	ID             string    `xml:"ID"`
	Status         string    `xml:"Status"`
	HTTPStatusCode int       `xml:"HttpStatusCode"`
	Error          *xmlError `xml:"Error"`
}

type xmlError struct {
	Code    string `xml:"Code"`
	Message string `xml:"Message"`
}

type xmlStorageServices struct {
	Services []xmlStorageService `xml:"StorageService"`
}

type xmlStorageService struct {
	URL         string         `xml:"Url"`
	ServiceName string         `xml:"ServiceName"`
	Keys        xmlStorageKeys `xml:"StorageServiceKeys"`
}

type xmlStorageKeys struct {
	Primary   string `xml:"Primary"`
	Secondary string `xml:"Secondary"`
}

var (
	_ clouddeploy.ComputeClient = (*ServiceManagementClient)(nil)
	_ clouddeploy.StorageClient = (*ServiceManagementClient)(nil)
)
