package azure

import (
	"context"
	"encoding/base64"
	"encoding/xml"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anirudhbiyani/csdeploy/pkg/clouddeploy"
)

type recordedRequest struct {
	Method  string
	Path    string
	Query   string
	Version string
	Auth    string
	Body    string
}

type managementServer struct {
	*httptest.Server

	mu       sync.Mutex
	requests []recordedRequest
	routes   map[string]func(w http.ResponseWriter, r *http.Request)
}

func newManagementServer(t *testing.T) *managementServer {
	s := &managementServer{routes: make(map[string]func(http.ResponseWriter, *http.Request))}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		s.mu.Lock()
		s.requests = append(s.requests, recordedRequest{
			Method:  r.Method,
			Path:    r.URL.Path,
			Query:   r.URL.RawQuery,
			Version: r.Header.Get("x-ms-version"),
			Auth:    r.Header.Get("Authorization"),
			Body:    string(body),
		})
		handler, ok := s.routes[r.Method+" "+r.URL.Path]
		s.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `<Error xmlns="http://schemas.microsoft.com/windowsazure"><Code>ResourceNotFound</Code><Message>The resource was not found.</Message></Error>`)
			return
		}
		handler(w, r)
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *managementServer) handle(route string, status int, body string, requestID string) {
	s.routes[route] = func(w http.ResponseWriter, r *http.Request) {
		if requestID != "" {
			w.Header().Set("x-ms-request-id", requestID)
		}
		w.Header().Set("Content-Type", "application/xml")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}
}

func (s *managementServer) last() recordedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[len(s.requests)-1]
}

func newTestClient(t *testing.T, s *managementServer, creds *clouddeploy.TokenCredentials) *ServiceManagementClient {
	t.Helper()
	if creds == nil {
		creds = clouddeploy.NewTokenCredentials("sub-1", clouddeploy.Credential{Token: "tok-1"})
	}
	c, err := NewServiceManagementClient(s.URL, "", creds, &policy.ClientOptions{
		Transport: s.Client(),
		Retry:     policy.RetryOptions{MaxRetries: -1},
	})
	require.NoError(t, err)
	return c
}

func b64(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}

func TestServiceManagement_GetDetailedService(t *testing.T) {
	t.Parallel()

	s := newManagementServer(t)
	s.handle("GET /sub-1/services/hostedservices/my-service", http.StatusOK, `<HostedService xmlns="http://schemas.microsoft.com/windowsazure">
  <Url>https://management.core.windows.net/sub-1/services/hostedservices/my-service</Url>
  <ServiceName>my-service</ServiceName>
  <HostedServiceProperties><Location>West Europe</Location><Label>`+b64("My Service")+`</Label></HostedServiceProperties>
  <Deployments>
    <Deployment>
      <Name>abc123</Name>
      <DeploymentSlot>Production</DeploymentSlot>
      <ExtensionConfiguration>
        <AllRoles><Extension><Id>acd-diagnostics-1</Id></Extension></AllRoles>
        <NamedRoles>
          <Role><RoleName>WebRole</RoleName><Extensions><Extension><Id>rdp</Id></Extension></Extensions></Role>
        </NamedRoles>
      </ExtensionConfiguration>
    </Deployment>
  </Deployments>
</HostedService>`, "")

	c := newTestClient(t, s, nil)
	detail, err := c.GetDetailedService(context.Background(), "my-service")
	require.NoError(t, err)

	req := s.last()
	assert.Equal(t, "embed-detail=true", req.Query)
	assert.Equal(t, DefaultAPIVersion, req.Version)
	assert.Equal(t, "Bearer tok-1", req.Auth)

	require.Len(t, detail.Deployments, 1)
	prod := detail.DeploymentIn(clouddeploy.SlotProduction)
	require.NotNil(t, prod)
	assert.Equal(t, "abc123", prod.Name)
	assert.Equal(t, []string{"acd-diagnostics-1", "rdp"}, prod.ExtensionConfiguration.IDs())
	assert.Nil(t, detail.DeploymentIn(clouddeploy.SlotStaging))
}

func TestServiceManagement_GetDeploymentBySlot(t *testing.T) {
	t.Parallel()

	s := newManagementServer(t)
	s.handle("GET /sub-1/services/hostedservices/my-service/deploymentslots/Staging", http.StatusOK, `<Deployment xmlns="http://schemas.microsoft.com/windowsazure">
  <Name>dep1</Name>
  <DeploymentSlot>Staging</DeploymentSlot>
  <Status>Suspended</Status>
  <Label>`+b64("release 1")+`</Label>
  <Url>http://0123456789abcdef.cloudapp.net/</Url>
  <Configuration>`+b64("<ServiceConfiguration />")+`</Configuration>
  <ExtensionConfiguration><AllRoles><Extension><Id>acd-diagnostics-1</Id></Extension></AllRoles></ExtensionConfiguration>
</Deployment>`, "")

	c := newTestClient(t, s, nil)
	dep, err := c.GetDeploymentBySlot(context.Background(), "my-service", clouddeploy.SlotStaging)
	require.NoError(t, err)

	assert.Equal(t, &clouddeploy.Deployment{
		Name:          "dep1",
		Slot:          clouddeploy.SlotStaging,
		Label:         "release 1",
		Configuration: "<ServiceConfiguration />",
		Status:        "Suspended",
		ExtensionConfiguration: &clouddeploy.ExtensionConfiguration{
			AllRoles: []clouddeploy.ExtensionRef{{ID: "acd-diagnostics-1"}},
		},
	}, dep)
}

func TestServiceManagement_CreateDeployment(t *testing.T) {
	t.Parallel()

	s := newManagementServer(t)
	s.handle("POST /sub-1/services/hostedservices/my-service/deploymentslots/Staging", http.StatusAccepted, "", "op-42")

	c := newTestClient(t, s, nil)
	opID, err := c.CreateDeployment(context.Background(), "my-service", clouddeploy.SlotStaging, clouddeploy.DeploymentParams{
		Name:            "dep1",
		PackageURL:      "https://pkgstore.blob.core.windows.net/acd-deployments/my-service-Staging.cspkg",
		Configuration:   "<ServiceConfiguration />",
		Label:           "release 1",
		StartDeployment: false,
		ExtensionConfiguration: &clouddeploy.ExtensionConfiguration{
			AllRoles: []clouddeploy.ExtensionRef{{ID: "acd-diagnostics-1"}},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "op-42", opID)

	var body struct {
		XMLName         xml.Name `xml:"http://schemas.microsoft.com/windowsazure CreateDeployment"`
		Name            string   `xml:"Name"`
		PackageURL      string   `xml:"PackageUrl"`
		Label           string   `xml:"Label"`
		Configuration   string   `xml:"Configuration"`
		StartDeployment bool     `xml:"StartDeployment"`
		Extensions      []string `xml:"ExtensionConfiguration>AllRoles>Extension>Id"`
	}
	require.NoError(t, xml.Unmarshal([]byte(s.last().Body), &body))
	assert.Equal(t, "dep1", body.Name)
	assert.Equal(t, b64("release 1"), body.Label)
	assert.Equal(t, b64("<ServiceConfiguration />"), body.Configuration)
	assert.False(t, body.StartDeployment)
	assert.Equal(t, []string{"acd-diagnostics-1"}, body.Extensions)
}

func TestServiceManagement_UpgradeDeployment(t *testing.T) {
	t.Parallel()

	s := newManagementServer(t)
	s.handle("POST /sub-1/services/hostedservices/my-service/deploymentslots/Production/", http.StatusAccepted, "", "op-7")

	c := newTestClient(t, s, nil)
	_, err := c.UpgradeDeploymentBySlot(context.Background(), "my-service", clouddeploy.SlotProduction, clouddeploy.UpgradeParams{
		Mode:  clouddeploy.UpgradeModeSimultaneous,
		Force: true,
	})
	require.NoError(t, err)

	req := s.last()
	assert.Equal(t, "comp=upgrade", req.Query)
	assert.Contains(t, req.Body, "<Mode>Simultaneous</Mode>")
	assert.Contains(t, req.Body, "<Force>true</Force>")
}

func TestServiceManagement_GetPackageBySlot(t *testing.T) {
	t.Parallel()

	s := newManagementServer(t)
	s.handle("POST /sub-1/services/hostedservices/my-service/deploymentslots/Production/package", http.StatusAccepted, "", "op-9")

	c := newTestClient(t, s, nil)
	opID, err := c.GetPackageBySlot(context.Background(), "my-service", clouddeploy.SlotProduction, "https://temp.blob.core.windows.net/acd-temp-1")
	require.NoError(t, err)
	assert.Equal(t, "op-9", opID)
	assert.Contains(t, s.last().Query, "containerUri=https%3A%2F%2Ftemp.blob.core.windows.net%2Facd-temp-1")
	assert.Contains(t, s.last().Query, "overwriteExisting=true")
}

func TestServiceManagement_Extensions(t *testing.T) {
	t.Parallel()

	s := newManagementServer(t)
	s.handle("GET /sub-1/services/hostedservices/my-service/extensions", http.StatusOK, `<Extensions xmlns="http://schemas.microsoft.com/windowsazure">
  <Extension>
    <ProviderNameSpace>Microsoft.Azure.Diagnostics</ProviderNameSpace>
    <Type>PaaSDiagnostics</Type>
    <Id>acd-diagnostics-1</Id>
    <Version>1.*</Version>
    <PublicConfiguration>`+b64("<PublicConfig />")+`</PublicConfiguration>
  </Extension>
</Extensions>`, "")
	s.handle("POST /sub-1/services/hostedservices/my-service/extensions", http.StatusAccepted, "", "op-add")
	s.handle("DELETE /sub-1/services/hostedservices/my-service/extensions/acd-diagnostics-1", http.StatusAccepted, "", "op-del")

	c := newTestClient(t, s, nil)
	ctx := context.Background()

	exts, err := c.ListExtensions(ctx, "my-service")
	require.NoError(t, err)
	require.Len(t, exts, 1)
	assert.Equal(t, clouddeploy.DiagnosticsExtensionType, exts[0].Type)
	assert.Equal(t, "<PublicConfig />", exts[0].PublicConfiguration)

	opID, err := c.AddExtension(ctx, "my-service", clouddeploy.ExtensionInstance{
		ProviderNamespace:    "Microsoft.Azure.Diagnostics",
		Type:                 clouddeploy.DiagnosticsExtensionType,
		Version:              "1.*",
		ID:                   "acd-diagnostics-2",
		PublicConfiguration:  "<PublicConfig />",
		PrivateConfiguration: "<PrivateConfig />",
	})
	require.NoError(t, err)
	assert.Equal(t, "op-add", opID)
	body := s.last().Body
	assert.Contains(t, body, `<Extension xmlns="http://schemas.microsoft.com/windowsazure">`)
	assert.Contains(t, body, "<PrivateConfiguration>"+b64("<PrivateConfig />")+"</PrivateConfiguration>")

	opID, err = c.DeleteExtension(ctx, "my-service", "acd-diagnostics-1")
	require.NoError(t, err)
	assert.Equal(t, "op-del", opID)
}

func TestServiceManagement_OperationStatus(t *testing.T) {
	t.Parallel()

	s := newManagementServer(t)
	s.handle("GET /sub-1/operations/op-1", http.StatusOK, `<Operation xmlns="http://schemas.microsoft.com/windowsazure">
  <ID>op-1</ID>
  <Status>Failed</Status>
  <HttpStatusCode>400</HttpStatusCode>
  <Error><Code>BadRequest</Code><Message>The package is invalid.</Message></Error>
</Operation>`, "")
	s.handle("GET /sub-1/operations/op-2", http.StatusOK, `<Operation xmlns="http://schemas.microsoft.com/windowsazure"><ID>op-2</ID><Status>InProgress</Status></Operation>`, "")

	c := newTestClient(t, s, nil)

	status, err := c.GetOperationStatus(context.Background(), "op-1")
	require.NoError(t, err)
	assert.Equal(t, clouddeploy.OperationFailed, status.Status)
	assert.Equal(t, 400, status.HTTPStatusCode)
	require.NotNil(t, status.Error)
	assert.Equal(t, "BadRequest", status.Error.Code)
	assert.Equal(t, "The package is invalid.", status.Error.Message)

	status, err = c.GetOperationStatus(context.Background(), "op-2")
	require.NoError(t, err)
	assert.Equal(t, clouddeploy.OperationInProgress, status.Status)
	assert.Nil(t, status.Error)
}

func TestServiceManagement_StorageKeys(t *testing.T) {
	t.Parallel()

	s := newManagementServer(t)
	s.handle("GET /sub-1/services/storageservices/pkgstore/keys", http.StatusOK, `<StorageService xmlns="http://schemas.microsoft.com/windowsazure">
  <Url>https://management.core.windows.net/sub-1/services/storageservices/pkgstore</Url>
  <StorageServiceKeys><Primary>cHJpbWFyeQ==</Primary><Secondary>c2Vjb25kYXJ5</Secondary></StorageServiceKeys>
</StorageService>`, "")

	c := newTestClient(t, s, nil)
	keys, err := c.GetStorageKeys(context.Background(), "pkgstore")
	require.NoError(t, err)
	assert.Equal(t, "cHJpbWFyeQ==", keys.Primary)
	assert.Equal(t, "c2Vjb25kYXJ5", keys.Secondary)
}

func TestServiceManagement_TokenSwap(t *testing.T) {
	t.Parallel()

	s := newManagementServer(t)
	s.handle("GET /sub-1/services/storageservices", http.StatusOK, `<StorageServices xmlns="http://schemas.microsoft.com/windowsazure">
  <StorageService><Url>u</Url><ServiceName>pkgstore</ServiceName></StorageService>
</StorageServices>`, "")

	creds := clouddeploy.NewTokenCredentials("sub-1", clouddeploy.Credential{Token: "first"})
	c := newTestClient(t, s, creds)

	accounts, err := c.ListStorageAccounts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []clouddeploy.StorageAccount{{Name: "pkgstore", URL: "u"}}, accounts)
	assert.Equal(t, "Bearer first", s.last().Auth)

	creds.SetToken(clouddeploy.Credential{Token: "second"})
	_, err = c.ListStorageAccounts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Bearer second", s.last().Auth)
}

func TestServiceManagement_ErrorResponse(t *testing.T) {
	t.Parallel()

	s := newManagementServer(t)
	c := newTestClient(t, s, nil)

	_, err := c.GetDeploymentBySlot(context.Background(), "my-service", clouddeploy.SlotStaging)
	require.Error(t, err)
	assert.True(t, IsNotFound(err))

	var respErr *azcore.ResponseError
	require.ErrorAs(t, err, &respErr)
	assert.Equal(t, "ResourceNotFound", respErr.ErrorCode)

	_, err = c.DeleteDeploymentBySlot(context.Background(), "my-service", clouddeploy.SlotStaging)
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
}

func TestServiceManagement_RequiresSubscription(t *testing.T) {
	t.Parallel()

	_, err := NewServiceManagementClient("", "", clouddeploy.NewTokenCredentials("", clouddeploy.Credential{}), nil)
	assert.Error(t, err)
}
