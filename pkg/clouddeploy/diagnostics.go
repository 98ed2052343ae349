package clouddeploy

import (
	"encoding/xml"
	"regexp"
	"strings"
)

// diagnosticsConnectionString matches the diagnostics connection string
// setting of a service configuration and captures account name and key.
var diagnosticsConnectionString = regexp.MustCompile(
	`(?s)Diagnostics\.ConnectionString.*?DefaultEndpointsProtocol.*?AccountName=(.+?);.*?AccountKey=([a-zA-Z0-9/+=]+)`)

// ParseDiagnosticsConnectionString extracts the diagnostics storage account
// name and key from service configuration text.
func ParseDiagnosticsConnectionString(configuration string) (account, key string, err error) {
	m := diagnosticsConnectionString.FindStringSubmatch(configuration)
	if m == nil {
		return "", "", ErrConfigParse("couldn't extract Diagnostics ConnectionString from service configuration")
	}
	return m[1], m[2], nil
}

// DiagnosticsPrivateConfig renders the private configuration of the
// diagnostics extension pointing at a storage account.
func DiagnosticsPrivateConfig(account, key string) string {
	var b strings.Builder
	b.WriteString(`<PrivateConfig xmlns="http://schemas.microsoft.com/ServiceHosting/2010/10/DiagnosticsConfiguration">`)
	b.WriteString("\n    <StorageAccount name=\"")
	xml.EscapeText(&b, []byte(account))
	b.WriteString(`" key="`)
	xml.EscapeText(&b, []byte(key))
	b.WriteString("\" />\n  </PrivateConfig>")
	return b.String()
}
