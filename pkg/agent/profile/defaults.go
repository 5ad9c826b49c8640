package profile

import "strings"

// Providers whose sessions carry their own instructions get no template.
var selfProfiledProviders = map[string]bool{
	"opencode": true,
	"echo":     true,
}

func defaultTemplateName(provider string) string {
	if selfProfiledProviders[strings.ToLower(strings.TrimSpace(provider))] {
		return ""
	}
	return defaultProfileName
}
