package vercel

import (
	"crypto/rand"
	"fmt"
	"regexp"
)

// DefaultProjectPrefix is prepended to generated project names.
const DefaultProjectPrefix = "x-and-projects-"

const suffixChars = "abcdefghijklmnopqrstuvwxyz0123456789"

// projectNameRegex allows lowercase alphanumerics with inner '.', '_' and '-'.
var projectNameRegex = regexp.MustCompile(`^[a-z0-9]([a-z0-9._-]*[a-z0-9])?$`)

// ValidateProjectName checks a name against Vercel's project naming rules.
func ValidateProjectName(name string) error {
	if len(name) == 0 {
		return fmt.Errorf("project name cannot be empty")
	}
	if len(name) > 100 {
		return fmt.Errorf("project name cannot exceed 100 characters")
	}
	if !projectNameRegex.MatchString(name) {
		return fmt.Errorf("project name %q must be lowercase alphanumeric and may contain '.', '_' or '-'", name)
	}
	return nil
}

// GenerateProjectName returns prefix followed by 8 random base36 characters.
func GenerateProjectName(prefix string) string {
	return prefix + randomSuffix(8)
}

func randomSuffix(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	for i := range b {
		b[i] = suffixChars[int(b[i])%len(suffixChars)]
	}
	return string(b)
}

// DefaultDomain hosts production aliases.
const DefaultDomain = "vercel.app"

// PublicURL is the production alias of a project under domain
// (DefaultDomain when empty).
func PublicURL(projectName, domain string) string {
	if domain == "" {
		domain = DefaultDomain
	}
	return "https://" + projectName + "." + domain
}

// InspectURL links to a deployment in the dashboard.
func InspectURL(teamID, deploymentID string) string {
	scope := teamID
	if scope == "" {
		scope = "dashboard"
	}
	return fmt.Sprintf("https://vercel.com/%s/deployments/%s", scope, deploymentID)
}
