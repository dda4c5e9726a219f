package vercel

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
)

type authJSON struct {
	Token string `json:"token"`
}

type projectJSON struct {
	OrgID string `json:"orgId"`
}

// authFiles are the Vercel CLI credential locations, relative to $HOME.
var authFiles = []string{
	"Library/Application Support/com.vercel.cli/auth.json",
	".config/vercel/auth.json",
	".local/share/com.vercel.cli/auth.json",
}

// ErrNoToken is returned when no Vercel token can be found.
var ErrNoToken = errors.New("vercel token not found. Run 'vercel login' or set VERCEL_TOKEN")

func homeDir() string {
	if h := os.Getenv("HOME"); h != "" {
		return h
	}
	return "/tmp"
}

// LoadToken returns the deployment token. It checks in order:
//  1. VERCEL_TOKEN
//  2. VERCEL_OIDC_TOKEN
//  3. the Vercel CLI auth.json files under $HOME
func LoadToken() (string, error) {
	return loadToken(os.Getenv, homeDir())
}

func loadToken(getenv func(string) string, home string) (string, error) {
	for _, key := range []string{"VERCEL_TOKEN", "VERCEL_OIDC_TOKEN"} {
		if token := getenv(key); token != "" {
			return token, nil
		}
	}

	for _, rel := range authFiles {
		data, err := os.ReadFile(filepath.Join(home, rel))
		if err != nil {
			continue
		}
		var auth authJSON
		if err := json.Unmarshal(data, &auth); err != nil {
			continue
		}
		if auth.Token != "" {
			return auth.Token, nil
		}
	}

	return "", ErrNoToken
}

// LoadTeamID returns the team scope for API calls, or "" for a personal
// account. VERCEL_TEAM_ID wins over VERCEL_ORG_ID, which wins over the orgId
// in .vercel/project.json under dir.
func LoadTeamID(dir string) string {
	return loadTeamID(os.Getenv, dir)
}

func loadTeamID(getenv func(string) string, dir string) string {
	for _, key := range []string{"VERCEL_TEAM_ID", "VERCEL_ORG_ID"} {
		if id := getenv(key); id != "" {
			return id
		}
	}

	data, err := os.ReadFile(filepath.Join(dir, ".vercel", "project.json"))
	if err != nil {
		return ""
	}
	var proj projectJSON
	if err := json.Unmarshal(data, &proj); err != nil {
		return ""
	}
	return proj.OrgID
}
