// Package identity names the things sandboxd creates. Each machine gets a
// KSUID on first use, stored in ~/.sandboxd/instance-id.txt, which labels
// self-hosted sandboxes so a later run can find them.
package identity

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/segmentio/ksuid"
)

const (
	// Dir is the directory under the user's home where sandboxd state lives.
	Dir            = ".sandboxd"
	instanceIDFile = "instance-id.txt"
	// LabelInstance marks containers and pods with the creating instance.
	LabelInstance = "sandboxd.dev/instance"
	// LabelManaged marks every resource sandboxd owns.
	LabelManaged = "sandboxd.dev/managed"
)

// EnsureInstanceID reads the instance ID, generating and persisting one
// if none exists yet.
func EnsureInstanceID() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return ensureInstanceID(filepath.Join(home, Dir, instanceIDFile))
}

func ensureInstanceID(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		// Lowercase for container and pod name compatibility.
		id := strings.ToLower(strings.TrimSpace(string(data)))
		if id != "" {
			return id, nil
		}
	}

	id := strings.ToLower(ksuid.New().String())
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("failed to create %s directory: %w", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, []byte(id+"\n"), 0644); err != nil {
		return "", fmt.Errorf("failed to write instance ID: %w", err)
	}
	return id, nil
}

// ResourceName returns a fresh, RFC 1123 safe name such as
// "sandbox-2zd3k7...". KSUIDs sort by creation time.
func ResourceName(prefix string) string {
	return prefix + "-" + strings.ToLower(ksuid.New().String())
}

// Labels returns the labels every sandboxd resource carries.
func Labels(instanceID string) map[string]string {
	l := map[string]string{LabelManaged: "true"}
	if instanceID != "" {
		l[LabelInstance] = instanceID
	}
	return l
}
