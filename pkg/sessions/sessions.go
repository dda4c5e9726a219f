// Package sessions remembers the sandboxes created from the CLI under short
// names, so later commands can refer to them without the backend id.
package sessions

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"github.com/vercel-eddie/sandboxd/pkg/identity"
)

const fileName = "sessions.json"

// Session is one named sandbox.
type Session struct {
	SandboxID   string    `json:"sandboxId"`
	Backend     string    `json:"backend"`
	URL         string    `json:"url"`
	ProjectName string    `json:"projectName,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Store is a JSON file of sessions keyed by name. It is not safe for
// concurrent use across processes; the last writer wins.
type Store struct {
	path     string
	sessions map[string]Session
}

// NewStore opens ~/.sandboxd/sessions.json.
func NewStore() (*Store, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get home directory: %w", err)
	}
	return Open(filepath.Join(home, identity.Dir, fileName))
}

// Open loads the store at path. A missing file is an empty store.
func Open(path string) (*Store, error) {
	s := &Store{path: path, sessions: make(map[string]Session)}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("failed to read sessions: %w", err)
	}
	if err := json.Unmarshal(data, &s.sessions); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return s, nil
}

func (s *Store) save() error {
	data, err := json.MarshalIndent(s.sessions, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal sessions: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write sessions: %w", err)
	}
	return os.Rename(tmp, s.path)
}

// Add stores a new session. Names are unique.
func (s *Store) Add(name string, session Session) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	if _, exists := s.sessions[name]; exists {
		return fmt.Errorf("session %q already exists", name)
	}
	s.sessions[name] = session
	return s.save()
}

// Update applies fn to an existing session and persists the result.
func (s *Store) Update(name string, fn func(*Session)) error {
	session, ok := s.sessions[name]
	if !ok {
		return fmt.Errorf("session %q not found", name)
	}
	fn(&session)
	s.sessions[name] = session
	return s.save()
}

func (s *Store) Get(name string) (Session, bool) {
	session, ok := s.sessions[name]
	return session, ok
}

// Remove forgets a session. Removing an unknown name is not an error.
func (s *Store) Remove(name string) error {
	if _, ok := s.sessions[name]; !ok {
		return nil
	}
	delete(s.sessions, name)
	return s.save()
}

func (s *Store) Exists(name string) bool {
	_, ok := s.sessions[name]
	return ok
}

// Names returns all session names, sorted.
func (s *Store) Names() []string {
	names := make([]string, 0, len(s.sessions))
	for name := range s.sessions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

var rfc1123Regex = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?$`)

// ValidateName checks that name is an RFC 1123 label.
func ValidateName(name string) error {
	if len(name) == 0 {
		return errors.New("name cannot be empty")
	}
	if len(name) > 63 {
		return errors.New("name cannot exceed 63 characters")
	}
	if !rfc1123Regex.MatchString(name) {
		return errors.New("name must be RFC 1123 compliant: lowercase alphanumeric, may contain hyphens, must start and end with alphanumeric")
	}
	return nil
}

var (
	tones = []string{
		"amber", "azure", "coral", "ivory", "jade", "olive", "ruby", "slate",
		"teal", "umber", "cobalt", "sable", "pearl", "rust", "sage", "plum",
	}
	shapes = []string{
		"arch", "cove", "dune", "fern", "gale", "knoll", "mesa", "reef",
		"ridge", "shoal", "spire", "vale", "brook", "cairn", "grove", "fjord",
	}
)

// GenerateName returns an unused name such as "teal-cove-4k2x".
func (s *Store) GenerateName() string {
	for {
		name := fmt.Sprintf("%s-%s-%s", pick(tones), pick(shapes), suffix(4))
		if !s.Exists(name) {
			return name
		}
	}
}

func pick(words []string) string {
	return words[randIntn(len(words))]
}

func suffix(n int) string {
	const chars = "abcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, n)
	for i := range b {
		b[i] = chars[randIntn(len(chars))]
	}
	return string(b)
}

func randIntn(n int) int {
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		panic(err)
	}
	return int(v.Int64())
}
