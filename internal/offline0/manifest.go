package offline0

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// RootPath is the canonical key of the navigation root.
const RootPath = "/"

// Manifest maps resource paths to content fingerprints for one deployment.
// It is never mutated after Parse; a new deployment builds a new Manifest.
type Manifest struct {
	Version   string
	Resources map[string]string
	Core      []string
}

type manifestFile struct {
	Version   string            `json:"version"`
	Resources map[string]string `json:"resources"`
	Core      []string          `json:"core"`
}

func LoadManifest(path string) (*Manifest, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	m, err := ParseManifest(b)
	if err != nil {
		return nil, fmt.Errorf("manifest %s: %w", path, err)
	}
	return m, nil
}

// ParseManifest accepts either {"version", "resources", "core"} or a bare
// flat {path: fingerprint} object.
func ParseManifest(b []byte) (*Manifest, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, err
	}

	var mf manifestFile
	if _, ok := raw["resources"]; ok {
		if err := json.Unmarshal(b, &mf); err != nil {
			return nil, err
		}
	} else {
		flat := map[string]string{}
		if err := json.Unmarshal(b, &flat); err != nil {
			return nil, fmt.Errorf("flat manifest: %w", err)
		}
		mf.Resources = flat
	}
	return NewManifest(mf.Version, mf.Resources, mf.Core)
}

func NewManifest(version string, resources map[string]string, core []string) (*Manifest, error) {
	m := &Manifest{
		Resources: make(map[string]string, len(resources)),
		Core:      make([]string, 0, len(core)),
	}
	for p, fp := range resources {
		key := NormalizePath(p)
		if prev, ok := m.Resources[key]; ok && prev != fp {
			return nil, fmt.Errorf("resource %q listed twice with different fingerprints", key)
		}
		m.Resources[key] = fp
	}
	seen := map[string]struct{}{}
	for _, p := range core {
		key := NormalizePath(p)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		m.Core = append(m.Core, key)
	}
	m.Version = strings.TrimSpace(version)
	if m.Version == "" {
		m.Version = m.digest()
	}
	return m, nil
}

// NormalizePath turns "./a.js", "/a.js" and "a.js" into "a.js". The empty
// path becomes RootPath.
func NormalizePath(p string) string {
	p = strings.TrimSpace(p)
	for {
		switch {
		case strings.HasPrefix(p, "./"):
			p = p[2:]
		case strings.HasPrefix(p, "/"):
			p = p[1:]
		default:
			if p == "" || p == "." {
				return RootPath
			}
			return p
		}
	}
}

func (m *Manifest) Fingerprint(path string) (string, bool) {
	fp, ok := m.Resources[path]
	return fp, ok
}

func (m *Manifest) Has(path string) bool {
	_, ok := m.Resources[path]
	return ok
}

func (m *Manifest) IsCore(path string) bool {
	for _, p := range m.Core {
		if p == path {
			return true
		}
	}
	return false
}

// Paths returns the resource paths in sorted order.
func (m *Manifest) Paths() []string {
	out := make([]string, 0, len(m.Resources))
	for p := range m.Resources {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func (m *Manifest) digest() string {
	h := xxhash.New()
	for _, p := range m.Paths() {
		_, _ = h.WriteString(p)
		_, _ = h.Write([]byte{0})
		_, _ = h.WriteString(m.Resources[p])
		_, _ = h.Write([]byte{'\n'})
	}
	for _, p := range m.Core {
		_, _ = h.WriteString("core:" + p + "\n")
	}
	return strconv.FormatUint(h.Sum64(), 16)
}

// snapshot is the persisted form of a manifest: the flat resource map.
func (m *Manifest) snapshot() ([]byte, error) {
	return json.Marshal(m.Resources)
}

func decodeSnapshot(b []byte) (map[string]string, error) {
	out := map[string]string{}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("decode manifest snapshot: %w", err)
	}
	return out, nil
}
