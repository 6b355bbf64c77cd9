// Package images resolves OCI image references into local rootfs trees
// for the guest to boot from. Resolution tries the configured registries
// in order and caches the exported filesystem under the runtime home, so
// repeated starts of the same image skip the pull entirely.
package images

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Rootfs is a fully resolved, ready-to-boot guest filesystem.
type Rootfs struct {
	// Dir is the extracted filesystem tree.
	Dir string `json:"dir"`
	// Ref is the reference that actually resolved (after registry
	// qualification).
	Ref string `json:"ref"`
	// Env, Entrypoint, Cmd and WorkingDir come from the image config and
	// seed the guest container's process environment.
	Env        []string `json:"env,omitempty"`
	Entrypoint []string `json:"entrypoint,omitempty"`
	Cmd        []string `json:"cmd,omitempty"`
	WorkingDir string   `json:"working_dir,omitempty"`
}

// Resolver turns an image reference into a local rootfs, trying the given
// registries in order. Fully-qualified references bypass the list.
type Resolver interface {
	Resolve(ctx context.Context, ref string, registries []string) (*Rootfs, error)
}

// Candidates expands ref into the ordered list of qualified references to
// try. A fully-qualified ref (explicit registry host) is returned as-is.
func Candidates(ref string, registries []string) []string {
	if fullyQualified(ref) {
		return []string{ref}
	}
	if len(registries) == 0 {
		return []string{ref}
	}
	out := make([]string, 0, len(registries))
	for _, reg := range registries {
		out = append(out, qualify(reg, ref))
	}
	return out
}

// fullyQualified reports whether ref carries an explicit registry host.
// The first path component is a host if it contains a dot, a port, or is
// "localhost" — the same heuristic the Docker distribution reference
// parser uses.
func fullyQualified(ref string) bool {
	host, rest, ok := strings.Cut(ref, "/")
	if !ok || rest == "" {
		return false
	}
	return strings.Contains(host, ".") || strings.Contains(host, ":") || host == "localhost"
}

func qualify(registry, ref string) string {
	// docker.io pulls use the bare reference; the daemon applies the
	// library/ namespace itself.
	if registry == "docker.io" || registry == "" {
		return ref
	}
	return registry + "/" + ref
}

// CacheKey returns the directory name used for a reference in the cache.
func CacheKey(ref string) string {
	replacer := strings.NewReplacer("/", "_", ":", "_", "@", "_")
	return replacer.Replace(ref)
}

// cacheMetaFile marks a cache entry as fully populated. A directory
// without it is a partial extraction and gets rebuilt.
const cacheMetaFile = "rootfs.json"

func loadCached(dir string) (*Rootfs, error) {
	data, err := os.ReadFile(filepath.Join(dir, cacheMetaFile))
	if err != nil {
		return nil, err
	}
	var r Rootfs
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("corrupt cache metadata in %s: %w", dir, err)
	}
	return &r, nil
}

func writeCacheMeta(dir string, r *Rootfs) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, cacheMetaFile), data, 0o600)
}
