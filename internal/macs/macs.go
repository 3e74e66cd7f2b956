// Package macs resolves guest MAC addresses to their owning entities.
//
// The authoritative MAC→entity binding is the <container_id>.mac sidecar
// written into a workspace by whichever launcher created the entity, so
// resolution is a filesystem scan. The fleet tops out at a few hundred
// entries; a cache in front keeps webhook storms cheap.
package macs

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/vapiorc/vapiorc/internal/cache"
)

// Entity kinds a MAC can resolve to.
const (
	KindGoldenImage = "golden_image"
	KindVMInstance  = "vm_instance"
)

const cacheTTL = time.Hour

// Normalize canonicalizes a MAC address: uppercase hex, colon-separated,
// hyphens translated, surrounding whitespace dropped.
func Normalize(mac string) string {
	return strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(mac), "-", ":"))
}

// Registry scans workspace sidecars to resolve MACs.
type Registry struct {
	goldenRoot    string
	instancesRoot string
	cache         cache.Cache
	log           *logrus.Entry
}

// NewRegistry creates a Registry over the workspace roots.
func NewRegistry(goldenRoot, instancesRoot string, c cache.Cache, log *logrus.Entry) *Registry {
	return &Registry{
		goldenRoot:    goldenRoot,
		instancesRoot: instancesRoot,
		cache:         c,
		log:           log.WithField("component", "macs"),
	}
}

// Resolve maps a MAC to (kind, entity id). Golden-image workspaces are
// scanned first (template directories excluded), then instances. Returns
// ok=false when no sidecar matches.
func (r *Registry) Resolve(ctx context.Context, mac string) (kind, id string, ok bool) {
	mac = Normalize(mac)
	if mac == "" {
		return "", "", false
	}

	if val, hit := r.cache.Get(ctx, cacheKey(mac)); hit {
		if kind, id, ok = splitCached(val); ok {
			return kind, id, true
		}
	}

	if id, ok = r.scan(r.goldenRoot, mac, true); ok {
		kind = KindGoldenImage
	} else if id, ok = r.scan(r.instancesRoot, mac, false); ok {
		kind = KindVMInstance
	}
	if !ok {
		r.log.WithField("mac", mac).Info("no entity for MAC")
		return "", "", false
	}

	r.log.WithFields(logrus.Fields{"mac": mac, "kind": kind, "id": id}).Info("resolved MAC")
	r.cache.Set(ctx, cacheKey(mac), kind+"/"+id, cacheTTL)
	return kind, id, true
}

// Invalidate drops any cached resolution for a MAC.
func (r *Registry) Invalidate(ctx context.Context, mac string) {
	r.cache.Del(ctx, cacheKey(Normalize(mac)))
}

// scan walks every entity directory under root looking for a *.mac sidecar
// whose normalized content equals mac. Unreadable sidecars are logged and
// skipped.
func (r *Registry) scan(root, mac string, skipTemplates bool) (string, bool) {
	entries, err := os.ReadDir(root)
	if err != nil {
		r.log.WithError(err).WithField("root", root).Warn("scan workspace root")
		return "", false
	}

	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if skipTemplates && strings.HasSuffix(e.Name(), "_template") {
			continue
		}

		dir := filepath.Join(root, e.Name())
		sidecars, err := filepath.Glob(filepath.Join(dir, "*.mac"))
		if err != nil {
			continue
		}
		for _, sc := range sidecars {
			data, err := os.ReadFile(sc)
			if err != nil {
				r.log.WithError(err).WithField("sidecar", sc).Warn("read MAC sidecar")
				continue
			}
			if Normalize(string(data)) == mac {
				return e.Name(), true
			}
		}
	}
	return "", false
}

func cacheKey(mac string) string {
	return "vapiorc:mac:" + mac
}

func splitCached(val string) (kind, id string, ok bool) {
	kind, id, found := strings.Cut(val, "/")
	if !found || kind == "" || id == "" {
		return "", "", false
	}
	return kind, id, true
}
