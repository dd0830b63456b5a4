package preflight

import (
	"fmt"
	"os"

	"facet/internal/config"
)

// CatalogProbe reports the current catalog database snapshot.
type CatalogProbe struct {
	Present   bool
	Path      string
	SizeBytes int64
}

// ProbeCatalog inspects the catalog database file without opening it, so
// status displays work while another process holds the scope lock.
func ProbeCatalog(cfg *config.Config) CatalogProbe {
	if cfg == nil {
		return CatalogProbe{}
	}
	path := cfg.Library.DatabasePath
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return CatalogProbe{Path: path}
	}
	return CatalogProbe{Present: true, Path: path, SizeBytes: info.Size()}
}

// CatalogDetail renders a display-friendly summary for status UIs.
func (p CatalogProbe) CatalogDetail() string {
	if !p.Present {
		return "no catalog database yet"
	}
	return fmt.Sprintf("%s (%.1f MB)", p.Path, float64(p.SizeBytes)/(1024*1024))
}
