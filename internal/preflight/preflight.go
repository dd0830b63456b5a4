package preflight

import (
	"context"
	"fmt"
	"path/filepath"

	"facet/internal/config"
)

// Result reports the outcome of a single preflight check.
type Result struct {
	Name   string
	Passed bool
	Detail string
}

// RunAll executes every applicable check for the given config: filesystem
// access plus one probe per configured sidecar endpoint.
func RunAll(ctx context.Context, cfg *config.Config) []Result {
	if cfg == nil {
		return nil
	}
	results := Environment(cfg)
	results = append(results, sidecarChecks(ctx, cfg)...)
	return results
}

// Environment runs the filesystem checks a job cannot survive without: the
// scoped root and the state directory holding the catalog database.
func Environment(cfg *config.Config) []Result {
	if cfg == nil {
		return nil
	}
	results := []Result{
		CheckDirectoryAccess("library root", cfg.Library.Root),
	}
	stateDir := filepath.Dir(cfg.Library.DatabasePath)
	if stateDir != "" && stateDir != "." && stateDir != cfg.Library.Root {
		results = append(results, CheckDirectoryAccess("state directory", stateDir))
	}
	return results
}

// Failures formats the failed checks as "name: detail" strings.
func Failures(results []Result) []string {
	var failures []string
	for _, result := range results {
		if !result.Passed {
			failures = append(failures, fmt.Sprintf("%s: %s", result.Name, result.Detail))
		}
	}
	return failures
}

// sidecarChecks probes each distinct configured endpoint once. The detector
// and predictor often share a process; a shared base URL is probed under the
// first name that mentions it.
func sidecarChecks(ctx context.Context, cfg *config.Config) []Result {
	endpoints := []struct {
		name string
		url  string
	}{
		{"detector sidecar", cfg.Vision.DetectorURL},
		{"predictor sidecar", cfg.Vision.PredictorURL},
		{"embedder sidecar", cfg.Vision.EmbedderURL},
	}

	var results []Result
	seen := make(map[string]bool, len(endpoints))
	for _, endpoint := range endpoints {
		base := normalizeBaseURL(endpoint.url)
		if base == "" || seen[base] {
			continue
		}
		seen[base] = true
		results = append(results, CheckSidecar(ctx, endpoint.name, base))
	}
	return results
}
