package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Library describes the scoped photo root and the artifacts stored inside it.
type Library struct {
	Root              string   `toml:"root"`
	DatabasePath      string   `toml:"database_path"`
	LockPath          string   `toml:"lock_path"`
	Extensions        []string `toml:"extensions"`
	ThumbnailMaxWidth int      `toml:"thumbnail_max_width"`
}

// Identity contains thresholds for content and perceptual matching.
type Identity struct {
	NearDupThreshold int `toml:"near_dup_threshold"`
	// NormalizeQuality is the JPEG quality used when re-encoding an image
	// whose EXIF orientation had to be applied before hashing.
	NormalizeQuality int `toml:"normalize_quality"`
}

// Jobs contains worker pool sizing and controller timing.
type Jobs struct {
	CPUSlots           int `toml:"cpu_slots"`
	AccelSlots         int `toml:"accel_slots"`
	PollInterval       int `toml:"poll_interval"`
	CheckpointInterval int `toml:"checkpoint_interval"`
	ProgressBuffer     int `toml:"progress_buffer"`
}

// Cluster contains the clustering strategy selection and its tunables.
type Cluster struct {
	Strategy       string  `toml:"strategy"`
	Eps            float64 `toml:"eps"`
	MinSamples     int     `toml:"min_samples"`
	KMeansK        int     `toml:"kmeans_k"`
	Seed           int64   `toml:"seed"`
	MaxIterations  int     `toml:"max_iterations"`
	MaxClusterSize int     `toml:"max_cluster_size"`
	SplitTighten   float64 `toml:"split_tighten"`
}

// Vision contains the model sidecar endpoints and prediction policy.
type Vision struct {
	DetectorURL      string  `toml:"detector_url"`
	PredictorURL     string  `toml:"predictor_url"`
	EmbedderURL      string  `toml:"embedder_url"`
	RequestTimeout   int     `toml:"request_timeout"`
	BBoxPadPercent   int     `toml:"bbox_pad_percent"`
	PredictThreshold float64 `toml:"predict_threshold"`
	PredictBatchSize int     `toml:"predict_batch_size"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Config encapsulates all configuration values for Facet.
//
// Configuration sections by subsystem:
//   - Library: scoped root, database/lock locations, eligible extensions
//   - Identity: near-duplicate distance threshold, normalization quality
//   - Jobs: worker slots per lane, poll and checkpoint cadence
//   - Cluster: strategy selection, distance parameters, split policy
//   - Vision: detector/predictor/embedder sidecar endpoints and thresholds
//   - Logging: log format and level
type Config struct {
	Library  Library  `toml:"library"`
	Identity Identity `toml:"identity"`
	Jobs     Jobs     `toml:"jobs"`
	Cluster  Cluster  `toml:"cluster"`
	Vision   Vision   `toml:"vision"`
	Logging  Logging  `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/facet/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := expandPath("~/.config/facet/config.toml")
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("facet.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// SetRoot points the configuration at a different scoped root and re-derives
// the database and lock paths when they were not set explicitly.
func (c *Config) SetRoot(root string) error {
	if strings.TrimSpace(root) == "" {
		return errors.New("library.root must not be empty")
	}
	c.Library.Root = root
	c.Library.DatabasePath = ""
	c.Library.LockPath = ""
	if err := c.normalizeLibrary(); err != nil {
		return err
	}
	return c.Validate()
}

// EnsureDirectories creates the library state directory holding the catalog
// database and scope lock.
func (c *Config) EnsureDirectories() error {
	for _, path := range []string{c.Library.DatabasePath, c.Library.LockPath} {
		dir := filepath.Dir(path)
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// EligibleExtension reports whether the file name carries one of the
// configured image extensions. The comparison is case-insensitive.
func (c *Config) EligibleExtension(name string) bool {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
	if ext == "" {
		return false
	}
	for _, candidate := range c.Library.Extensions {
		if ext == candidate {
			return true
		}
	}
	return false
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	sample := sampleConfig

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sample), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
