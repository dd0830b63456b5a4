package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizeLibrary(); err != nil {
		return err
	}
	c.normalizeIdentity()
	c.normalizeJobs()
	c.normalizeCluster()
	c.normalizeVision()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizeLibrary() error {
	var err error
	if strings.TrimSpace(c.Library.Root) == "" {
		if value, ok := os.LookupEnv("FACET_LIBRARY_ROOT"); ok && strings.TrimSpace(value) != "" {
			c.Library.Root = value
		} else {
			c.Library.Root = "."
		}
	}
	if c.Library.Root, err = expandPath(c.Library.Root); err != nil {
		return fmt.Errorf("library.root: %w", err)
	}
	if strings.TrimSpace(c.Library.DatabasePath) == "" {
		c.Library.DatabasePath = filepath.Join(c.Library.Root, defaultStateDirName, defaultDatabaseFile)
	}
	if c.Library.DatabasePath, err = expandPath(c.Library.DatabasePath); err != nil {
		return fmt.Errorf("library.database_path: %w", err)
	}
	if strings.TrimSpace(c.Library.LockPath) == "" {
		c.Library.LockPath = filepath.Join(c.Library.Root, defaultStateDirName, defaultLockFile)
	}
	if c.Library.LockPath, err = expandPath(c.Library.LockPath); err != nil {
		return fmt.Errorf("library.lock_path: %w", err)
	}
	if len(c.Library.Extensions) == 0 {
		c.Library.Extensions = defaultExtensions()
	} else {
		exts := make([]string, 0, len(c.Library.Extensions))
		seen := make(map[string]struct{}, len(c.Library.Extensions))
		for _, ext := range c.Library.Extensions {
			normalized := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
			if normalized == "" {
				continue
			}
			if _, exists := seen[normalized]; exists {
				continue
			}
			seen[normalized] = struct{}{}
			exts = append(exts, normalized)
		}
		if len(exts) == 0 {
			exts = defaultExtensions()
		}
		c.Library.Extensions = exts
	}
	if c.Library.ThumbnailMaxWidth <= 0 {
		c.Library.ThumbnailMaxWidth = defaultThumbnailMaxWidth
	}
	return nil
}

func (c *Config) normalizeIdentity() {
	if c.Identity.NearDupThreshold < 0 {
		c.Identity.NearDupThreshold = defaultNearDupThreshold
	}
	if c.Identity.NormalizeQuality <= 0 || c.Identity.NormalizeQuality > 100 {
		c.Identity.NormalizeQuality = defaultNormalizeQuality
	}
}

func (c *Config) normalizeJobs() {
	if c.Jobs.CPUSlots <= 0 {
		c.Jobs.CPUSlots = defaultCPUSlots
	}
	if c.Jobs.AccelSlots <= 0 {
		c.Jobs.AccelSlots = defaultAccelSlots
	}
	if c.Jobs.PollInterval <= 0 {
		c.Jobs.PollInterval = defaultPollInterval
	}
	if c.Jobs.CheckpointInterval <= 0 {
		c.Jobs.CheckpointInterval = defaultCheckpointEvery
	}
	if c.Jobs.ProgressBuffer <= 0 {
		c.Jobs.ProgressBuffer = defaultProgressBuffer
	}
}

func (c *Config) normalizeCluster() {
	c.Cluster.Strategy = strings.ToLower(strings.TrimSpace(c.Cluster.Strategy))
	if c.Cluster.Strategy == "" {
		c.Cluster.Strategy = defaultClusterStrategy
	}
	if c.Cluster.Eps <= 0 {
		c.Cluster.Eps = defaultClusterEps
	}
	if c.Cluster.MinSamples <= 0 {
		c.Cluster.MinSamples = defaultClusterMinSamples
	}
	if c.Cluster.Seed == 0 {
		c.Cluster.Seed = defaultClusterSeed
	}
	if c.Cluster.MaxIterations <= 0 {
		c.Cluster.MaxIterations = defaultClusterMaxIter
	}
	if c.Cluster.MaxClusterSize <= 0 {
		c.Cluster.MaxClusterSize = defaultMaxClusterSize
	}
	if c.Cluster.SplitTighten <= 0 || c.Cluster.SplitTighten >= 1 {
		c.Cluster.SplitTighten = defaultSplitTighten
	}
}

func (c *Config) normalizeVision() {
	c.Vision.DetectorURL = strings.TrimSpace(c.Vision.DetectorURL)
	if c.Vision.DetectorURL == "" {
		if value, ok := os.LookupEnv("FACET_DETECTOR_URL"); ok {
			c.Vision.DetectorURL = strings.TrimSpace(value)
		}
	}
	c.Vision.PredictorURL = strings.TrimSpace(c.Vision.PredictorURL)
	if c.Vision.PredictorURL == "" {
		if value, ok := os.LookupEnv("FACET_PREDICTOR_URL"); ok {
			c.Vision.PredictorURL = strings.TrimSpace(value)
		}
	}
	c.Vision.EmbedderURL = strings.TrimSpace(c.Vision.EmbedderURL)
	if c.Vision.EmbedderURL == "" {
		if value, ok := os.LookupEnv("FACET_EMBEDDER_URL"); ok {
			c.Vision.EmbedderURL = strings.TrimSpace(value)
		}
	}
	if c.Vision.RequestTimeout <= 0 {
		c.Vision.RequestTimeout = defaultVisionTimeout
	}
	if c.Vision.BBoxPadPercent < 0 {
		c.Vision.BBoxPadPercent = defaultBBoxPadPercent
	}
	if c.Vision.PredictThreshold <= 0 || c.Vision.PredictThreshold > 1 {
		c.Vision.PredictThreshold = defaultPredictThreshold
	}
	if c.Vision.PredictBatchSize <= 0 {
		c.Vision.PredictBatchSize = defaultPredictBatchSize
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	switch c.Logging.Format {
	case "", "console":
		c.Logging.Format = "console"
	case "json":
	default:
		c.Logging.Format = "console"
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}
