package config

import (
	"errors"
	"fmt"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateLibrary(); err != nil {
		return err
	}
	if err := c.validateIdentity(); err != nil {
		return err
	}
	if err := c.validateJobs(); err != nil {
		return err
	}
	if err := c.validateCluster(); err != nil {
		return err
	}
	if err := c.validateVision(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateLibrary() error {
	if c.Library.Root == "" {
		return errors.New("library.root must be set (or run facet inside the library)")
	}
	if c.Library.DatabasePath == "" {
		return errors.New("library.database_path must be set")
	}
	if c.Library.LockPath == "" {
		return errors.New("library.lock_path must be set")
	}
	if len(c.Library.Extensions) == 0 {
		return errors.New("library.extensions must list at least one extension")
	}
	return nil
}

func (c *Config) validateIdentity() error {
	if c.Identity.NearDupThreshold > 64 {
		return errors.New("identity.near_dup_threshold must be at most 64 bits")
	}
	return nil
}

func (c *Config) validateJobs() error {
	if err := ensurePositiveMap(map[string]int{
		"jobs.cpu_slots":           c.Jobs.CPUSlots,
		"jobs.accel_slots":         c.Jobs.AccelSlots,
		"jobs.poll_interval":       c.Jobs.PollInterval,
		"jobs.checkpoint_interval": c.Jobs.CheckpointInterval,
		"jobs.progress_buffer":     c.Jobs.ProgressBuffer,
	}); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateCluster() error {
	switch c.Cluster.Strategy {
	case "dbscan", "kmeans", "linkage":
	default:
		return fmt.Errorf("cluster.strategy must be one of dbscan, kmeans, linkage (got %q)", c.Cluster.Strategy)
	}
	if c.Cluster.Eps <= 0 {
		return errors.New("cluster.eps must be positive")
	}
	if c.Cluster.SplitTighten <= 0 || c.Cluster.SplitTighten >= 1 {
		return errors.New("cluster.split_tighten must be between 0 and 1 exclusive")
	}
	if c.Cluster.MaxClusterSize < 2 {
		return errors.New("cluster.max_cluster_size must be at least 2")
	}
	return nil
}

func (c *Config) validateVision() error {
	if c.Vision.PredictThreshold < 0 || c.Vision.PredictThreshold > 1 {
		return errors.New("vision.predict_threshold must be between 0 and 1")
	}
	if c.Vision.BBoxPadPercent < 0 || c.Vision.BBoxPadPercent > 100 {
		return errors.New("vision.bbox_pad_percent must be between 0 and 100")
	}
	return nil
}

func ensurePositiveMap(values map[string]int) error {
	for name, value := range values {
		if value <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	return nil
}
