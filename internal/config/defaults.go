package config

const (
	defaultStateDirName      = ".facet"
	defaultDatabaseFile      = "catalog.db"
	defaultLockFile          = "scope.lock"
	defaultThumbnailMaxWidth = 500
	defaultNearDupThreshold  = 5
	defaultNormalizeQuality  = 95
	defaultCPUSlots          = 2
	defaultAccelSlots        = 1
	defaultPollInterval      = 2
	defaultCheckpointEvery   = 25
	defaultProgressBuffer    = 256
	defaultClusterStrategy   = "dbscan"
	defaultClusterEps        = 0.25
	defaultClusterMinSamples = 1
	defaultClusterSeed       = 42
	defaultClusterMaxIter    = 100
	defaultMaxClusterSize    = 200
	defaultSplitTighten      = 0.8
	defaultVisionTimeout     = 30
	defaultBBoxPadPercent    = 10
	defaultPredictThreshold  = 0.8
	defaultPredictBatchSize  = 32
	defaultLogFormat         = "console"
	defaultLogLevel          = "info"
)

func defaultExtensions() []string {
	return []string{"jpg", "jpeg", "png", "gif", "bmp", "tiff", "webp"}
}

// Default returns a Config populated with repository defaults. The library
// root defaults to the current working directory so the CLI can be pointed at
// a photo library simply by running inside it.
func Default() Config {
	return Config{
		Library: Library{
			Root:              ".",
			Extensions:        defaultExtensions(),
			ThumbnailMaxWidth: defaultThumbnailMaxWidth,
		},
		Identity: Identity{
			NearDupThreshold: defaultNearDupThreshold,
			NormalizeQuality: defaultNormalizeQuality,
		},
		Jobs: Jobs{
			CPUSlots:           defaultCPUSlots,
			AccelSlots:         defaultAccelSlots,
			PollInterval:       defaultPollInterval,
			CheckpointInterval: defaultCheckpointEvery,
			ProgressBuffer:     defaultProgressBuffer,
		},
		Cluster: Cluster{
			Strategy:       defaultClusterStrategy,
			Eps:            defaultClusterEps,
			MinSamples:     defaultClusterMinSamples,
			Seed:           defaultClusterSeed,
			MaxIterations:  defaultClusterMaxIter,
			MaxClusterSize: defaultMaxClusterSize,
			SplitTighten:   defaultSplitTighten,
		},
		Vision: Vision{
			RequestTimeout:   defaultVisionTimeout,
			BBoxPadPercent:   defaultBBoxPadPercent,
			PredictThreshold: defaultPredictThreshold,
			PredictBatchSize: defaultPredictBatchSize,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
