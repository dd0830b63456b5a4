package main

import (
	"github.com/spf13/cobra"

	"facet/internal/cluster"
	"facet/internal/ingest"
	"facet/internal/jobs"
	"facet/internal/predict"
)

func newIngestCommand(ctx *commandContext) *cobra.Command {
	var folders []string
	var recursive bool
	var sessionID int64
	var threshold int
	var predictInline bool

	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Scan the library and catalog new photos",
		Long: "Ingest scans the scoped library root, computes content and perceptual\n" +
			"digests for every eligible image, detects faces through the configured\n" +
			"detector sidecar, and commits new records to the catalog. Duplicates are\n" +
			"skipped, renames are followed, and conflicts or near-duplicates are\n" +
			"recorded as job errors for later review.\n\n" +
			"The job runs in the foreground; interrupt with Ctrl-C to stop at the\n" +
			"next file boundary and resume later with `facet jobs resume`.",
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := ingest.Payload{
				Folders:   folders,
				Recursive: recursive,
				SessionID: sessionID,
				Threshold: threshold,
				Predict:   predictInline,
			}
			return runForegroundJob(cmd, ctx, jobs.TypeIngest, payload)
		},
	}

	cmd.Flags().StringSliceVarP(&folders, "folder", "f", nil, "Root-relative sub-folder to scan (repeatable; default scans the whole root)")
	cmd.Flags().BoolVar(&recursive, "recursive", true, "Descend into nested folders")
	cmd.Flags().Int64Var(&sessionID, "session", 0, "Reuse an existing import session instead of creating one")
	cmd.Flags().IntVar(&threshold, "threshold", 0, "Near-duplicate Hamming distance override (0 uses the configured value)")
	cmd.Flags().BoolVar(&predictInline, "predict", false, "Predict identities for freshly detected faces during ingest")
	return cmd
}

func newClusterCommand(ctx *commandContext) *cobra.Command {
	var strategy string
	var eps float64
	var minSamples int
	var k int

	cmd := &cobra.Command{
		Use:   "cluster",
		Short: "Group catalogued faces into clusters",
		Long: "Cluster embeds every stored face crop, runs the configured clustering\n" +
			"strategy, and writes the final cluster assignments in one batch. Faces\n" +
			"with a confirmed identity keep it; everything else is regrouped.",
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := cluster.Payload{
				Strategy:   strategy,
				Eps:        eps,
				MinSamples: minSamples,
				K:          k,
			}
			return runForegroundJob(cmd, ctx, jobs.TypeCluster, payload)
		},
	}

	cmd.Flags().StringVar(&strategy, "strategy", "", "Clustering strategy: dbscan, kmeans, or linkage (default from config)")
	cmd.Flags().Float64Var(&eps, "eps", 0, "Neighborhood distance for dbscan/linkage (0 uses the configured value)")
	cmd.Flags().IntVar(&minSamples, "min-samples", 0, "Minimum dbscan neighborhood size (0 uses the configured value)")
	cmd.Flags().IntVar(&k, "k", 0, "Cluster count for kmeans (0 uses the configured value)")
	return cmd
}

func newPredictCommand(ctx *commandContext) *cobra.Command {
	var threshold float64
	var batchSize int

	cmd := &cobra.Command{
		Use:   "predict",
		Short: "Predict identities for unconfirmed faces",
		Long: "Predict sends faces without a confirmed identity to the predictor\n" +
			"sidecar in batches and stores predictions at or above the confidence\n" +
			"threshold. When the predictor is offline the job completes without\n" +
			"applying anything.",
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := predict.Payload{
				Threshold: threshold,
				BatchSize: batchSize,
			}
			return runForegroundJob(cmd, ctx, jobs.TypeBatchPredict, payload)
		},
	}

	cmd.Flags().Float64Var(&threshold, "threshold", 0, "Confidence floor for applying predictions (0 uses the configured value)")
	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "Faces per predictor request (0 uses the configured value)")
	return cmd
}

func newRepairCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "repair",
		Short: "Reconcile the catalog with the files on disk",
		Long: "Repair re-scans the library root, relinks catalog entries whose files\n" +
			"moved (matching by content digest, then perceptual distance with\n" +
			"filename hints), reports entries it cannot resolve, counts untracked\n" +
			"files, and recomputes face flags. Nothing is ever deleted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runForegroundJob(cmd, ctx, jobs.TypeRepair, predict.RepairPayload{})
		},
	}
}

func newRelinkCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "relink <new-root>",
		Short: "Reconnect the catalog after the library moved",
		Long: "Relink points facet at the library's new location and runs a repair\n" +
			"pass there, so records whose relative paths changed in the move are\n" +
			"matched back to their files. The catalog travels with the library in\n" +
			"its .facet directory.",
		Args: cobra.ExactArgs(1),
		// Config loading is deferred so the new root applies before state
		// directories are created; otherwise the stale root would be
		// recreated as a side effect.
		Annotations: map[string]string{"skipConfigLoad": "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			*ctx.rootFlag = args[0]
			if _, err := ctx.ensureConfig(); err != nil {
				return err
			}
			return runForegroundJob(cmd, ctx, jobs.TypeRepair, predict.RepairPayload{})
		},
	}
	return cmd
}
