package commands

import (
	"os"
	"os/signal"

	"github.com/cyverse/imagecache/cache"
	"github.com/cyverse/imagecache/config"
	"github.com/cyverse/imagecache/pipeline"
	"github.com/cyverse/imagecache/report"
	"github.com/cyverse/imagecache/source"
	"github.com/cyverse/imagecache/work"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"
)

var (
	loadFrame  int
	loadWidth  int
	loadHeight int
)

var loadCmd = &cobra.Command{
	Use:   "load <key>...",
	Short: "Load images through the memory cache, disk cache and sources",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runLoad,
}

func init() {
	loadCmd.Flags().IntVar(&loadFrame, "frame", 0, "frame index to load")
	loadCmd.Flags().IntVar(&loadWidth, "width", 0, "downsample toward this width")
	loadCmd.Flags().IntVar(&loadHeight, "height", 0, "downsample toward this height")
}

func openDiskCache(cfg *config.Config) (*cache.DiskCacheStore, error) {
	return cache.NewDiskCacheStore(cfg.CacheRootPath, cfg.DiskTTL, cfg.DiskMaxEntries, cfg.CompactionThreshold)
}

func runLoad(command *cobra.Command, args []string) error {
	cfg := loadedConfig

	ctx, stop := signal.NotifyContext(command.Context(), os.Interrupt)
	defer stop()

	byteSource, err := source.NewMappedSource(cfg.Sources, cfg.HTTPRetryMax, cfg.HTTPTimeout)
	if err != nil {
		return err
	}
	defer byteSource.Release()

	disk, err := openDiskCache(cfg)
	if err != nil {
		return xerrors.Errorf("failed to open disk cache: %w", err)
	}
	defer disk.Close()

	if cfg.SweepInterval > 0 {
		disk.StartSweeper(ctx, cfg.SweepInterval)
	}

	memory, err := cache.NewMemoryCacheStore(cfg.MemoryCapacity)
	if err != nil {
		return err
	}
	defer memory.Release()

	coordinator := work.NewCoordinator(cfg.GetParallelism())
	defer coordinator.Close()

	stats := report.NewStatsReporter()
	reporter := report.NewMultiReporter(stats, report.NewLogReporter())

	loader, err := pipeline.NewLoader(byteSource, disk, memory, coordinator, reporter, cfg.DecodeSessions)
	if err != nil {
		return err
	}
	defer loader.Release()

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(cfg.GetParallelism())

	results := make([]*pipeline.Result, len(args))
	for i, key := range args {
		i := i
		key := key
		group.Go(func() error {
			results[i] = loader.Load(groupCtx, &pipeline.Request{
				Key:          key,
				Frame:        loadFrame,
				TargetWidth:  loadWidth,
				TargetHeight: loadHeight,
			})
			return nil
		})
	}
	group.Wait()

	failed := 0
	for _, result := range results {
		switch result.Kind {
		case pipeline.ResultSuccess:
			img := result.GetImage()
			printf(command, "%s: frame %d of %d, %dx%d\n", result.Key, result.Frame, result.Animation.FrameCount, img.Bounds().Dx(), img.Bounds().Dy())
			result.Release()
		default:
			failed++
			printf(command, "%s: %s (%v)\n", result.Key, result.Kind, result.Err)
		}
	}

	totals := stats.GetStats()
	printf(command, "\nmemory hits %d, disk hits %d, fetches %d (%d bytes), failures %d, cancelled %d\n",
		totals.MemoryHits, totals.DiskHits, totals.Fetches, totals.FetchedBytes, totals.Failures, totals.Cancellations)

	if failed > 0 {
		return xerrors.Errorf("%d of %d loads did not succeed", failed, len(args))
	}
	return nil
}
