package commands

import (
	"github.com/spf13/cobra"
	"golang.org/x/xerrors"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Remove expired entries from the disk cache",
	Args:  cobra.NoArgs,
	RunE:  runSweep,
}

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove all entries from the disk cache",
	Args:  cobra.NoArgs,
	RunE:  runClear,
}

func runSweep(command *cobra.Command, args []string) error {
	disk, err := openDiskCache(loadedConfig)
	if err != nil {
		return xerrors.Errorf("failed to open disk cache: %w", err)
	}
	defer disk.Close()

	// opening already sweeps, so this usually finds nothing new
	removed := disk.Sweep()
	printf(command, "removed %d expired entries, %d entries left in %s\n", removed, disk.GetTotalEntries(), disk.GetRootPath())
	return nil
}

func runClear(command *cobra.Command, args []string) error {
	disk, err := openDiskCache(loadedConfig)
	if err != nil {
		return xerrors.Errorf("failed to open disk cache: %w", err)
	}
	defer disk.Close()

	count := disk.GetTotalEntries()
	err = disk.Clear()
	if err != nil {
		return err
	}

	printf(command, "removed %d entries from %s\n", count, disk.GetRootPath())
	return nil
}
