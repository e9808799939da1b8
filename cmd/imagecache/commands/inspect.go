package commands

import (
	"os"
	"strconv"

	"github.com/cyverse/imagecache/gif"
	"github.com/spf13/cobra"
	"golang.org/x/xerrors"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect <gif>",
	Short: "Print the header and frames of a GIF",
	Args:  cobra.ExactArgs(1),
	RunE:  runInspect,
}

func runInspect(command *cobra.Command, args []string) error {
	f, err := os.Open(args[0])
	if err != nil {
		return xerrors.Errorf("failed to open %s: %w", args[0], err)
	}
	defer f.Close()

	stream, err := gif.Decode(f, gif.DecodeOptions{})
	if err != nil {
		return err
	}

	header := stream.Header
	printf(command, "version:    %s\n", header.Version)
	printf(command, "screen:     %dx%d\n", header.Width, header.Height)
	printf(command, "colors:     %d (background %d)\n", len(header.GlobalColorTable), header.BackgroundIndex)
	printf(command, "loop count: %d (plays %d)\n", header.LoopCount, header.PlayCount())
	printf(command, "frames:     %d (complete %t)\n", stream.FrameCount(), stream.Complete)
	if stream.Err != nil {
		printf(command, "error:      %s\n", stream.Err)
	}

	printf(command, "\n%5s  %-20s  %8s  %-20s  %-11s  %-10s  %s\n", "INDEX", "RECT", "DELAY", "DISPOSAL", "TRANSPARENT", "INTERLACED", "LOCAL")
	for _, frame := range stream.Frames {
		transparent := "-"
		if frame.Transparent {
			transparent = strconv.Itoa(int(frame.TransparentIndex))
		}

		printf(command, "%5d  %-20s  %8s  %-20s  %-11s  %-10t  %d\n",
			frame.Index, frame.Rect.String(), frame.Delay, frame.Disposal, transparent, frame.Interlaced, len(frame.LocalColorTable))
	}
	return nil
}
