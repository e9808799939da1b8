package commands

import (
	"image/png"
	"os"

	"github.com/cyverse/imagecache/gif"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/xerrors"
)

var (
	renderFrame   int
	renderOut     string
	renderWidth   int
	renderHeight  int
	renderQuality bool
)

var renderCmd = &cobra.Command{
	Use:   "render <gif>",
	Short: "Composite a frame of a GIF and write it as PNG",
	Args:  cobra.ExactArgs(1),
	RunE:  runRender,
}

func init() {
	renderCmd.Flags().IntVar(&renderFrame, "frame", 0, "frame index, wraps around the frame count")
	renderCmd.Flags().StringVar(&renderOut, "out", "frame.png", "output PNG path")
	renderCmd.Flags().IntVar(&renderWidth, "width", 0, "downsample toward this width")
	renderCmd.Flags().IntVar(&renderHeight, "height", 0, "downsample toward this height")
	renderCmd.Flags().BoolVar(&renderQuality, "quality", false, "box-average when downsampling")
}

func runRender(command *cobra.Command, args []string) error {
	logger := log.WithFields(log.Fields{
		"package":  "commands",
		"function": "runRender",
	})

	f, err := os.Open(args[0])
	if err != nil {
		return xerrors.Errorf("failed to open %s: %w", args[0], err)
	}
	defer f.Close()

	stream, err := gif.Decode(f, gif.DecodeOptions{})
	if err != nil {
		return err
	}

	if stream.Err != nil {
		logger.WithError(stream.Err).Warnf("%s is damaged, rendering from %d frames", args[0], stream.FrameCount())
	}

	compositor, err := gif.NewCompositor(stream, gif.CompositorOptions{
		TargetWidth:  renderWidth,
		TargetHeight: renderHeight,
		Quality:      renderQuality,
	})
	if err != nil {
		return err
	}

	img, err := compositor.Frame(renderFrame)
	if err != nil {
		return err
	}

	out, err := os.Create(renderOut)
	if err != nil {
		return xerrors.Errorf("failed to create %s: %w", renderOut, err)
	}
	defer out.Close()

	err = png.Encode(out, img)
	if err != nil {
		return xerrors.Errorf("failed to encode %s: %w", renderOut, err)
	}

	printf(command, "wrote frame %d of %d (%dx%d, sample %d) to %s\n",
		compositor.GetCurrentFrame(), compositor.GetFrameCount(), img.Bounds().Dx(), img.Bounds().Dy(), compositor.GetSampleSize(), renderOut)
	return nil
}
