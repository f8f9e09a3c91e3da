// Command genclips writes synthetic per-channel dashcam clips for tests
// and demos. Each clip is a self-contained MP4 whose frames carry the
// channel name and a burned-in timestamp, so playback synchronization
// can be verified by eye.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mcamp/blackbox/clipgen"
	"github.com/mcamp/blackbox/media"
)

func main() {
	var (
		outDir   = flag.String("out", "testdata", "output directory")
		channels = flag.String("channels", "", "comma-separated channel names (default: all)")
		duration = flag.Duration("duration", 10*time.Second, "clip duration")
		fps      = flag.Int("fps", 30, "frames per second")
		gop      = flag.Int("gop", 30, "frames per keyframe group")
		width    = flag.Int("width", 320, "frame width")
		height   = flag.Int("height", 180, "frame height")
		quality  = flag.Int("quality", 75, "jpeg quality (1-100)")
	)
	flag.Parse()

	ids := media.AllChannels()
	if *channels != "" {
		ids = ids[:0]
		for _, name := range strings.Split(*channels, ",") {
			ids = append(ids, media.ChannelID(strings.TrimSpace(name)))
		}
	}

	if err := os.MkdirAll(*outDir, 0o755); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	for _, ch := range ids {
		spec := clipgen.DefaultSpec(ch)
		spec.Duration = *duration
		spec.FPS = *fps
		spec.GOPSize = *gop
		spec.Width = *width
		spec.Height = *height
		spec.Quality = *quality

		path := filepath.Join(*outDir, string(ch)+".mp4")
		if err := writeClip(path, spec); err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", path, err)
			os.Exit(1)
		}
		fmt.Printf("%s\t%v @ %dfps, %dx%d\n", path, spec.Duration, spec.FPS, spec.Width, spec.Height)
	}
}

func writeClip(path string, spec clipgen.Spec) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := clipgen.WriteClip(f, spec); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
