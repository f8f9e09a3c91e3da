// Command blackbox replays a multi-camera dashcam recording: it loads
// one MP4 clip per camera channel, runs the synchronized playback engine
// headless, and reports per-channel status while it plays.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/mcamp/blackbox/config"
	"github.com/mcamp/blackbox/decode"
	"github.com/mcamp/blackbox/media"
	"github.com/mcamp/blackbox/player"
)

var version = "dev"

func main() {
	app := &cli.App{
		Name:    "blackbox",
		Usage:   "synchronized multi-camera dashcam playback engine",
		Version: version,
		Commands: []*cli.Command{
			{
				Name:  "play",
				Usage: "replay a recording described by a config file",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "config",
						Aliases:  []string{"c"},
						Usage:    "YAML config with channels and engine tuning",
						Required: true,
					},
					&cli.Float64Flag{
						Name:  "rate",
						Usage: "playback rate, overrides the config",
					},
					&cli.DurationFlag{
						Name:  "start",
						Usage: "start offset, overrides the config",
					},
				},
				Action: runPlay,
			},
			{
				Name:      "probe",
				Usage:     "print clip metadata without playing",
				ArgsUsage: "FILE...",
				Action:    runProbe,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runPlay(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	log := cfg.NewLogger(os.Stderr)
	slog.SetDefault(log)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sources := make(map[media.ChannelID]decode.Decoder)
	for id, path := range cfg.ChannelSources() {
		sources[id] = decode.NewMP4Decoder(id, path, log)
	}

	p := player.New(cfg.PlayerConfig(), log)
	defer p.Unload()

	p.SetSink(newStatusSink(log, cfg.TickRateHz))

	if err := p.Load(sources); err != nil {
		return err
	}
	if err := p.Play(); err != nil {
		return err
	}

	rate := cfg.Rate
	if c.IsSet("rate") {
		rate = c.Float64("rate")
	}
	if rate != 0 && rate != 1.0 {
		p.SetPlaybackRate(rate)
	}

	start := cfg.StartAt()
	if c.IsSet("start") {
		start = c.Duration("start")
	}
	if start > 0 {
		if err := p.SeekToTime(start); err != nil {
			return err
		}
	}

	log.Info("playback started", "channels", len(sources), "rate", p.Rate(), "start", start)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return tickLoop(ctx, p, cfg.TickInterval())
	})
	if err := g.Wait(); err != nil {
		return err
	}

	return printState(p)
}

// tickLoop drives the presentation clock until the recording is over or
// the context is cancelled.
func tickLoop(ctx context.Context, p *player.Player, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	end := recordingEnd(p)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			snap := p.Tick()
			if snap.PlaybackTime > end || allFailed(snap) {
				slog.Info("recording finished", "at", snap.PlaybackTime)
				return nil
			}
		}
	}
}

// recordingEnd returns the duration of the longest channel.
func recordingEnd(p *player.Player) time.Duration {
	var end time.Duration
	for _, ch := range p.CurrentState().Channels {
		if d := time.Duration(ch.DurationMs) * time.Millisecond; d > end {
			end = d
		}
	}
	return end
}

// allFailed reports whether no channel can present anything anymore.
func allFailed(snap player.TickSnapshot) bool {
	if len(snap.Channels) == 0 {
		return false
	}
	for _, pres := range snap.Channels {
		if pres.Status != media.StatusError {
			return false
		}
	}
	return true
}

// printState dumps the final session state as JSON on stdout.
func printState(p *player.Player) error {
	out, err := json.MarshalIndent(p.CurrentState(), "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func runProbe(c *cli.Context) error {
	if c.NArg() == 0 {
		return cli.Exit("probe: no files given", 2)
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	for _, path := range c.Args().Slice() {
		dec := decode.NewMP4Decoder(media.ChannelFront, path, log)
		if err := dec.Open(); err != nil {
			return fmt.Errorf("probe %s: %w", path, err)
		}
		frames := 0
		keyframes := 0
		for {
			f, err := dec.DecodeNext()
			if err != nil {
				if decode.IsCorrupt(err) {
					continue
				}
				break
			}
			frames++
			if f.Keyframe {
				keyframes++
			}
		}
		fmt.Printf("%s\tduration=%v\tframes=%d\tkeyframes=%d\n", path, dec.Duration(), frames, keyframes)
		dec.Close()
	}
	return nil
}

// statusSink logs a one-line playback status roughly once per second.
type statusSink struct {
	log   *slog.Logger
	every int
	n     int
}

func newStatusSink(log *slog.Logger, tickRateHz int) player.Sink {
	if tickRateHz < 1 {
		tickRateHz = 1
	}
	return &statusSink{log: log, every: tickRateHz}
}

func (s *statusSink) Present(snap player.TickSnapshot) {
	s.n++
	if s.n%s.every != 0 {
		return
	}
	attrs := make([]any, 0, 2*len(snap.Channels)+2)
	attrs = append(attrs, "t", snap.PlaybackTime.Round(time.Millisecond))
	for id, pres := range snap.Channels {
		attrs = append(attrs, string(id), string(pres.Status))
	}
	s.log.Info("playing", attrs...)
}
