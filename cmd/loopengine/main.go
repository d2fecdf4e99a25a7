package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/breeze-rmm/loopengine/internal/config"
	"github.com/breeze-rmm/loopengine/internal/dispatch"
	"github.com/breeze-rmm/loopengine/internal/frame"
	"github.com/breeze-rmm/loopengine/internal/logging"
	"github.com/breeze-rmm/loopengine/internal/mediagraph"
	"github.com/breeze-rmm/loopengine/internal/recording"
	"github.com/breeze-rmm/loopengine/internal/recovery"
)

var (
	version = "0.1.0"
	cfgFile string
)

var log = logging.L("main")

var rootCmd = &cobra.Command{
	Use:   "loopengine",
	Short: "Interactive video looping engine",
	Long:  `loopengine composites a live camera feed with up to 50 independently triggered palindrome-playback loop cells.`,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the looping engine",
	Run: func(cmd *cobra.Command, args []string) {
		runEngine()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("loopengine v%s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is /etc/loopengine/loopengine.yaml)")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// initLogging sets up structured logging from config. Call after config.Load().
func initLogging(cfg *config.Config) {
	var output io.Writer = os.Stdout
	logFileFallback := false

	if cfg.LogFile != "" {
		rw, err := logging.NewRotatingWriter(cfg.LogFile, cfg.LogMaxSizeMB, cfg.LogMaxBackups)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v (logging to stdout)\n", cfg.LogFile, err)
			logFileFallback = true
		} else {
			output = logging.TeeWriter(os.Stdout, rw)
		}
	}

	logging.Init(cfg.LogFormat, cfg.LogLevel, output)
	log = logging.L("main")

	if logFileFallback {
		log.Warn("log file fallback active, logging to stdout only", "requestedFile", cfg.LogFile)
	}
}

// engineComponents holds the running components created by runEngine so
// shutdown can tear them down in dependency order.
type engineComponents struct {
	source   *cameraSource
	graph    *mediagraph.Controller
	machine  *recording.Machine
	disp     *dispatch.Dispatcher
	watchdog *recovery.Controller
}

func shutdownEngine(comps *engineComponents) {
	if comps == nil {
		return
	}
	comps.disp.RequestQuit()
	<-comps.disp.Done()

	comps.source.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := comps.graph.Shutdown(ctx); err != nil {
		log.Error("media graph shutdown error", "error", err)
	}
}

// runEngine wires the dependency-ordered components together:
// config -> logging -> mediagraph.Controller -> recording.Machine ->
// dispatch.Dispatcher, with recovery.Controller wrapping the graph's
// state-change operations.
func runEngine() {
	cfg, warnings, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	initLogging(cfg)
	for _, w := range warnings {
		log.Warn("config warning", "detail", w.Error())
	}

	log.Info("starting loopengine",
		"version", version,
		"outputFramerate", cfg.OutputFramerate,
		"ringCapacityFrames", cfg.RingCapacityFrames,
	)

	sourceCaps := frameCapsFromConfig(cfg)

	sink := newWindowSink()
	graph := mediagraph.New(cfg, sink)

	fatal := make(chan struct{}, 1)
	watchdog := recovery.New(time.Duration(cfg.StateChangeTimeoutNS), recovery.Callbacks{
		// Graph mutations are atomic swaps, so an abandoned mutation
		// leaves the previous topology fully intact; reverting is
		// confirming that state rather than undoing anything.
		Revert: func(ctx context.Context) error {
			return nil
		},
		ForceNull: func(ctx context.Context) error {
			return graph.Shutdown(ctx)
		},
		OnOutcome: func(o recovery.Outcome) {
			log.Warn("recovery outcome",
				logging.KeyCategory, o.Category.String(),
				"strategy", o.Strategy.String(),
				"succeeded", o.Succeeded,
			)
			if o.FatalAfterAll {
				// First-time fatal: emit the operator-facing notification
				// (the window layer renders it) and begin orderly shutdown.
				log.Error("unrecoverable pipeline failure",
					"title", "Video pipeline failed",
					"explanation", "the media graph could not be recovered after revert, ready, and null attempts",
					"suggestedAction", "restart loopengine and check camera availability in the logs",
				)
				select {
				case fatal <- struct{}{}:
				default:
				}
			}
		},
	})

	ctx := context.Background()
	initErr := watchdog.Watch(ctx, func(opCtx context.Context) error {
		return graph.Initialize(opCtx, mediagraph.SourceSpec{Caps: sourceCaps})
	}, nil)
	if initErr != nil {
		log.Error("failed to initialize media graph", "error", initErr)
		os.Exit(1)
	}

	source := newCameraSource(sourceCaps, graph, time.Duration(cfg.DefaultFrameDurationNS))
	source.Start()

	supervised := mediagraph.NewSupervised(graph, watchdog)
	machine := recording.New(supervised, sourceCaps, cfg.RingCapacityFrames, cfg.MinHoldDurationNS, cfg.DefaultFrameDurationNS)

	disp := dispatch.New(machine, cfg.OpQueueSize, func() {
		log.Info("quit requested")
	})
	go disp.Run(ctx)

	comps := &engineComponents{source: source, graph: graph, machine: machine, disp: disp, watchdog: watchdog}

	log.Info("loopengine is running; waiting for key events from the window layer")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigChan:
		log.Info("shutting down loopengine")
	case <-fatal:
		log.Info("shutting down loopengine after unrecoverable failure")
	}
	shutdownEngine(comps)
	log.Info("loopengine stopped")
}

func frameCapsFromConfig(cfg *config.Config) frame.Caps {
	return frame.Caps{
		Format:     frame.PixelFormatRGBA,
		Width:      cfg.Grid.Live.Width,
		Height:     cfg.Grid.Live.Height,
		FramerateN: 30,
		FramerateD: 1,
	}
}
