// moq-view consumes one live broadcast and renders its video track:
// decoded frames fan out to an optional PNG snapshot writer, while
// settings changes arrive from a watched config file or over MQTT.
package main

import (
	"flag"
	"fmt"
	"image"
	"image/png"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	moqcapture "github.com/e7canasta/moq-capture"
	"github.com/e7canasta/moq-capture/gstcodec"
	"github.com/e7canasta/moq-capture/render"
	"github.com/e7canasta/moq-capture/replay"
)

const version = "v0.1.0"

func main() {
	configPath := flag.String("config", "", "YAML config file (watched for changes)")
	url := flag.String("url", "", "streaming server address (overrides config)")
	broadcast := flag.String("broadcast", "", "broadcast path (overrides config)")
	replayDir := flag.String("replay", "", "replay root directory (overrides config)")
	outputDir := flag.String("output", "", "directory for PNG snapshots (overrides config)")
	debug := flag.Bool("debug", false, "enable debug logging")
	showVersion := flag.Bool("version", false, "show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("moq-view %s\n", version)
		os.Exit(0)
	}

	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfg := &Config{}
	cfg.applyDefaults()
	if *configPath != "" {
		loaded, err := loadConfig(*configPath)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
		cfg = loaded
	}
	if *url != "" {
		cfg.URL = *url
	}
	if *broadcast != "" {
		cfg.Broadcast = *broadcast
	}
	if *replayDir != "" {
		cfg.ReplayDir = *replayDir
	}
	if *outputDir != "" {
		cfg.Output.Dir = *outputDir
	}

	if cfg.ReplayDir == "" {
		log.Fatalf("A replay directory is required (--replay or replay_dir in config)")
	}

	transport, err := replay.NewTransport(cfg.ReplayDir)
	if err != nil {
		log.Fatalf("Failed to open replay transport: %v", err)
	}

	bus := render.NewBus()
	frames := make(chan render.Frame, 8)
	if err := bus.Subscribe("viewer", frames); err != nil {
		log.Fatalf("Failed to subscribe viewer: %v", err)
	}
	viewerDone := make(chan struct{})
	go runViewer(frames, cfg.Output, viewerDone)

	client, err := moqcapture.NewClient(moqcapture.ClientConfig{
		Transport:  transport,
		Decoders:   gstcodec.NewFactory(),
		Converters: gstcodec.NewConverterFactory(),
		Renderer:   bus,
		Settings: moqcapture.Settings{
			URL:       cfg.URL,
			Broadcast: cfg.Broadcast,
		},
		Reconnect: moqcapture.ReconnectConfig{
			Enabled:       cfg.Reconnect.Enabled,
			MaxRetries:    cfg.Reconnect.MaxRetries,
			RetryDelay:    time.Duration(cfg.Reconnect.RetryDelayS) * time.Second,
			MaxRetryDelay: time.Duration(cfg.Reconnect.MaxRetryDelayS) * time.Second,
		},
	})
	if err != nil {
		log.Fatalf("Failed to create client: %v", err)
	}

	var watcher *fsnotify.Watcher
	if *configPath != "" {
		watcher, err = watchConfig(*configPath, client)
		if err != nil {
			slog.Warn("config watching disabled", "error", err)
		}
	}

	var control *controlPlane
	if cfg.MQTT.Broker != "" {
		control, err = startControlPlane(cfg.MQTT, func(url, broadcast string) {
			client.Update(moqcapture.Settings{URL: url, Broadcast: broadcast})
		})
		if err != nil {
			slog.Warn("mqtt control plane disabled", "error", err)
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	statsTicker := time.NewTicker(time.Duration(cfg.StatsIntervalS) * time.Second)
	defer statsTicker.Stop()

	slog.Info("moq-view running",
		"url", cfg.URL,
		"broadcast", cfg.Broadcast,
		"replay_dir", cfg.ReplayDir,
	)

	for {
		select {
		case <-statsTicker.C:
			stats := client.Stats()
			slog.Info("stats",
				"state", stats.State,
				"generation", stats.Generation,
				"codec", stats.Codec,
				"geometry", fmt.Sprintf("%dx%d", stats.Width, stats.Height),
				"frames_decoded", stats.FramesDecoded,
				"frames_skipped", stats.FramesSkipped,
				"decode_errors", stats.DecodeErrors,
				"fps", fmt.Sprintf("%.2f", stats.FPSReal),
			)
		case sig := <-sigChan:
			slog.Info("received signal, shutting down", "signal", sig)
			if control != nil {
				control.Stop()
			}
			if watcher != nil {
				watcher.Close()
			}
			client.Close()
			bus.Close()
			close(frames)
			<-viewerDone
			return
		}
	}
}

// watchConfig re-reads the config file on every write and applies the
// connection settings to the client.
func watchConfig(path string, client *moqcapture.Client) (*fsnotify.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory: editors commonly replace the file, which
	// drops a watch registered on the file itself.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, err
	}

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(path) {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				cfg, err := loadConfig(path)
				if err != nil {
					slog.Warn("ignoring unreadable config update", "error", err)
					continue
				}
				slog.Info("config changed, applying settings",
					"url", cfg.URL,
					"broadcast", cfg.Broadcast,
				)
				client.Update(moqcapture.Settings{
					URL:       cfg.URL,
					Broadcast: cfg.Broadcast,
				})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("config watcher error", "error", err)
			}
		}
	}()

	slog.Info("watching config file", "path", path)
	return watcher, nil
}

// runViewer drains the frame channel, logging blanks and optionally
// saving every Nth frame as PNG.
func runViewer(frames <-chan render.Frame, out OutputConfig, done chan<- struct{}) {
	defer close(done)

	if out.Dir != "" {
		if err := os.MkdirAll(out.Dir, 0o755); err != nil {
			slog.Error("failed to create output directory, snapshots disabled",
				"dir", out.Dir,
				"error", err,
			)
			out.Dir = ""
		}
	}

	received := 0
	saved := 0
	for f := range frames {
		if f.Blank {
			slog.Info("display blanked")
			continue
		}
		received++
		if out.Dir == "" || received%out.EveryNth != 0 {
			continue
		}
		if out.MaxFrames > 0 && saved >= out.MaxFrames {
			continue
		}
		name := fmt.Sprintf("frame_%06d_%d.png", received, f.TimestampMicros)
		if err := savePNG(filepath.Join(out.Dir, name), f); err != nil {
			slog.Error("failed to save frame", "file", name, "error", err)
			continue
		}
		saved++
		slog.Debug("frame saved", "file", name, "trace_id", f.TraceID)
	}
}

// savePNG writes one RGBA frame to disk.
func savePNG(path string, f render.Frame) error {
	img := &image.RGBA{
		Pix:    f.Data,
		Stride: f.Width * 4,
		Rect:   image.Rect(0, 0, f.Width, f.Height),
	}

	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}
	defer file.Close()

	if err := png.Encode(file, img); err != nil {
		return fmt.Errorf("encode png: %w", err)
	}
	return nil
}
