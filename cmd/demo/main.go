// Command demo runs a loading-screen flow: a splash screen, a loading state
// gated on assets, a menu, and a lazily built level whose tiles are preloaded
// while the menu is shown.
package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/viant/afs"
	"github.com/viant/afs/file"
	"go.opentelemetry.io/otel/trace"

	"github.com/comalice/lazychart"
	"github.com/comalice/lazychart/afsloader"
	"github.com/comalice/lazychart/config"
	"github.com/comalice/lazychart/definition"
	"github.com/comalice/lazychart/internal/logger"
	"github.com/comalice/lazychart/internal/tracing"
	"github.com/comalice/lazychart/lazy"
	"github.com/comalice/lazychart/notify"
	"github.com/comalice/lazychart/realtime"
	"github.com/comalice/lazychart/resource"
	"github.com/comalice/lazychart/visualize"
)

const memBase = "mem://localhost/demo"

const gameYAML = `
id: game
initial: splash
states:
  - id: splash
    onEnter: announce
    transitions:
      - {to: loading, kind: delayed, after: 200ms, auto: true}
  - id: loading
    onEnter: announce
    onReady: ready
    requires:
      wait: true
      required: {atlas: atlas.json, music: music.ogg}
    transitions:
      - {to: menu, auto: true}
  - id: menu
    onEnter: announce
    transitions: [{to: level1}]
  - id: done
    onEnter: announce
lazy:
  resources:
    - {id: tiles, path: tiles.yaml}
  states:
    - id: level1
      deps: [tiles]
      onEnter: announce
      transitions:
        - {to: done, kind: timer, after: 500ms, auto: true}
adjacency:
  menu: [level1]
`

var assets = map[string]string{
	"game.yaml":  gameYAML,
	"atlas.json": `{"frames": 12, "sheet": "hero.png"}`,
	"music.ogg":  "OggS\x00demo",
	"tiles.yaml": "width: 16\nheight: 16\n",
}

func main() {
	defURL := flag.String("def", memBase+"/game.yaml", "machine definition URL")
	assetBase := flag.String("assets", memBase, "base URL for asset paths")
	timeout := flag.Duration("timeout", 10*time.Second, "give up after this long")
	dot := flag.Bool("dot", false, "print the machine as Graphviz DOT on exit")
	traces := flag.Bool("trace", false, "write OpenTelemetry spans to stderr")
	flag.Parse()

	if err := run(*defURL, *assetBase, *timeout, *dot, *traces); err != nil {
		fmt.Fprintln(os.Stderr, "demo:", err)
		os.Exit(1)
	}
}

func run(defURL, assetBase string, timeout time.Duration, dot, traces bool) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := logger.New(cfg.LoggerOptions()...)

	var tp trace.TracerProvider
	if traces {
		provider, err := tracing.NewStdoutProvider(os.Stderr, "lazychart-demo")
		if err != nil {
			return err
		}
		defer provider.Shutdown(context.Background())
		tp = provider
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	fs := afs.New()
	if err := seed(ctx, fs); err != nil {
		return err
	}
	def, err := definition.Load(ctx, fs, defURL)
	if err != nil {
		return err
	}

	bus := notify.NewBus(notify.WithLogger(log))
	loader := afsloader.New(afsloader.WithFS(fs), afsloader.WithBaseURL(assetBase), afsloader.WithLogger(log))
	store := resource.New(loader.Load,
		resource.WithMaxCacheSize(cfg.MaxCacheSize),
		resource.WithLoadTicks(cfg.LoadTicks),
		resource.WithBus(bus),
		resource.WithLogger(log),
		resource.WithTracerProvider(tp),
	)

	bindings := definition.Bindings{
		Hooks: map[string]lazychart.Hook{
			"announce": func(_ context.Context, s *lazychart.State) error {
				fmt.Printf("> %s\n", s.ID())
				return nil
			},
			"ready": func(_ context.Context, s *lazychart.State) error {
				if atlas, ok := resource.Get[map[string]any](store, "atlas"); ok {
					fmt.Printf("  atlas ready with %v frames\n", atlas["frames"])
				}
				return nil
			},
		},
		Resources: store,
		Loader:    loader.Load,
	}
	m, err := definition.Build(def, bindings, lazychart.WithLogger(log), lazychart.WithBus(bus), lazychart.WithTracerProvider(tp))
	if err != nil {
		return err
	}
	reg := lazy.New(m, store,
		lazy.WithMaxConcurrentLoads(cfg.MaxConcurrentLoads),
		lazy.WithLoadTimeout(cfg.LoadTimeout),
		lazy.WithBus(bus),
		lazy.WithLogger(log),
		lazy.WithTracerProvider(tp),
	)
	if err := definition.RegisterLazy(def, m, reg, bindings); err != nil {
		return err
	}

	// Listeners run on the tick goroutine, so touching the registry is safe.
	bus.Subscribe(func(n notify.Notification) {
		if n.Machine == m.ID() {
			if queued := reg.PreloadAdjacent(n.Next); queued > 0 {
				log.Info("preloading", slog.String("from", n.Next), slog.Int("items", queued))
			}
		}
	}, notify.StateChanged)

	events := make(chan notify.Notification, 64)
	sink := notify.NewChannelSink(events)
	bus.Subscribe(sink.Listener(), notify.StateChanged, notify.LoadProgress, notify.LoadingError)

	rt := realtime.NewRuntime(m, realtime.Config{
		TickRate:           cfg.TickRate,
		MaxRequestsPerTick: cfg.MaxRequestsPerTick,
	}, realtime.WithStore(store), realtime.WithRegistry(reg), realtime.WithLogger(log))
	if err := rt.RequestStart(); err != nil {
		return err
	}
	if err := rt.Start(ctx); err != nil {
		return err
	}

	err = drive(ctx, rt, events)
	rt.Stop()
	sink.Close()
	log.Info("demo finished", slog.Uint64("ticks", rt.TickNumber()), slog.Int("cached", store.Len()))
	if dot {
		fmt.Print(visualize.ExportDOT(m))
	}
	return err
}

// drive reacts to notifications until the level is finished.
func drive(ctx context.Context, rt *realtime.Runtime, events <-chan notify.Notification) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case n := <-events:
			switch n.Kind {
			case notify.LoadProgress:
				fmt.Printf("  loading %-6s %3.0f%%\n", n.ID, n.Progress*100)
			case notify.LoadingError:
				return fmt.Errorf("loading %s: %s", n.ID, n.Reason)
			case notify.StateChanged:
				switch n.Next {
				case "menu":
					if err := rt.RequestTransition("menu", "level1"); err != nil {
						return err
					}
				case "done":
					return nil
				}
			}
		}
	}
}

// seed uploads the bundled definition and assets to the in-memory store.
func seed(ctx context.Context, fs afs.Service) error {
	for name, content := range assets {
		URL := memBase + "/" + name
		if err := fs.Upload(ctx, URL, file.DefaultFileOsMode, bytes.NewReader([]byte(content))); err != nil {
			return fmt.Errorf("seed %s: %w", URL, err)
		}
	}
	return nil
}
