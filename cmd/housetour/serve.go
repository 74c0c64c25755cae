package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chongxuan2024/live2dSpeek/internal/bridge"
	"github.com/chongxuan2024/live2dSpeek/internal/bus"
	"github.com/chongxuan2024/live2dSpeek/internal/engine"
	"github.com/chongxuan2024/live2dSpeek/internal/inbox"
	"github.com/chongxuan2024/live2dSpeek/internal/logging"
	"github.com/chongxuan2024/live2dSpeek/internal/metrics"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 5 * time.Second

func newServeCmd() *cobra.Command {
	var (
		listenAddr string
		inboxDir   string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the browser bridge and drive the avatar",
		Long: `Starts the WebSocket bridge the avatar page connects to. The page's loop
video and audio element are driven by the engine; narration clips arrive as
sync commands from the page, or as files dropped into the inbox directory.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if listenAddr != "" {
				cfg.Server.ListenAddr = listenAddr
			}
			if inboxDir != "" {
				cfg.Inbox.Dir = inboxDir
			}
			asset, err := cfg.ActiveAsset()
			if err != nil {
				return err
			}

			logger, err := newLogger(cfg, true)
			if err != nil {
				return err
			}
			defer logger.Close()
			zlog := logger.Zerolog()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			b := bus.NewEventBus()
			m := metrics.NewMetrics()

			srv := bridge.NewServer(bridge.Config{
				WSPath:         cfg.Server.WSPath,
				MetricsPath:    cfg.Server.MetricsPath,
				AssetRoot:      cfg.Audio.AssetRoot,
				WriteTimeout:   cfg.Server.WriteTimeout,
				RequestTimeout: cfg.Server.RequestTimeout,
			}, zlog, b, m)
			defer srv.Close()

			eng, err := newEngine(cfg, srv.Source(), srv.Audio(), zlog, b, m)
			if err != nil {
				return err
			}
			defer eng.Close()

			srv.SetController(eng)
			srv.ForwardEvents(b)
			srv.SetOnConnect(func(ctx context.Context) {
				if err := eng.LoadLoopAsset(ctx, asset.Path); err != nil {
					logger.Error("serve", "Loop asset failed to load", err, map[string]interface{}{"path": asset.Path})
				}
			})
			// Without a page there is nothing to loop; the next connect reloads
			srv.SetOnDisconnect(func() {
				eng.Unload()
			})
			logger.SetOnLog(func(entry logging.LogEntry) {
				if err := srv.Notify(bridge.Message{Type: bridge.MsgLog, Data: entry}); err != nil {
					zlog.Debug().Err(err).Msg("Failed to forward log entry")
				}
			})

			httpSrv := &http.Server{
				Addr:              cfg.Server.ListenAddr,
				Handler:           srv,
				ReadHeaderTimeout: 10 * time.Second,
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				logger.Info("serve", "Bridge listening", map[string]interface{}{
					"addr": cfg.Server.ListenAddr,
					"ws":   cfg.Server.WSPath,
				})
				if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("listen: %w", err)
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				srv.Close()
				return httpSrv.Shutdown(shutdownCtx)
			})

			if cfg.Inbox.Dir != "" {
				w, err := inbox.NewWatcher(inbox.Config{
					Dir:      cfg.Inbox.Dir,
					Debounce: cfg.Inbox.Debounce,
				}, syncHandler(eng, logger), zlog)
				if err != nil {
					return err
				}
				defer w.Close()
				g.Go(func() error {
					return w.Run(gctx)
				})
				logger.Info("serve", "Watching inbox", map[string]interface{}{"dir": cfg.Inbox.Dir})
			}

			fmt.Println(successLine(fmt.Sprintf("Serving on http://%s%s", cfg.Server.ListenAddr, cfg.Server.WSPath)))
			fmt.Println(dimStyle.Render("Press Ctrl-C to stop"))

			if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&listenAddr, "listen", "", "override the listen address")
	cmd.Flags().StringVar(&inboxDir, "inbox", "", "watch this directory for narration clips")
	return cmd
}

// syncHandler plays clips dropped into the inbox. A clip arriving while
// another is playing is skipped.
func syncHandler(eng *engine.Engine, logger *logging.Logger) inbox.Handler {
	return func(ctx context.Context, path string) error {
		err := eng.SyncWithAudio(ctx, path)
		if errors.Is(err, engine.ErrSyncInProgress) {
			logger.Warn("inbox", "Clip skipped, sync in progress", map[string]interface{}{"path": path})
			return nil
		}
		return err
	}
}
