package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	router "github.com/dkeye/liveview/internal/adapters/http"
	"github.com/dkeye/liveview/internal/adapters/rtc"
	"github.com/dkeye/liveview/internal/config"
	"github.com/dkeye/liveview/internal/core"
	"github.com/dkeye/liveview/internal/domain"
	"github.com/dkeye/liveview/internal/events"
	"github.com/dkeye/liveview/internal/media"
	"github.com/dkeye/liveview/internal/observability"
	"github.com/dkeye/liveview/internal/reactions"
	"github.com/dkeye/liveview/internal/signaling"
	"github.com/dkeye/liveview/internal/sink"
	"github.com/dkeye/liveview/internal/viewer"
)

var watchFlags struct {
	recordDir string
	port      int
}

var watchCmd = &cobra.Command{
	Use:   "watch <session-id>",
	Short: "Watch one live session and serve its view state locally",
	Args:  cobra.ExactArgs(1),
	RunE:  runWatch,
}

func init() {
	watchCmd.Flags().StringVar(&watchFlags.recordDir, "record-dir", "", "write received media to this directory (overrides media.record_dir)")
	watchCmd.Flags().IntVar(&watchFlags.port, "port", 0, "control API port (overrides port)")
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg.Log)
	if watchFlags.recordDir != "" {
		cfg.Media.RecordDir = watchFlags.recordDir
	}
	if watchFlags.port != 0 {
		cfg.Port = watchFlags.port
	}

	sessionID := domain.SessionID(strings.TrimSpace(args[0]))
	if sessionID == "" {
		return fmt.Errorf("session id: %w", core.ErrConfiguration)
	}
	user, err := viewerIdentity(cfg.Viewer)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(cfg.Metrics.Namespace, reg)

	v, err := buildViewer(cfg, sessionID, *user, metrics)
	if err != nil {
		return err
	}

	r := router.SetupRouter(ctx, cfg, v, reg)
	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info().Str("addr", addr).Str("session", string(sessionID)).Msg("control API started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server error")
			cancel()
		}
	}()

	if err := v.Start(ctx); err != nil {
		log.Error().Err(err).Msg("viewer failed to start")
	}

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := v.Close(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("viewer close")
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Viewer exited gracefully")
	return nil
}

// viewerIdentity returns the configured viewer. Without viewer.user_id the
// identity stays anonymous: the backend id of our own echoes is unknown, so
// they are matched by window only.
func viewerIdentity(cfg config.ViewerConfig) (*domain.User, error) {
	if strings.TrimSpace(cfg.UserID) == "" {
		log.Warn().Msg("viewer.user_id not set, own reactions are matched by window only")
		return &domain.User{DisplayName: cfg.DisplayName}, nil
	}
	return domain.NewUser(cfg.UserID, cfg.DisplayName)
}

func buildViewer(cfg *config.Config, id domain.SessionID, user domain.User, metrics *observability.Metrics) (*viewer.Viewer, error) {
	api, err := signaling.NewClient(signaling.Options{
		BaseURL:   cfg.API.BaseURL,
		AuthToken: cfg.API.AuthToken,
		Timeout:   cfg.API.Timeout,
	}, metrics)
	if err != nil {
		return nil, err
	}

	rooms, err := rtc.NewFactory(cfg.Media.ICEServers, cfg.Media.ConnectTimeout)
	if err != nil {
		return nil, err
	}
	policy, err := sink.ParseAutoplayPolicy(cfg.Media.Autoplay)
	if err != nil {
		return nil, err
	}
	// video starts muted so the muted-only policy lets it play
	video := sink.New(core.TrackKindVideo, sink.Options{Muted: true, Policy: policy, RecordDir: cfg.Media.RecordDir})
	audio := sink.New(core.TrackKindAudio, sink.Options{Policy: policy, RecordDir: cfg.Media.RecordDir})

	mm := media.NewManager(media.Options{
		ServerURL:         cfg.Media.ServerURL,
		ConnectTimeout:    cfg.Media.ConnectTimeout,
		DisconnectTimeout: cfg.Media.DisconnectTimeout,
		SettleDelay:       cfg.Media.SettleDelay,
		BackoffBase:       cfg.Media.BackoffBase,
		BackoffCap:        cfg.Media.BackoffCap,
		MinTokenLength:    cfg.Media.MinTokenLength,
	}, rooms, video, audio, metrics)

	ch := events.NewChannel(events.Options{
		URL:           cfg.Events.URL,
		AuthToken:     cfg.API.AuthToken,
		PingPeriod:    cfg.Events.PingPeriod,
		ReconnectBase: cfg.Events.ReconnectBase,
		ReconnectCap:  cfg.Events.ReconnectCap,
		Dial:          events.GorillaDialer(cfg.Events.ReadLimit),
	}, metrics)

	return viewer.New(viewer.Options{
		SessionID: id,
		User:      user,
		Reactions: reactions.Options{
			DisplayDuration: cfg.Reactions.DisplayDuration,
			PendingWindow:   cfg.Reactions.PendingWindow,
			LocalWindow:     cfg.Reactions.LocalWindow,
			ServerIDGrace:   cfg.Reactions.ServerIDGrace,
			MaxProcessedIDs: cfg.Reactions.MaxProcessedIDs,
			BurstInterval:   cfg.Reactions.BurstInterval,
			SweepInterval:   cfg.Reactions.SweepInterval,
		},
	}, api, mm, ch, metrics), nil
}
