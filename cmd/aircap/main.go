package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/aircap/internal/airplay"
	"github.com/zsiec/aircap/internal/config"
	"github.com/zsiec/aircap/internal/consolidate"
	"github.com/zsiec/aircap/internal/demux"
	"github.com/zsiec/aircap/internal/media"
	"github.com/zsiec/aircap/internal/metrics"
	"github.com/zsiec/aircap/internal/preview"
	"github.com/zsiec/aircap/internal/session"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	replayPath := flag.String("replay", "", "raw Annex-B file to feed through the pipeline")
	replayCodec := flag.String("replay-codec", "h264", "codec of the replay file (h264 or h265)")
	sessionName := flag.String("session", "", "session name (empty picks the configured default)")
	flag.Parse()

	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	m := metrics.New()
	engine := consolidate.New(slog.Default(), m)
	orch := session.New(slog.Default(), cfg, m, engine)
	fwd := preview.NewForwarder(slog.Default(), preview.NopDecoder{})
	handler := airplay.NewHandler(slog.Default(), orch, airplay.WithPreview(fwd))

	slog.Info("aircap starting",
		"version", version,
		"root", cfg.RecordingsRoot,
		"slots", cfg.Slots,
		"frame_divisor", cfg.FrameDivisor,
		"consolidate_every", cfg.ConsolidateEvery,
	)

	g, ctx := errgroup.WithContext(ctx)

	if cfg.MetricsAddr != "" {
		metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: m.Handler()}
		g.Go(func() error {
			slog.Info("metrics server listening", "addr", cfg.MetricsAddr)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			return metricsSrv.Shutdown(shutdownCtx)
		})
	}

	if *replayPath != "" {
		g.Go(func() error {
			defer cancel()
			return replay(ctx, handler, orch, cfg, *replayPath, *replayCodec, *sessionName)
		})
	} else {
		// Without a receiver integration the process idles until signalled;
		// the Handler is the surface the receiver bindings call into.
		if err := orch.Start(*sessionName); err != nil {
			slog.Error("failed to start session", "error", err)
			os.Exit(1)
		}
		g.Go(func() error {
			<-ctx.Done()
			return orch.Stop()
		})
	}

	if err := g.Wait(); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

// replay feeds a raw Annex-B elementary stream through the adapter at the
// configured target frame rate, one access unit per tick. It exercises the
// whole recording and consolidation pipeline without a live sender.
func replay(ctx context.Context, h *airplay.Handler, orch *session.Orchestrator, cfg config.Config, path, codecName, sessionName string) error {
	codec := media.CodecH264
	if codecName == "h265" {
		codec = media.CodecH265
	} else if codecName != "h264" {
		return fmt.Errorf("unknown replay codec %q", codecName)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read replay file: %w", err)
	}

	aus := splitAccessUnits(data, codec)
	if len(aus) == 0 {
		return fmt.Errorf("no access units in %s", path)
	}
	slog.Info("replaying stream", "file", path, "codec", codec, "access_units", len(aus))

	if err := orch.Start(sessionName); err != nil {
		return err
	}
	id := session.Identity{DeviceID: "replay", Model: "file", Name: "replay:" + path}
	if !h.ConnectionAttempt(0, id) {
		return errors.New("replay connection refused")
	}
	h.Connect(0, id)
	h.SetCodec(0, codec)

	interval := time.Second / time.Duration(cfg.TargetFPS)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for _, au := range aus {
		select {
		case <-ctx.Done():
			h.Disconnect(0, id.DeviceID)
			return orch.Stop()
		case <-ticker.C:
			h.VideoData(0, au, time.Now())
		}
	}

	h.Disconnect(0, id.DeviceID)
	return orch.Stop()
}

// splitAccessUnits groups a raw Annex-B stream into per-picture buffers:
// each buffer holds the non-VCL units preceding a VCL unit plus that unit,
// all with 4-byte start codes.
func splitAccessUnits(data []byte, codec media.Codec) [][]byte {
	var units []demux.NALUnit
	if codec == media.CodecH265 {
		units = demux.ParseAnnexBHEVC(data)
	} else {
		units = demux.ParseAnnexB(data)
	}

	var out [][]byte
	var cur []byte
	startCode := []byte{0, 0, 0, 1}
	for _, u := range units {
		cur = append(cur, startCode...)
		cur = append(cur, u.Data...)

		vcl := demux.IsVCL(u.Type)
		if codec == media.CodecH265 {
			vcl = demux.IsHEVCVCL(u.Type)
		}
		if vcl {
			out = append(out, cur)
			cur = nil
		}
	}
	return out
}
