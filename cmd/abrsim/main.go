// Adaptive streaming simulator.
//
// This tool plays a DASH or synthetic content over a simulated network and
// reports how the streaming core adapted: Representation switches, buffer
// full recoveries, stalls and fatal errors.
//
// Usage:
//
//	go run ./cmd/abrsim -duration 5m -profile step-down
//	go run ./cmd/abrsim -manifest ./testdata/live.mpd -profile oscillating
//
// Every flag has an environment variable counterpart (see -help), read
// from the environment or a .env file.
//
// Exposes metrics, status and pprof endpoints on -listen:
//
//	curl http://localhost:6060/status
//	curl http://localhost:6060/debug/pprof/heap > heap.pprof
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/thesyncim/abrstream/internal/config"
	"github.com/thesyncim/abrstream/internal/logger"
	"github.com/thesyncim/abrstream/internal/telemetry"
	"github.com/thesyncim/abrstream/pkg/abr"
	"github.com/thesyncim/abrstream/pkg/fetch"
	"github.com/thesyncim/abrstream/pkg/loop"
	"github.com/thesyncim/abrstream/pkg/manifest"
	"github.com/thesyncim/abrstream/pkg/manifest/dash"
	"github.com/thesyncim/abrstream/pkg/metrics"
	"github.com/thesyncim/abrstream/pkg/stream"
	"github.com/thesyncim/abrstream/pkg/testutil"
)

const (
	statusInterval  = 10 * time.Second
	shutdownTimeout = 5 * time.Second
)

type options struct {
	duration        time.Duration
	tick            time.Duration
	manifestPath    string
	baseURL         string
	contentDuration time.Duration
	periods         int

	profile   string
	tracePath string
	bandwidth float64
	latency   time.Duration

	wantedBufferAhead  float64
	maxVideoBufferSize float64
	fastSwitching      bool
	switchingMode      string
	videoQuota         int
	audioQuota         int
	noAudio            bool

	listen    string
	logLevel  string
	logFormat string
}

func parseFlags() options {
	var o options
	flag.DurationVar(&o.duration, "duration", config.GetEnvDuration("ABRSIM_DURATION", 2*time.Minute), "Simulation duration (ABRSIM_DURATION)")
	flag.DurationVar(&o.tick, "tick", config.GetEnvDuration("ABRSIM_TICK", 250*time.Millisecond), "Playback observation interval (ABRSIM_TICK)")
	flag.StringVar(&o.manifestPath, "manifest", config.GetEnv("ABRSIM_MANIFEST", ""), "DASH MPD to play instead of the synthetic ladder (ABRSIM_MANIFEST)")
	flag.StringVar(&o.baseURL, "base-url", config.GetEnv("ABRSIM_BASE_URL", ""), "Fetch segments over HTTP from this URL instead of the simulated network (ABRSIM_BASE_URL)")
	flag.DurationVar(&o.contentDuration, "content-duration", config.GetEnvDuration("ABRSIM_CONTENT_DURATION", 10*time.Minute), "Synthetic content duration (ABRSIM_CONTENT_DURATION)")
	flag.IntVar(&o.periods, "periods", config.GetEnvInt("ABRSIM_PERIODS", 1), "Number of synthetic periods (ABRSIM_PERIODS)")

	flag.StringVar(&o.profile, "profile", config.GetEnv("ABRSIM_NETWORK_PROFILE", "stable"), "Network profile: stable, step-down, oscillating (ABRSIM_NETWORK_PROFILE)")
	flag.StringVar(&o.tracePath, "trace", config.GetEnv("ABRSIM_TRACE", ""), "JSON bandwidth trace overriding -profile (ABRSIM_TRACE)")
	flag.Float64Var(&o.bandwidth, "bandwidth", config.GetEnvFloat("ABRSIM_BANDWIDTH", 4e6), "Nominal bandwidth in bits per second (ABRSIM_BANDWIDTH)")
	flag.DurationVar(&o.latency, "latency", config.GetEnvDuration("ABRSIM_LATENCY", 50*time.Millisecond), "Request latency (ABRSIM_LATENCY)")

	flag.Float64Var(&o.wantedBufferAhead, "wanted-buffer-ahead", config.GetEnvFloat("ABRSIM_WANTED_BUFFER_AHEAD", 30), "Buffer goal in seconds, may be inf (ABRSIM_WANTED_BUFFER_AHEAD)")
	flag.Float64Var(&o.maxVideoBufferSize, "max-video-buffer-size", config.GetEnvFloat("ABRSIM_MAX_VIDEO_BUFFER_SIZE", 0), "Video buffered ahead bound in kilobytes, 0 for none (ABRSIM_MAX_VIDEO_BUFFER_SIZE)")
	flag.BoolVar(&o.fastSwitching, "fast-switching", config.GetEnvBool("ABRSIM_FAST_SWITCHING", true), "Replace buffered segments by better ones (ABRSIM_FAST_SWITCHING)")
	flag.StringVar(&o.switchingMode, "switching-mode", config.GetEnv("ABRSIM_SWITCHING_MODE", "seamless"), "seamless, lazy, direct or reload (ABRSIM_SWITCHING_MODE)")
	flag.IntVar(&o.videoQuota, "video-quota", config.GetEnvInt("ABRSIM_VIDEO_QUOTA", 0), "Video sink quota in bytes, 0 for none (ABRSIM_VIDEO_QUOTA)")
	flag.IntVar(&o.audioQuota, "audio-quota", config.GetEnvInt("ABRSIM_AUDIO_QUOTA", 0), "Audio sink quota in bytes, 0 for none (ABRSIM_AUDIO_QUOTA)")
	flag.BoolVar(&o.noAudio, "no-audio", config.GetEnvBool("ABRSIM_NO_AUDIO", false), "Stream video only (ABRSIM_NO_AUDIO)")

	flag.StringVar(&o.listen, "listen", config.GetEnv("ABRSIM_LISTEN", ":6060"), "Metrics and status address, empty to disable (ABRSIM_LISTEN)")
	flag.StringVar(&o.logLevel, "log-level", config.GetEnv("LOG_LEVEL", "info"), "debug, info, warn, error (LOG_LEVEL)")
	flag.StringVar(&o.logFormat, "log-format", config.GetEnv("LOG_FORMAT", "text"), "json or text (LOG_FORMAT)")
	flag.Parse()
	return o
}

func main() {
	_ = config.Load()
	opts := parseFlags()

	log := logger.New(opts.logLevel, opts.logFormat)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Init(ctx, "abrsim")
	if err != nil {
		log.Error("tracing setup failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			log.Warn("tracing shutdown", slog.Any("error", err))
		}
	}()

	fmt.Printf("Adaptive Streaming Simulator\n")
	fmt.Printf("============================\n")
	fmt.Printf("Duration: %v\n", opts.duration)
	fmt.Printf("Network:  %s at %.2f Mbps\n", opts.profile, opts.bandwidth/1e6)
	if opts.listen != "" {
		fmt.Printf("Status:   http://localhost%s/status\n", opts.listen)
	}
	fmt.Printf("\n")

	res, err := run(ctx, opts, log)
	if err != nil {
		log.Error("simulation failed", slog.Any("error", err))
		os.Exit(1)
	}

	printSummary(res)
	if res.status() != "PASS" {
		os.Exit(1)
	}
}

// result is a finished run.
type result struct {
	summary
	Requests int
	Bytes    int64
}

func (r result) status() string {
	if len(r.FatalErrors) > 0 || r.Position == 0 {
		return "FAIL"
	}
	return "PASS"
}

func run(ctx context.Context, opts options, log *slog.Logger) (result, error) {
	mode, err := stream.ParseSwitchingMode(opts.switchingMode)
	if err != nil {
		return result{}, err
	}
	m, reload, err := loadManifest(opts)
	if err != nil {
		return result{}, err
	}
	fetcher, network, err := newFetcher(opts)
	if err != nil {
		return result{}, err
	}

	met := metrics.New()
	queues, err := fetch.NewFactory(fetcher, fetch.WithLogger(log), fetch.WithMetrics(met))
	if err != nil {
		return result{}, err
	}
	est := abr.NewEstimator(abr.DefaultEstimatorConfig(), abr.WithLogger(log))
	l := loop.New(nil)

	s := newSession(sessionConfig{
		WantedBufferAhead:  opts.wantedBufferAhead,
		MaxVideoBufferSize: opts.maxVideoBufferSize,
		FastSwitching:      opts.fastSwitching,
		SwitchingMode:      mode,
		VideoQuota:         opts.videoQuota,
		AudioQuota:         opts.audioQuota,
		StreamConfig:       stream.DefaultConfig(),
		DisableAudio:       opts.noAudio,
		ReloadManifest:     reload,
		RefreshMinInterval: 2 * time.Second,
	}, log, l, m, est, queues, met)

	loopCtx, stopLoop := context.WithCancel(context.Background())
	defer stopLoop()

	// The simulation ending stops the server.
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		if err := l.Run(loopCtx); !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	if opts.listen != "" {
		srv := &http.Server{
			Addr:              opts.listen,
			Handler:           newRouter(log, met, s),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("status server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	var res result
	g.Go(func() error {
		defer cancelRun()
		defer stopLoop()
		var startErr error
		if err := l.Do(gctx, func() { startErr = s.start(0) }); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		if startErr != nil {
			return startErr
		}
		res = simulate(gctx, opts, l, s)
		if network != nil {
			res.Requests, res.Bytes = network.Stats()
		}
		return nil
	})

	err = g.Wait()
	return res, err
}

// simulate ticks the session until the duration elapsed, the content ended
// or ctx is done, then stops it and returns its summary.
func simulate(ctx context.Context, opts options, l *loop.Loop, s *session) result {
	ticker := time.NewTicker(opts.tick)
	defer ticker.Stop()
	status := time.NewTicker(statusInterval)
	defer status.Stop()
	timeout := time.NewTimer(opts.duration)
	defer timeout.Stop()

	started := time.Now()
	last := started
	fmt.Printf("[%s] Starting simulation...\n", formatDuration(0))

ticking:
	for {
		select {
		case <-ctx.Done():
			break ticking
		case <-timeout.C:
			break ticking
		case <-s.Done():
			break ticking
		case now := <-ticker.C:
			dt := now.Sub(last)
			last = now
			l.Post(func() { s.tick(dt) })
		case now := <-status.C:
			sum, err := s.Summary(ctx)
			if err != nil {
				continue
			}
			fmt.Printf("[%s] Position: %.1fs, Video: %s, Estimate: %.2f Mbps, Gap: %.1fs, Stalls: %d\n",
				formatDuration(now.Sub(started)),
				sum.Position,
				sum.Representations[string(manifest.Video)],
				sum.Estimates[string(manifest.Video)]/1e6,
				sum.BufferGaps[string(manifest.Video)],
				sum.Stalls,
			)
		}
	}

	var res result
	// The loop outlives ctx, so the final snapshot always runs.
	_ = l.Do(context.Background(), func() {
		res.summary = s.snapshot()
		s.stop()
	})
	return res
}

func loadManifest(opts options) (*manifest.Manifest, func(context.Context) (*manifest.Manifest, error), error) {
	if opts.manifestPath == "" {
		return syntheticManifest(opts.contentDuration.Seconds(), opts.periods), nil, nil
	}
	m, err := dash.Load(opts.manifestPath)
	if err != nil {
		return nil, nil, err
	}
	if !m.IsDynamic {
		return m, nil, nil
	}
	reload := func(context.Context) (*manifest.Manifest, error) {
		return dash.Load(opts.manifestPath)
	}
	return m, reload, nil
}

func newFetcher(opts options) (fetch.Fetcher, *testutil.Network, error) {
	if opts.baseURL != "" {
		f, err := fetch.NewHTTPFetcher(opts.baseURL)
		return f, nil, err
	}
	var tr *testutil.Trace
	var err error
	if opts.tracePath != "" {
		tr, err = testutil.LoadTrace(opts.tracePath)
	} else {
		tr, err = testutil.Profile(opts.profile, opts.bandwidth)
	}
	if err != nil {
		return nil, nil, err
	}
	network := testutil.NewNetwork(tr, testutil.NetworkConfig{Latency: opts.latency})
	return traced(network), network, nil
}

// traced wraps simulated requests in spans, as HTTPFetcher does for real
// ones.
func traced(f fetch.Fetcher) fetch.Fetcher {
	tracer := otel.Tracer("github.com/thesyncim/abrstream/cmd/abrsim")
	return fetch.FetcherFunc(func(ctx context.Context, req fetch.Request, onProgress func(fetch.Progress)) ([]byte, error) {
		attrs := []attribute.KeyValue{attribute.String("segment.id", req.Segment.ID)}
		if req.Content.Representation != nil {
			attrs = append(attrs, attribute.String("representation.id", req.Content.Representation.ID))
		}
		ctx, span := tracer.Start(ctx, "simulated segment", trace.WithAttributes(attrs...))
		defer span.End()

		data, err := f.Fetch(ctx, req, onProgress)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		span.SetAttributes(attribute.Int("segment.size", len(data)))
		return data, nil
	})
}

func printSummary(r result) {
	fmt.Printf("\n")
	fmt.Printf("Simulation Complete\n")
	fmt.Printf("===================\n")
	fmt.Printf("Elapsed:           %v\n", r.Elapsed.Round(time.Second))
	fmt.Printf("Position:          %.1fs\n", r.Position)
	fmt.Printf("Ended:             %t\n", r.Ended)
	fmt.Printf("Segments pushed:   %d\n", r.Segments)
	if r.Requests > 0 {
		fmt.Printf("Network:           %d requests, %.2f MB\n", r.Requests, float64(r.Bytes)/(1024*1024))
	}
	for _, t := range sortedKeys(r.Representations) {
		fmt.Printf("%-18s %s, %d switches, last estimate %.2f Mbps\n",
			t+":", r.Representations[t], r.Switches[t], r.Estimates[t]/1e6)
	}
	for _, id := range sortedKeys(r.BufferGoalRatios) {
		fmt.Printf("Buffer goal ratio: %s %.3f\n", id, r.BufferGoalRatios[id])
	}
	fmt.Printf("Startup delay:     %v\n", r.StartupDelay.Round(time.Millisecond))
	fmt.Printf("Stalls:            %d (%v)\n", r.Stalls, r.Rebuffering.Round(time.Millisecond))
	fmt.Printf("Flushes:           %d\n", r.Flushes)
	fmt.Printf("Reloads:           %d\n", r.Reloads)
	fmt.Printf("Manifest refreshes: %d (out of sync: %d)\n", r.Refreshes, r.OutOfSync)
	fmt.Printf("Warnings:          %d\n", r.Warnings)
	fmt.Printf("Fatal errors:      %d\n", len(r.FatalErrors))
	for _, e := range r.FatalErrors {
		fmt.Printf("  - %s\n", e)
	}
	fmt.Printf("Status:            %s\n", r.status())
	fmt.Printf("\n")

	fmt.Printf("Pass Criteria:\n")
	fmt.Printf("  - No fatal errors:  %s\n", checkMark(len(r.FatalErrors) == 0))
	fmt.Printf("  - Playback started: %s\n", checkMark(r.Position > 0))
	fmt.Printf("  - Rebuffering < 5%%: %s\n", checkMark(rebufferRatio(r.summary) < 0.05))
}

func rebufferRatio(s summary) float64 {
	if s.Elapsed <= 0 {
		return 0
	}
	return math.Min(1, s.Rebuffering.Seconds()/s.Elapsed.Seconds())
}

func formatDuration(d time.Duration) string {
	h := d / time.Hour
	m := (d % time.Hour) / time.Minute
	s := (d % time.Minute) / time.Second
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

func checkMark(pass bool) string {
	if pass {
		return "PASS"
	}
	return "FAIL"
}
