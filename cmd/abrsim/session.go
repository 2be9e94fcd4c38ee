package main

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"math"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/thesyncim/abrstream/pkg/abr"
	"github.com/thesyncim/abrstream/pkg/cancellation"
	"github.com/thesyncim/abrstream/pkg/fetch"
	"github.com/thesyncim/abrstream/pkg/loop"
	"github.com/thesyncim/abrstream/pkg/manifest"
	"github.com/thesyncim/abrstream/pkg/metrics"
	"github.com/thesyncim/abrstream/pkg/observer"
	"github.com/thesyncim/abrstream/pkg/reference"
	"github.com/thesyncim/abrstream/pkg/sink"
	"github.com/thesyncim/abrstream/pkg/stream"
)

const (
	// stallGap is the buffer gap under which playback stalls.
	stallGap = 0.05
	// resumeGap is the buffer gap needed to resume a stalled playback.
	resumeGap = 2.0
	// keepBehind is the media kept behind the position, in seconds.
	keepBehind = 30.0
)

// sessionConfig is what a session needs besides its dependencies.
type sessionConfig struct {
	WantedBufferAhead  float64
	MaxVideoBufferSize float64
	FastSwitching      bool
	SwitchingMode      stream.SwitchingMode
	VideoQuota         int
	AudioQuota         int
	StreamConfig       stream.Config
	DisableAudio       bool

	// ReloadManifest loads a fresh version of the manifest. Nil disables
	// refreshes.
	ReloadManifest     func(ctx context.Context) (*manifest.Manifest, error)
	RefreshMinInterval time.Duration
}

// track is the state of one buffer type.
type track struct {
	typ    manifest.BufferType
	sink   *sink.Memory
	source *observer.Source

	period     *manifest.Period
	adaptation *manifest.Adaptation
	as         *stream.AdaptationStream
	canceller  *cancellation.Canceller
	current    string
	gap        float64
}

// session is a simulated player: it advances the playback position while
// media is buffered and runs one AdaptationStream per track of the Period
// being played. All methods run on the loop unless noted.
type session struct {
	cfg       sessionConfig
	log       *slog.Logger
	loop      *loop.Loop
	manifest  *manifest.Manifest
	estimator *abr.Estimator
	queues    *fetch.Factory
	metrics   *metrics.Metrics
	tracker   *stream.StatusTracker

	canceller *cancellation.Canceller
	tracks    []*track

	position    float64
	stalled     bool
	played      bool
	refreshing  bool
	lastRefresh time.Time
	started     time.Time

	stats summary

	doneOnce sync.Once
	done     chan struct{}
}

// summary is the outcome of a run. It is copied out of the loop for
// reporting.
type summary struct {
	Elapsed          time.Duration      `json:"elapsed"`
	Position         float64            `json:"position"`
	Ended            bool               `json:"ended"`
	Switches         map[string]int     `json:"switches"`
	Representations  map[string]string  `json:"representations"`
	Estimates        map[string]float64 `json:"estimates"`
	BufferGoalRatios map[string]float64 `json:"bufferGoalRatios"`
	BufferGaps       map[string]float64 `json:"bufferGaps"`
	Segments         int                `json:"segments"`
	Flushes          int                `json:"flushes"`
	Reloads          int                `json:"reloads"`
	Refreshes        int                `json:"refreshes"`
	OutOfSync        int                `json:"outOfSync"`
	Warnings         int                `json:"warnings"`
	Stalls           int                `json:"stalls"`
	StartupDelay     time.Duration      `json:"startupDelay"`
	Rebuffering      time.Duration      `json:"rebuffering"`
	FatalErrors      []string           `json:"fatalErrors,omitempty"`
}

func newSession(cfg sessionConfig, log *slog.Logger, l *loop.Loop, m *manifest.Manifest, est *abr.Estimator, queues *fetch.Factory, met *metrics.Metrics) *session {
	s := &session{
		cfg:       cfg,
		log:       log,
		loop:      l,
		manifest:  m,
		estimator: est,
		queues:    queues,
		metrics:   met,
		tracker:   stream.NewStatusTracker(),
		canceller: cancellation.New(),
		stats: summary{
			Switches:         make(map[string]int),
			Representations:  make(map[string]string),
			Estimates:        make(map[string]float64),
			BufferGoalRatios: make(map[string]float64),
		},
		done: make(chan struct{}),
	}
	types := []manifest.BufferType{manifest.Video}
	quotas := map[manifest.BufferType]int{manifest.Video: cfg.VideoQuota, manifest.Audio: cfg.AudioQuota}
	if !cfg.DisableAudio {
		types = append(types, manifest.Audio)
	}
	for _, t := range types {
		s.tracks = append(s.tracks, &track{
			typ:    t,
			sink:   sink.NewMemory(t, sink.MemoryConfig{Quota: quotas[t]}),
			source: observer.NewSource(observer.Observation{}),
		})
	}
	return s
}

// Done is closed when the content ended or a stream failed. Safe from any
// goroutine.
func (s *session) Done() <-chan struct{} {
	return s.done
}

func (s *session) finish() {
	s.doneOnce.Do(func() { close(s.done) })
}

// start begins playback at position.
func (s *session) start(position float64) error {
	s.started = s.loop.Clock().Now()
	period := s.manifest.PeriodAt(position)
	if period == nil {
		return fmt.Errorf("no period at %gs", position)
	}
	s.position = position
	s.stalled = true
	s.emit()
	for _, tr := range s.tracks {
		s.startTrack(tr, period)
	}
	return nil
}

// stop cancels every stream.
func (s *session) stop() {
	for _, tr := range s.tracks {
		s.stopTrack(tr)
	}
	s.canceller.Cancel()
}

func (s *session) startTrack(tr *track, period *manifest.Period) {
	tr.period = period
	tr.adaptation = nil
	adaptations := period.AdaptationsOfType(tr.typ)
	if len(adaptations) == 0 {
		s.log.Info("no adaptation for track", slog.String("type", string(tr.typ)), slog.String("period", period.ID))
		s.tracker.Update(stream.StreamStatus{
			Period:             period,
			PeriodID:           period.ID,
			Type:               tr.typ,
			Position:           s.position,
			HasFinishedLoading: true,
			IsEmptyStream:      true,
		})
		return
	}
	a := adaptations[0]
	tr.adaptation = a

	c := cancellation.New()
	c.LinkTo(s.canceller.Signal())
	tr.canceller = c
	choice := reference.New(stream.RepresentationsChoice{
		RepresentationIDs: a.RepresentationIDs(),
		SwitchingMode:     s.cfg.SwitchingMode,
	}, c.Signal())

	var maxVideo reference.ReadOnly[float64]
	if s.cfg.MaxVideoBufferSize > 0 {
		maxVideo = reference.Const(s.cfg.MaxVideoBufferSize)
	}
	as, err := stream.StartAdaptationStream(stream.AdaptationStreamArgs{
		Content:             manifest.Content{Manifest: s.manifest, Period: period, Adaptation: a},
		Choice:              choice,
		Playback:            tr.source,
		Sink:                tr.sink,
		Estimator:           s.estimator,
		Queues:              s.queues,
		Loop:                s.loop,
		WantedBufferAhead:   reference.Const(s.cfg.WantedBufferAhead),
		MaxVideoBufferSize:  maxVideo,
		EnableFastSwitching: s.cfg.FastSwitching,
	}, s.callbacks(tr), c.Signal(),
		stream.WithConfig(s.cfg.StreamConfig),
		stream.WithLogger(s.log),
		stream.WithMetrics(s.metrics),
	)
	if err != nil {
		s.fail(tr, err)
		return
	}
	tr.as = as
}

func (s *session) stopTrack(tr *track) {
	s.recordRatios(tr)
	if tr.canceller != nil {
		tr.canceller.Cancel()
		tr.canceller = nil
	}
	tr.as = nil
	tr.current = ""
}

func (s *session) recordRatios(tr *track) {
	if tr.as == nil || tr.adaptation == nil {
		return
	}
	for _, rep := range tr.adaptation.Representations {
		if r := tr.as.BufferGoalRatio(rep.ID); r < s.ratio(rep.ID) {
			s.stats.BufferGoalRatios[rep.ID] = r
		}
	}
}

func (s *session) ratio(id string) float64 {
	if r, ok := s.stats.BufferGoalRatios[id]; ok {
		return r
	}
	return 1
}

func (s *session) callbacks(tr *track) stream.CallbackFuncs {
	typ := string(tr.typ)
	return stream.CallbackFuncs{
		OnBitrateEstimateChange: func(e stream.BitrateEstimateEvent) {
			s.stats.Estimates[typ] = e.Bitrate
		},
		OnRepresentationChange: func(e stream.RepresentationChangeEvent) {
			if tr.current != "" && tr.current != e.Representation.ID {
				s.stats.Switches[typ]++
			}
			tr.current = e.Representation.ID
			s.stats.Representations[typ] = e.Representation.ID
			s.log.Info("representation change",
				slog.String("type", typ),
				slog.String("representation", e.Representation.ID),
				slog.Float64("bitrate", e.Representation.Bitrate),
				slog.Float64("position", s.position),
			)
		},
		OnStreamStatusUpdate: func(st stream.StreamStatus) {
			if s.tracker.Update(st) && st.ImminentDiscontinuity != nil {
				s.log.Info("imminent discontinuity", slog.String("type", typ), slog.Any("discontinuity", st.ImminentDiscontinuity))
			}
		},
		OnAddedSegment: func(stream.AddedSegmentEvent) {
			s.stats.Segments++
		},
		OnNeedsBufferFlush: func() {
			s.stats.Flushes++
			s.log.Info("buffer flush", slog.String("type", typ), slog.Float64("position", s.position))
			// A flush is a seek to the current position.
			s.loop.Post(s.emit)
		},
		OnWaitingMediaSourceReload: func(r stream.ReloadRequest) {
			s.stats.Reloads++
			s.loop.Post(func() { s.reloadMediaSource(r) })
		},
		OnEncryptionDataEncountered: func(p []fetch.ProtectionData) {
			s.log.Debug("encryption data", slog.String("type", typ), slog.Int("count", len(p)))
		},
		OnInbandEvent: func(e []fetch.InbandEvent) {
			s.log.Debug("inband events", slog.String("type", typ), slog.Int("count", len(e)))
		},
		OnWarning: func(err error) {
			s.stats.Warnings++
			s.log.Warn("stream warning", slog.String("type", typ), slog.Any("error", err))
		},
		OnManifestMightBeOutOfSync: func() {
			s.stats.OutOfSync++
			s.refresh()
		},
		OnNeedsManifestRefresh: s.refresh,
		OnError: func(err error) {
			s.fail(tr, err)
		},
	}
}

func (s *session) fail(tr *track, err error) {
	s.log.Error("stream failed", slog.String("type", string(tr.typ)), slog.Any("error", err))
	s.stats.FatalErrors = append(s.stats.FatalErrors, fmt.Sprintf("%s: %v", tr.typ, err))
	s.finish()
}

// reloadMediaSource empties every sink and restarts the streams of the
// Period at the requested offset.
func (s *session) reloadMediaSource(r stream.ReloadRequest) {
	if s.canceller.IsUsed() {
		return
	}
	position := s.position + r.TimeOffset
	period := s.manifest.PeriodAt(s.position)
	if r.StayInPeriod && r.Period != nil {
		period = r.Period
		position = math.Max(position, r.Period.Start)
	}
	if period == nil {
		return
	}
	s.log.Info("media source reload",
		slog.String("type", string(r.Type)),
		slog.String("period", period.ID),
		slog.Float64("position", position),
	)
	for _, tr := range s.tracks {
		s.stopTrack(tr)
		if err := tr.sink.RemoveBuffer(context.Background(), 0, math.Inf(1)); err != nil {
			s.log.Warn("emptying sink", slog.String("type", string(tr.typ)), slog.Any("error", err))
		}
	}
	s.tracker.ClearPeriod(period.ID)
	s.position = position
	s.emit()
	for _, tr := range s.tracks {
		s.startTrack(tr, period)
	}
}

// refresh reloads the manifest, at most once per RefreshMinInterval.
func (s *session) refresh() {
	if s.cfg.ReloadManifest == nil || s.refreshing {
		return
	}
	now := s.loop.Clock().Now()
	if !s.lastRefresh.IsZero() && now.Sub(s.lastRefresh) < s.cfg.RefreshMinInterval {
		return
	}
	s.refreshing = true
	s.lastRefresh = now
	loop.Await(s.loop, s.canceller.Signal(), s.cfg.ReloadManifest, func(next *manifest.Manifest, err error) {
		s.refreshing = false
		if s.canceller.IsUsed() {
			return
		}
		if err != nil {
			s.log.Warn("manifest refresh failed", slog.Any("error", err))
			return
		}
		u := s.manifest.Replace(next)
		s.stats.Refreshes++
		s.log.Info("manifest refreshed",
			slog.Int("updatedPeriods", len(u.UpdatedPeriods)),
			slog.Int("removedRepresentations", len(u.RemovedRepresentations)),
		)
	})
}

// tick advances playback by dt.
func (s *session) tick(dt time.Duration) {
	if s.canceller.IsUsed() {
		return
	}
	period := s.playingPeriod()
	if period == nil {
		s.finish()
		return
	}

	minGap := math.Inf(1)
	for _, tr := range s.tracks {
		if tr.adaptation == nil {
			continue
		}
		tr.gap = tr.sink.Buffered().GapAhead(s.position)
		minGap = math.Min(minGap, tr.gap)
	}
	atEnd := s.position+minGap >= period.EndOrInf()-stream.DefaultConfig().Tolerance
	switch {
	case s.stalled && (minGap >= resumeGap || atEnd):
		s.stalled = false
		s.log.Info("playback started", slog.Float64("position", s.position), slog.Bool("rebuffered", s.played))
	case !s.stalled && minGap < stallGap && !atEnd:
		s.stalled = true
		s.stats.Stalls++
		s.log.Info("playback stalled", slog.Float64("position", s.position))
	}

	switch {
	case s.stalled && !s.played:
		s.stats.StartupDelay += dt
	case s.stalled:
		s.stats.Rebuffering += dt
	default:
		s.played = true
		s.position = math.Min(s.position+dt.Seconds(), period.EndOrInf())
	}

	if s.position >= period.EndOrInf() {
		next := s.manifest.NextPeriod(period)
		if next == nil {
			s.stats.Ended = true
			s.finish()
			return
		}
		s.log.Info("period transition", slog.String("from", period.ID), slog.String("to", next.ID))
		s.tracker.ClearPeriod(period.ID)
		s.position = next.Start
		for _, tr := range s.tracks {
			s.stopTrack(tr)
			s.startTrack(tr, next)
		}
	}

	for _, tr := range s.tracks {
		tr.sink.CollectBehind(s.position, keepBehind)
	}
	s.emit()
}

func (s *session) playingPeriod() *manifest.Period {
	for _, tr := range s.tracks {
		if tr.period != nil {
			return tr.period
		}
	}
	return nil
}

// emit publishes the playback state to every track.
func (s *session) emit() {
	for _, tr := range s.tracks {
		gap := tr.sink.Buffered().GapAhead(s.position)
		tr.source.Emit(observer.Observation{
			Position:    observer.Position{Last: s.position},
			Speed:       1,
			BufferGap:   gap,
			Rebuffering: s.stalled,
		})
	}
}

// snapshot copies the summary.
func (s *session) snapshot() summary {
	for _, tr := range s.tracks {
		s.recordRatios(tr)
	}
	out := s.stats
	out.Position = s.position
	out.Elapsed = s.loop.Clock().Now().Sub(s.started)
	out.Switches = maps.Clone(s.stats.Switches)
	out.Representations = maps.Clone(s.stats.Representations)
	out.Estimates = maps.Clone(s.stats.Estimates)
	out.BufferGoalRatios = maps.Clone(s.stats.BufferGoalRatios)
	out.FatalErrors = slices.Clone(s.stats.FatalErrors)
	out.BufferGaps = make(map[string]float64, len(s.tracks))
	for _, tr := range s.tracks {
		if tr.adaptation != nil {
			out.BufferGaps[string(tr.typ)] = tr.gap
		}
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
