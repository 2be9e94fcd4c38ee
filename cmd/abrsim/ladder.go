package main

import (
	"fmt"

	"github.com/thesyncim/abrstream/pkg/manifest"
)

// rung is one Representation of the synthetic ladder.
type rung struct {
	id      string
	bitrate float64
	width   int
	height  int
}

var (
	videoLadder = []rung{
		{id: "video-400k", bitrate: 400_000, width: 640, height: 360},
		{id: "video-1m", bitrate: 1_000_000, width: 960, height: 540},
		{id: "video-2500k", bitrate: 2_500_000, width: 1280, height: 720},
		{id: "video-5m", bitrate: 5_000_000, width: 1920, height: 1080},
	}
	audioLadder = []rung{
		{id: "audio-64k", bitrate: 64_000},
		{id: "audio-128k", bitrate: 128_000},
	}
)

// segmentDuration of the synthetic content, in seconds.
const segmentDuration = 2

// syntheticManifest builds a static content of the given duration split
// in periods of equal length, each with one video and one audio
// Adaptation.
func syntheticManifest(duration float64, periods int) *manifest.Manifest {
	if periods < 1 {
		periods = 1
	}
	length := duration / float64(periods)
	out := make([]*manifest.Period, 0, periods)
	for i := 0; i < periods; i++ {
		start := float64(i) * length
		end := start + length
		p := &manifest.Period{ID: fmt.Sprintf("p%d", i), Start: start, End: &end}
		p.Adaptations = []*manifest.Adaptation{
			syntheticAdaptation(p, "video", manifest.Video, videoLadder),
			syntheticAdaptation(p, "audio", manifest.Audio, audioLadder),
		}
		out = append(out, p)
	}
	return manifest.New("synthetic", false, out)
}

func syntheticAdaptation(p *manifest.Period, id string, t manifest.BufferType, ladder []rung) *manifest.Adaptation {
	a := &manifest.Adaptation{ID: p.ID + "-" + id, Type: t}
	for _, r := range ladder {
		idx := manifest.NewTemplateIndex(manifest.TemplateConfig{
			SegmentDuration: segmentDuration,
			PeriodStart:     p.Start,
			PeriodEnd:       p.End,
			Media:           manifest.URLTemplate{Template: "$RepresentationID$/$Number%05d$.m4s", RepresentationID: r.id},
			Init:            manifest.URLTemplate{Template: "$RepresentationID$/init.mp4", RepresentationID: r.id},
		})
		rep := manifest.NewRepresentation(r.id, r.bitrate, idx)
		rep.Width, rep.Height = r.width, r.height
		a.Representations = append(a.Representations, rep)
	}
	return a
}
