// Package dash builds a manifest.Manifest from a DASH MPD.
//
// Only SegmentTemplate addressing is supported, either numbered
// ($Number$ with a constant duration) or with a SegmentTimeline.
package dash

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	m "github.com/Eyevinn/dash-mpd/mpd"

	"github.com/thesyncim/abrstream/pkg/manifest"
)

// ErrUnsupportedAddressing is returned for Representations without a
// SegmentTemplate.
var ErrUnsupportedAddressing = errors.New("dash: unsupported segment addressing")

// Load reads and converts the MPD at path.
func Load(path string) (*manifest.Manifest, error) {
	mpd, err := m.ReadFromFile(path)
	if err != nil {
		return nil, fmt.Errorf("dash: read %s: %w", path, err)
	}
	return Convert(path, mpd)
}

// Parse converts an MPD document.
func Parse(id string, data []byte) (*manifest.Manifest, error) {
	mpd, err := m.ReadFromString(string(data))
	if err != nil {
		return nil, fmt.Errorf("dash: parse: %w", err)
	}
	return Convert(id, mpd)
}

// Convert maps a decoded MPD onto the manifest model.
func Convert(id string, mpd *m.MPD) (*manifest.Manifest, error) {
	dynamic := mpd.Type != nil && *mpd.Type == m.DYNAMIC_TYPE

	var total *float64
	if mpd.MediaPresentationDuration != nil {
		d := seconds(*mpd.MediaPresentationDuration)
		total = &d
	}

	periods := make([]*manifest.Period, 0, len(mpd.Periods))
	for i, p := range mpd.Periods {
		start := 0.0
		if p.Start != nil {
			start = seconds(*p.Start)
		} else if i > 0 && periods[i-1].End != nil {
			start = *periods[i-1].End
		}
		period := &manifest.Period{ID: p.Id, Start: start}
		if period.ID == "" {
			period.ID = strconv.Itoa(i)
		}
		switch {
		case p.Duration != nil:
			end := start + seconds(*p.Duration)
			period.End = &end
		case i+1 < len(mpd.Periods) && mpd.Periods[i+1].Start != nil:
			end := seconds(*mpd.Periods[i+1].Start)
			period.End = &end
		case i+1 == len(mpd.Periods) && total != nil:
			end := *total
			period.End = &end
		}
		periods = append(periods, period)
	}

	for i, p := range mpd.Periods {
		period := periods[i]
		for j, as := range p.AdaptationSets {
			a, err := convertAdaptation(period, j, as, dynamic)
			if err != nil {
				return nil, fmt.Errorf("dash: period %s: %w", period.ID, err)
			}
			period.Adaptations = append(period.Adaptations, a)
		}
	}
	return manifest.New(id, dynamic, periods), nil
}

func convertAdaptation(period *manifest.Period, pos int, as *m.AdaptationSetType, dynamic bool) (*manifest.Adaptation, error) {
	typ, err := bufferType(string(as.ContentType), as.MimeType)
	if err != nil && len(as.Representations) > 0 {
		typ, err = bufferType("", as.Representations[0].MimeType)
	}
	if err != nil {
		return nil, err
	}

	a := &manifest.Adaptation{
		ID:       strconv.Itoa(pos),
		Type:     typ,
		Language: as.Lang,
	}
	if as.Id != nil {
		a.ID = strconv.FormatUint(uint64(*as.Id), 10)
	}

	for _, rep := range as.Representations {
		tmpl := rep.SegmentTemplate
		if tmpl == nil {
			tmpl = as.SegmentTemplate
		}
		if tmpl == nil {
			return nil, fmt.Errorf("%w: representation %s", ErrUnsupportedAddressing, rep.Id)
		}
		idx, err := convertTemplate(period, rep, tmpl, dynamic)
		if err != nil {
			return nil, fmt.Errorf("representation %s: %w", rep.Id, err)
		}
		r := manifest.NewRepresentation(rep.Id, float64(rep.Bandwidth), idx)
		r.Codecs = rep.Codecs
		if r.Codecs == "" {
			r.Codecs = as.Codecs
		}
		a.Representations = append(a.Representations, r)
	}
	return a, nil
}

func convertTemplate(period *manifest.Period, rep *m.RepresentationType, tmpl *m.SegmentTemplateType, dynamic bool) (manifest.SegmentIndex, error) {
	media := manifest.URLTemplate{Template: tmpl.Media, RepresentationID: rep.Id, Bandwidth: uint64(rep.Bandwidth)}
	initTpl := manifest.URLTemplate{Template: tmpl.Initialization, RepresentationID: rep.Id, Bandwidth: uint64(rep.Bandwidth)}
	timescale := uint64(tmpl.GetTimescale())
	startNumber := uint64(1)
	if tmpl.StartNumber != nil {
		startNumber = uint64(*tmpl.StartNumber)
	}

	if tmpl.SegmentTimeline != nil {
		entries := make([]manifest.TimelineEntry, 0, len(tmpl.SegmentTimeline.S))
		for _, s := range tmpl.SegmentTimeline.S {
			entries = append(entries, manifest.TimelineEntry{Start: s.T, Duration: s.D, Repeat: s.R})
		}
		return manifest.NewTimelineIndex(manifest.TimelineConfig{
			Timescale:   timescale,
			StartNumber: startNumber,
			PeriodStart: period.Start,
			PeriodEnd:   period.End,
			Media:       media,
			Init:        initTpl,
			Dynamic:     dynamic,
		}, entries), nil
	}

	if tmpl.Duration == nil || !strings.Contains(tmpl.Media, "$Number") {
		return nil, ErrUnsupportedAddressing
	}
	cfg := manifest.TemplateConfig{
		Timescale:       timescale,
		SegmentDuration: uint64(*tmpl.Duration),
		StartNumber:     startNumber,
		PeriodStart:     period.Start,
		PeriodEnd:       period.End,
		Media:           media,
		Init:            initTpl,
		Dynamic:         dynamic,
	}
	if tmpl.EndNumber != nil {
		end := uint64(*tmpl.EndNumber)
		cfg.EndNumber = &end
	}
	return manifest.NewTemplateIndex(cfg), nil
}

func bufferType(contentType, mimeType string) (manifest.BufferType, error) {
	if contentType == "" {
		contentType, _, _ = strings.Cut(mimeType, "/")
	}
	if contentType == "application" {
		// TTML and WebVTT in mp4 are announced as application/mp4.
		contentType = string(manifest.Text)
	}
	return manifest.ParseBufferType(contentType)
}

func seconds(d m.Duration) float64 {
	return time.Duration(d).Seconds()
}
