package stream

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thesyncim/abrstream/pkg/manifest"
	"github.com/thesyncim/abrstream/pkg/ranges"
	"github.com/thesyncim/abrstream/pkg/sink"
)

// bufferRepresentation pushes 2 second media chunks of rep covering
// [start, end).
func bufferRepresentation(t *testing.T, s *sink.Memory, content manifest.Content, rep string, start, end float64) {
	t.Helper()
	c := content.WithRepresentation(content.Adaptation.RepresentationByID(rep))
	for at := start; at < end; at += 2 {
		err := s.PushChunk(context.Background(), sink.Chunk{
			Content: c,
			Segment: manifest.Segment{ID: rep, Time: at, Duration: 2},
			Data:    make([]byte, 100),
		})
		require.NoError(t, err)
	}
}

func TestSwitchingStrategy(t *testing.T) {
	bitrates := map[string]float64{"low": 5e5, "high": 2e6}

	tests := []struct {
		name     string
		mode     SwitchingMode
		chosen   []string
		position float64
		buffer   func(t *testing.T, s *sink.Memory, content manifest.Content)
		want     SwitchStrategy
	}{
		{
			name:   "lazy keeps unwanted media",
			mode:   SwitchLazy,
			chosen: []string{"high"},
			buffer: func(t *testing.T, s *sink.Memory, c manifest.Content) {
				bufferRepresentation(t, s, c, "low", 0, 20)
			},
			want: SwitchStrategy{Kind: StrategyContinue},
		},
		{
			name:   "nothing unwanted",
			mode:   SwitchReload,
			chosen: []string{"low", "high"},
			buffer: func(t *testing.T, s *sink.Memory, c manifest.Content) {
				bufferRepresentation(t, s, c, "low", 0, 20)
			},
			want: SwitchStrategy{Kind: StrategyContinue},
		},
		{
			name:   "empty buffer",
			mode:   SwitchDirect,
			chosen: []string{"high"},
			buffer: func(*testing.T, *sink.Memory, manifest.Content) {},
			want:   SwitchStrategy{Kind: StrategyContinue},
		},
		{
			name:   "reload",
			mode:   SwitchReload,
			chosen: []string{"high"},
			buffer: func(t *testing.T, s *sink.Memory, c manifest.Content) {
				bufferRepresentation(t, s, c, "low", 0, 20)
			},
			want: SwitchStrategy{Kind: StrategyNeedsReload},
		},
		{
			name:     "seamless keeps padding around the position",
			mode:     SwitchSeamless,
			chosen:   []string{"high"},
			position: 10,
			buffer: func(t *testing.T, s *sink.Memory, c manifest.Content) {
				bufferRepresentation(t, s, c, "low", 0, 30)
			},
			want: SwitchStrategy{Kind: StrategyCleanBuffer, Ranges: ranges.Ranges{{Start: 0, End: 5}, {Start: 15, End: 30}}},
		},
		{
			name:     "seamless with unwanted media inside the padding only",
			mode:     SwitchSeamless,
			chosen:   []string{"high"},
			position: 10,
			buffer: func(t *testing.T, s *sink.Memory, c manifest.Content) {
				bufferRepresentation(t, s, c, "low", 6, 14)
			},
			want: SwitchStrategy{Kind: StrategyContinue},
		},
		{
			name:     "direct cleans ranges away from the position",
			mode:     SwitchDirect,
			chosen:   []string{"high"},
			position: 5,
			buffer: func(t *testing.T, s *sink.Memory, c manifest.Content) {
				bufferRepresentation(t, s, c, "high", 0, 20)
				bufferRepresentation(t, s, c, "low", 20, 30)
			},
			want: SwitchStrategy{Kind: StrategyCleanBuffer, Ranges: ranges.Ranges{{Start: 20, End: 30}}},
		},
		{
			name:     "direct flushes media at the position",
			mode:     SwitchDirect,
			chosen:   []string{"high"},
			position: 5,
			buffer: func(t *testing.T, s *sink.Memory, c manifest.Content) {
				bufferRepresentation(t, s, c, "low", 0, 10)
			},
			want: SwitchStrategy{Kind: StrategyFlushBuffer, Ranges: ranges.Ranges{{Start: 0, End: 10}}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			content := testContent(60, bitrates, "low", "high")
			s := sink.NewMemory(manifest.Video, sink.MemoryConfig{})
			tt.buffer(t, s, content)

			choice := RepresentationsChoice{RepresentationIDs: tt.chosen, SwitchingMode: tt.mode}
			got := SwitchingStrategy(content, choice, s, tt.position, DefaultConfig())
			assert.Equal(t, tt.want.Kind, got.Kind)
			assert.InDeltaSlice(t, flatten(tt.want.Ranges), flatten(got.Ranges), 1e-9)
		})
	}
}

func TestSwitchingStrategyIgnoresOtherPeriods(t *testing.T) {
	content := testContent(60, map[string]float64{"low": 5e5, "high": 2e6}, "low", "high")
	s := sink.NewMemory(manifest.Video, sink.MemoryConfig{})

	other := content
	other.Period = &manifest.Period{ID: "p1", Start: 60}
	other.Representation = content.Adaptation.RepresentationByID("low")
	require.NoError(t, s.PushChunk(context.Background(), sink.Chunk{
		Content: other,
		Segment: manifest.Segment{ID: "x", Time: 60, Duration: 2},
		Data:    make([]byte, 10),
	}))

	choice := RepresentationsChoice{RepresentationIDs: []string{"high"}, SwitchingMode: SwitchDirect}
	got := SwitchingStrategy(content, choice, s, 0, DefaultConfig())
	assert.Equal(t, StrategyContinue, got.Kind)
}

func TestSwitchingStrategyBoundsToPeriod(t *testing.T) {
	content := testContent(20, map[string]float64{"low": 5e5, "high": 2e6}, "low", "high")
	content.Period.Start = 4
	s := sink.NewMemory(manifest.Video, sink.MemoryConfig{})
	// A chunk straddling the Period boundaries is only removed inside it.
	low := content.WithRepresentation(content.Adaptation.RepresentationByID("low"))
	require.NoError(t, s.PushChunk(context.Background(), sink.Chunk{
		Content: low,
		Segment: manifest.Segment{ID: "1", Time: 0, Duration: 30},
		Data:    make([]byte, 10),
	}))

	choice := RepresentationsChoice{RepresentationIDs: []string{"high"}, SwitchingMode: SwitchDirect}
	got := SwitchingStrategy(content, choice, s, 10, DefaultConfig())
	assert.Equal(t, StrategyFlushBuffer, got.Kind)
	assert.InDeltaSlice(t, []float64{4, 20}, flatten(got.Ranges), 1e-9)
}

func flatten(rs ranges.Ranges) []float64 {
	out := []float64{}
	for _, r := range rs {
		out = append(out, r.Start, r.End)
	}
	return out
}

func TestParseSwitchingMode(t *testing.T) {
	for _, m := range []SwitchingMode{SwitchSeamless, SwitchLazy, SwitchDirect, SwitchReload} {
		got, err := ParseSwitchingMode(m.String())
		require.NoError(t, err)
		assert.Equal(t, m, got)
	}
	_, err := ParseSwitchingMode("instant")
	assert.Error(t, err)
	assert.Equal(t, "unknown(9)", SwitchingMode(9).String())
}
