package stream

import (
	"github.com/thesyncim/abrstream/pkg/fetch"
)

// RepresentationStreamCallbacks receives the events of a
// RepresentationStream, synchronously, on the loop.
type RepresentationStreamCallbacks interface {
	StreamStatusUpdate(StreamStatus)
	AddedSegment(AddedSegmentEvent)
	EncryptionDataEncountered([]fetch.ProtectionData)
	ManifestMightBeOutOfSync()
	NeedsManifestRefresh()
	InbandEvent([]fetch.InbandEvent)
	Warning(error)

	// Error is called at most once, for a fatal condition. The stream does
	// nothing afterwards and does not call Terminating.
	Error(error)

	// Terminating is called at most once, when the stream honored a
	// termination order.
	Terminating()
}

// AdaptationStreamCallbacks receives the events of an AdaptationStream,
// synchronously, on the loop. Callbacks fire until the stream is cancelled
// or Error is called, whichever comes first.
type AdaptationStreamCallbacks interface {
	BitrateEstimateChange(BitrateEstimateEvent)
	RepresentationChange(RepresentationChangeEvent)
	StreamStatusUpdate(StreamStatus)
	AddedSegment(AddedSegmentEvent)
	NeedsBufferFlush()
	WaitingMediaSourceReload(ReloadRequest)
	EncryptionDataEncountered([]fetch.ProtectionData)
	InbandEvent([]fetch.InbandEvent)
	Warning(error)
	ManifestMightBeOutOfSync()
	NeedsManifestRefresh()
	Error(error)
}

// CallbackFuncs implements both callback interfaces with optional
// functions. Nil fields are ignored.
type CallbackFuncs struct {
	OnBitrateEstimateChange     func(BitrateEstimateEvent)
	OnRepresentationChange      func(RepresentationChangeEvent)
	OnStreamStatusUpdate        func(StreamStatus)
	OnAddedSegment              func(AddedSegmentEvent)
	OnNeedsBufferFlush          func()
	OnWaitingMediaSourceReload  func(ReloadRequest)
	OnEncryptionDataEncountered func([]fetch.ProtectionData)
	OnInbandEvent               func([]fetch.InbandEvent)
	OnWarning                   func(error)
	OnManifestMightBeOutOfSync  func()
	OnNeedsManifestRefresh      func()
	OnError                     func(error)
	OnTerminating               func()
}

var (
	_ AdaptationStreamCallbacks     = CallbackFuncs{}
	_ RepresentationStreamCallbacks = CallbackFuncs{}
)

func (c CallbackFuncs) BitrateEstimateChange(e BitrateEstimateEvent) {
	if c.OnBitrateEstimateChange != nil {
		c.OnBitrateEstimateChange(e)
	}
}

func (c CallbackFuncs) RepresentationChange(e RepresentationChangeEvent) {
	if c.OnRepresentationChange != nil {
		c.OnRepresentationChange(e)
	}
}

func (c CallbackFuncs) StreamStatusUpdate(s StreamStatus) {
	if c.OnStreamStatusUpdate != nil {
		c.OnStreamStatusUpdate(s)
	}
}

func (c CallbackFuncs) AddedSegment(e AddedSegmentEvent) {
	if c.OnAddedSegment != nil {
		c.OnAddedSegment(e)
	}
}

func (c CallbackFuncs) NeedsBufferFlush() {
	if c.OnNeedsBufferFlush != nil {
		c.OnNeedsBufferFlush()
	}
}

func (c CallbackFuncs) WaitingMediaSourceReload(r ReloadRequest) {
	if c.OnWaitingMediaSourceReload != nil {
		c.OnWaitingMediaSourceReload(r)
	}
}

func (c CallbackFuncs) EncryptionDataEncountered(p []fetch.ProtectionData) {
	if c.OnEncryptionDataEncountered != nil {
		c.OnEncryptionDataEncountered(p)
	}
}

func (c CallbackFuncs) InbandEvent(e []fetch.InbandEvent) {
	if c.OnInbandEvent != nil {
		c.OnInbandEvent(e)
	}
}

func (c CallbackFuncs) Warning(err error) {
	if c.OnWarning != nil {
		c.OnWarning(err)
	}
}

func (c CallbackFuncs) ManifestMightBeOutOfSync() {
	if c.OnManifestMightBeOutOfSync != nil {
		c.OnManifestMightBeOutOfSync()
	}
}

func (c CallbackFuncs) NeedsManifestRefresh() {
	if c.OnNeedsManifestRefresh != nil {
		c.OnNeedsManifestRefresh()
	}
}

func (c CallbackFuncs) Error(err error) {
	if c.OnError != nil {
		c.OnError(err)
	}
}

func (c CallbackFuncs) Terminating() {
	if c.OnTerminating != nil {
		c.OnTerminating()
	}
}
