package stream

import (
	"fmt"
)

// RepresentationState is the state of a RepresentationStream.
type RepresentationState int

const (
	RepresentationScheduling  RepresentationState = iota // loading segments up to the buffer goal
	RepresentationWaiting                                // buffer goal reached
	RepresentationTerminating                            // no new request, finishing in-flight work
	RepresentationTerminated                             // stopped, emits nothing more
)

var representationStateNames = [...]string{
	"scheduling", "waiting", "terminating", "terminated",
}

func (s RepresentationState) String() string {
	if int(s) < len(representationStateNames) {
		return representationStateNames[s]
	}
	return fmt.Sprintf("unknown(%d)", int(s))
}

// AdaptationState is the state of an AdaptationStream.
type AdaptationState int

const (
	AdaptationIdle             AdaptationState = iota
	AdaptationCleaningBuffer                   // removing media of unchosen Representations
	AdaptationWaitingReload                    // a media source reload was requested
	AdaptationAwaitingEstimate                 // no Representation estimated yet
	AdaptationStreaming                        // a RepresentationStream is running
	AdaptationBackingOff                       // pause after a buffer full error
	AdaptationStopped                          // cancelled or failed
)

var adaptationStateNames = [...]string{
	"idle", "cleaning-buffer", "waiting-reload", "awaiting-estimate",
	"streaming", "backing-off", "stopped",
}

func (s AdaptationState) String() string {
	if int(s) < len(adaptationStateNames) {
		return adaptationStateNames[s]
	}
	return fmt.Sprintf("unknown(%d)", int(s))
}
