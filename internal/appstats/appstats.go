package appstats

import (
	"github.com/bigbluebutton/bbb-stream-player/internal/types"
)

type BufferStatsWrapper struct {
	PushedChunks   uint64 `json:"pushedChunks"`
	DroppedChunks  uint64 `json:"droppedChunks"`
	DroppedSamples uint64 `json:"droppedSamples"`
	TrimmedSamples uint64 `json:"trimmedSamples"`
	Underruns      uint64 `json:"underruns"`
	Pulls          uint64 `json:"pulls"`
	QueuedChunks   int    `json:"queuedChunks"`
	Buffered       int    `json:"buffered"`
	SampleRate     int    `json:"sampleRate"`
}

type DecoderStatsWrapper struct {
	Codec            string `json:"codec,omitempty"`
	Submitted        uint64 `json:"submitted"`
	Decoded          uint64 `json:"decoded"`
	DecodeErrors     uint64 `json:"decodeErrors"`
	Stale            uint64 `json:"stale"`
	Outstanding      int64  `json:"outstanding"`
	ConfigErrors     uint64 `json:"configErrors"`
	Reconfigurations uint64 `json:"reconfigurations"`
}

type VideoStats struct {
	Keyframes        uint64 `json:"keyframes"`
	DeltaUnits       uint64 `json:"deltaUnits"`
	IgnoredUnits     uint64 `json:"ignoredUnits"`
	BackwardsDropped uint64 `json:"backwardsDropped"`
	AwaitingKeyframe uint64 `json:"awaitingKeyframe"`
	FramingErrors    uint64 `json:"framingErrors"`
	Rendered         uint64 `json:"rendered"`
}

type AudioStats struct {
	Format       string `json:"format"`
	Packets      uint64 `json:"packets"`
	DecodeErrors uint64 `json:"decodeErrors"`
}

type PlayerStats struct {
	SessionID string                `json:"sessionId"`
	URL       string                `json:"url,omitempty"`
	State     string                `json:"state"`
	StartTime int64                 `json:"startTime"`
	Video     *VideoStats           `json:"video"`
	Audio     *AudioStats           `json:"audio"`
	Buffer    *BufferStatsWrapper   `json:"buffer"`
	Decoder   *DecoderStatsWrapper  `json:"decoder"`
	Transport *types.TransportStats `json:"transport,omitempty"`
	Recorder  *types.RecorderStats  `json:"recorder,omitempty"`
}
