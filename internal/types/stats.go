package types

import "time"

type BaseTrackStats struct {
	StartPTS       time.Duration `json:"startPts"`
	EndPTS         time.Duration `json:"endPts"`
	TotalSamples   int           `json:"totalSamples"`
	WrittenSamples int           `json:"writtenSamples"`
	WrittenBytes   int64         `json:"writtenBytes"`
}

type RecorderTrackStats struct {
	BaseTrackStats
	KeyframeCount  int `json:"keyframeCount,omitempty"`
	SkippedSamples int `json:"skippedSamples,omitempty"`
}

type RecorderStats struct {
	File  string              `json:"file"`
	Audio *RecorderTrackStats `json:"audio,omitempty"`
	Video *RecorderTrackStats `json:"video,omitempty"`
}

type TransportStats struct {
	Connections   uint64 `json:"connections"`
	Packets       uint64 `json:"packets"`
	Bytes         uint64 `json:"bytes"`
	Lost          uint64 `json:"lost"`
	Reordered     uint64 `json:"reordered"`
	InvalidPacket uint64 `json:"invalidPackets"`
	UnknownPT     uint64 `json:"unknownPayloadTypes"`
	Control       uint64 `json:"controlMessages"`
}
