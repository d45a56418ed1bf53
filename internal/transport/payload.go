package transport

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/bigbluebutton/bbb-stream-player/internal/config"
	"github.com/bigbluebutton/bbb-stream-player/internal/media/audio"
	"github.com/pion/sdp/v3"
)

type MediaKind int

const (
	MediaUnknown MediaKind = iota
	MediaVideo
	MediaAudio
)

func (k MediaKind) String() string {
	switch k {
	case MediaVideo:
		return "video"
	case MediaAudio:
		return "audio"
	default:
		return "unknown"
	}
}

// PayloadType describes what an RTP payload type carries.
type PayloadType struct {
	Number    uint8
	Kind      MediaKind
	Format    audio.Format
	ClockRate uint32
}

// PayloadMap resolves RTP payload types. It is not safe for concurrent use.
type PayloadMap map[uint8]PayloadType

// NewPayloadMap builds the map configured in cfg. Entries with an unknown
// media kind or codec are skipped.
func NewPayloadMap(cfg []config.PayloadType) (PayloadMap, error) {
	m := make(PayloadMap, len(cfg))
	for _, pt := range cfg {
		kind, format, ok := classify(pt.Media, pt.Codec)
		if !ok {
			return nil, fmt.Errorf("payload type %d: unsupported %s codec '%s'", pt.PayloadType, pt.Media, pt.Codec)
		}
		m[pt.PayloadType] = PayloadType{
			Number:    pt.PayloadType,
			Kind:      kind,
			Format:    format,
			ClockRate: pt.ClockRate,
		}
	}
	return m, nil
}

// ApplySDP adds or replaces the payload types announced by a session
// description and returns how many were taken over.
func (m PayloadMap) ApplySDP(raw []byte) (int, error) {
	var sd sdp.SessionDescription
	if err := sd.Unmarshal(raw); err != nil {
		return 0, fmt.Errorf("parse session description: %w", err)
	}

	applied := 0
	for _, md := range sd.MediaDescriptions {
		for _, f := range md.MediaName.Formats {
			n, err := strconv.ParseUint(f, 10, 8)
			if err != nil {
				continue
			}

			codec, err := sd.GetCodecForPayloadType(uint8(n))
			if err != nil {
				continue
			}

			kind, format, ok := classify(md.MediaName.Media, codec.Name)
			if !ok {
				continue
			}

			m[uint8(n)] = PayloadType{
				Number:    uint8(n),
				Kind:      kind,
				Format:    format,
				ClockRate: codec.ClockRate,
			}
			applied++
		}
	}

	return applied, nil
}

// classify maps a media kind and an rtpmap encoding name to a stream kind.
func classify(media, codec string) (MediaKind, audio.Format, bool) {
	switch strings.ToLower(media) {
	case "video":
		if strings.EqualFold(codec, "h264") {
			return MediaVideo, audio.FormatUnknown, true
		}
	case "audio":
		switch strings.ToLower(codec) {
		case "opus":
			return MediaAudio, audio.FormatOpus, true
		case "mpa", "mp3":
			return MediaAudio, audio.FormatMP3, true
		case "mp4a-latm", "mpeg4-generic", "aac":
			return MediaAudio, audio.FormatAAC, true
		case "l16", "wav":
			return MediaAudio, audio.FormatWAV, true
		}
	}
	return MediaUnknown, audio.FormatUnknown, false
}
