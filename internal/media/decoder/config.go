package decoder

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/nareix/joy4/codec/h264parser"
	log "github.com/sirupsen/logrus"
)

const (
	codecPrefix = "avc1"

	// record marker of an AVC decoder configuration record
	configurationVersion = 1
	minConfigLength      = 4

	DefaultWidth  = 1920
	DefaultHeight = 1080

	// DefaultConfigHex is a Constrained Baseline level 4.0 record with one
	// SPS and one PPS, as sent by the stream producers.
	DefaultConfigHex = "0142c028ffe100196742c02895900780227e5c05a808080a000007d00001d4c10801000468cb8f20"
)

var ErrInvalidConfig = errors.New("invalid decoder configuration")

// Config is derived once per session and never modified.
type Config struct {
	Codec       string
	Description []byte
	CodedWidth  int
	CodedHeight int
}

func (c Config) Profile() byte     { return c.Description[1] }
func (c Config) Constraints() byte { return c.Description[2] }
func (c Config) Level() byte       { return c.Description[3] }

func ParseConfigHex(s string, width, height int) (Config, error) {
	blob, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return ParseConfig(blob, width, height)
}

// ParseConfig derives the codec string from bytes 1-3 of blob and keeps the
// whole blob as the out-of-band parameter sets. When the embedded SPS can be
// parsed its dimensions replace the nominal ones.
func ParseConfig(blob []byte, width, height int) (Config, error) {
	if len(blob) < minConfigLength {
		return Config{}, fmt.Errorf("%w: %d bytes", ErrInvalidConfig, len(blob))
	}
	if blob[0] != configurationVersion {
		return Config{}, fmt.Errorf("%w: unexpected record marker 0x%02x", ErrInvalidConfig, blob[0])
	}

	var record h264parser.AVCDecoderConfRecord
	if _, err := record.Unmarshal(blob); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	if width <= 0 {
		width = DefaultWidth
	}
	if height <= 0 {
		height = DefaultHeight
	}

	if len(record.SPS) > 0 {
		if sps, err := h264parser.ParseSPS(record.SPS[0]); err != nil {
			log.Debugf("could not parse SPS, keeping nominal size %dx%d: %s", width, height, err)
		} else if sps.Width > 0 && sps.Height > 0 {
			width, height = int(sps.Width), int(sps.Height)
		}
	}

	description := make([]byte, len(blob))
	copy(description, blob)

	return Config{
		Codec:       fmt.Sprintf("%s.%02x%02x%02x", codecPrefix, blob[1], blob[2], blob[3]),
		Description: description,
		CodedWidth:  width,
		CodedHeight: height,
	}, nil
}
