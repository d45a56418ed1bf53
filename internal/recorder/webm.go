package recorder

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
	"os"
	"sync"
	"time"

	"github.com/at-wat/ebml-go/mkvcore"
	"github.com/at-wat/ebml-go/webm"
	"github.com/bigbluebutton/bbb-stream-player/internal"
	"github.com/bigbluebutton/bbb-stream-player/internal/media/audio"
	"github.com/bigbluebutton/bbb-stream-player/internal/media/bitstream"
	"github.com/bigbluebutton/bbb-stream-player/internal/media/decoder"
	"github.com/bigbluebutton/bbb-stream-player/internal/types"
	log "github.com/sirupsen/logrus"
)

const (
	videoTrackNumber = 1
	audioTrackNumber = 2
	audioChannels    = 2
)

var ErrRecorderClosed = errors.New("recorder closed")

// WebM taps the units accepted by a player loop into a Matroska file: the
// AVC units untouched, audio as interleaved float PCM. Audio written before
// the first video configuration is skipped.
type WebM struct {
	session  string
	file     string
	fileMode os.FileMode
	rate     int

	m sync.Mutex

	videoWriter, audioWriter webm.BlockWriteCloser
	description              []byte

	started bool
	closed  bool

	videoBase, audioBase time.Duration
	videoSeen, audioSeen bool

	video types.RecorderTrackStats
	audio types.RecorderTrackStats

	scratch bytes.Buffer
}

func NewWebM(session, file string, fileMode os.FileMode) *WebM {
	return &WebM{
		session:  session,
		file:     file,
		fileMode: fileMode,
	}
}

func (r *WebM) GetFilePath() string {
	return r.file
}

// SetAudioRate fixes the sampling frequency of the audio track. It must be
// called before the first video configuration.
func (r *WebM) SetAudioRate(rate int) {
	r.m.Lock()
	defer r.m.Unlock()
	r.rate = rate
}

func (r *WebM) ConfigureVideo(cfg decoder.Config) error {
	r.m.Lock()
	defer r.m.Unlock()

	if r.closed {
		return ErrRecorderClosed
	}

	if r.started {
		if !bytes.Equal(r.description, cfg.Description) {
			log.WithField("session", r.session).
				Warn("decoder configuration changed mid-recording, keeping the initial one")
		}
		return nil
	}

	return r.initWriter(cfg)
}

func (r *WebM) initWriter(cfg decoder.Config) error {
	w, err := os.OpenFile(r.file, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, r.fileMode)
	if err != nil {
		return err
	}

	info := &webm.Info{
		TimecodeScale: 1000000, // 1ms
		MuxingApp:     internal.AppName,
		WritingApp:    internal.AppName,
	}

	tracks := []webm.TrackEntry{
		{
			Name:         "Video",
			TrackNumber:  videoTrackNumber,
			TrackUID:     12345,
			CodecID:      "V_MPEG4/ISO/AVC",
			CodecPrivate: cfg.Description,
			TrackType:    1,
			Video: &webm.Video{
				PixelWidth:  uint64(cfg.CodedWidth),
				PixelHeight: uint64(cfg.CodedHeight),
			},
		},
	}

	if r.rate > 0 {
		tracks = append(tracks, webm.TrackEntry{
			Name:        "Audio",
			TrackNumber: audioTrackNumber,
			TrackUID:    54321,
			CodecID:     "A_PCM/FLOAT/IEEE",
			TrackType:   2,
			Audio: &webm.Audio{
				SamplingFrequency: float64(r.rate),
				Channels:          audioChannels,
			},
		})
	}

	writers, err := webm.NewSimpleBlockWriter(w, tracks, mkvcore.WithSegmentInfo(info))
	if err != nil {
		_ = w.Close()
		return err
	}

	r.description = append([]byte(nil), cfg.Description...)
	r.videoWriter = writers[0]
	if len(writers) > 1 {
		r.audioWriter = writers[1]
	}
	r.started = true

	log.WithField("session", r.session).
		Infof("webm writers started with %dx%d %s video, audio=%t : %s",
			cfg.CodedWidth, cfg.CodedHeight, cfg.Codec, r.audioWriter != nil, r.file)

	return nil
}

func (r *WebM) WriteVideo(u bitstream.Unit) error {
	r.m.Lock()
	defer r.m.Unlock()

	if r.closed {
		return ErrRecorderClosed
	}

	r.video.TotalSamples++
	if !r.started {
		r.video.SkippedSamples++
		return nil
	}

	if !r.videoSeen {
		r.videoSeen = true
		r.videoBase = u.PTS
		r.video.StartPTS = u.PTS
	}
	r.video.EndPTS = u.PTS

	n, err := r.videoWriter.Write(u.IsKeyframe, int64((u.PTS-r.videoBase)/time.Millisecond), u.Payload)
	if err != nil {
		return err
	}

	r.video.WrittenSamples++
	r.video.WrittenBytes += int64(n)
	if u.IsKeyframe {
		r.video.KeyframeCount++
	}

	return nil
}

func (r *WebM) WriteAudio(c audio.Chunk) error {
	r.m.Lock()
	defer r.m.Unlock()

	if r.closed {
		return ErrRecorderClosed
	}

	r.audio.TotalSamples++
	if r.audioWriter == nil || c.SampleRate != r.rate || c.Len() == 0 {
		r.audio.SkippedSamples++
		return nil
	}

	if !r.audioSeen {
		r.audioSeen = true
		r.audioBase = c.PTS
		r.audio.StartPTS = c.PTS
	}
	r.audio.EndPTS = c.PTS

	n, err := r.audioWriter.Write(true, int64((c.PTS-r.audioBase)/time.Millisecond), r.interleave(c))
	if err != nil {
		return err
	}

	r.audio.WrittenSamples++
	r.audio.WrittenBytes += int64(n)

	return nil
}

// interleave encodes c as little-endian float32 stereo frames. Mono chunks
// feed both channels.
func (r *WebM) interleave(c audio.Chunk) []byte {
	left := c.Planes[0]
	right := left
	if len(c.Planes) > 1 {
		right = c.Planes[1]
	}

	r.scratch.Reset()
	r.scratch.Grow(len(left) * audioChannels * 4)

	var b [4]byte
	for i := range left {
		binary.LittleEndian.PutUint32(b[:], math.Float32bits(left[i]))
		r.scratch.Write(b[:])
		binary.LittleEndian.PutUint32(b[:], math.Float32bits(right[i]))
		r.scratch.Write(b[:])
	}

	return append([]byte(nil), r.scratch.Bytes()...)
}

func (r *WebM) GetStats() *types.RecorderStats {
	r.m.Lock()
	defer r.m.Unlock()

	v, a := r.video, r.audio

	return &types.RecorderStats{
		File:  r.file,
		Video: &v,
		Audio: &a,
	}
}

// Close finalizes the file and returns the recorded video duration.
func (r *WebM) Close() (time.Duration, error) {
	r.m.Lock()
	defer r.m.Unlock()

	if r.closed {
		return r.video.EndPTS - r.video.StartPTS, nil
	}
	r.closed = true

	var errs []error
	if r.audioWriter != nil {
		errs = append(errs, r.audioWriter.Close())
	}
	if r.videoWriter != nil {
		errs = append(errs, r.videoWriter.Close())
	}

	if r.started {
		log.WithField("session", r.session).Infof("webm writer closed: %s", r.file)
	} else {
		log.WithField("session", r.session).Info("webm writer closed without starting")
	}

	return r.video.EndPTS - r.video.StartPTS, errors.Join(errs...)
}
