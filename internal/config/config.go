package config

import (
	"os"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"
)

type App struct {
	Name       string
	Version    string
	GitHash    string
	LongName   string
	InstanceId string
}

type Config struct {
	App        App        `yaml:"-"`
	Debug      bool       `yaml:"debug,omitempty"`
	Player     Player     `yaml:"player,omitempty"`
	Audio      Audio      `yaml:"audio,omitempty"`
	Transport  Transport  `yaml:"transport,omitempty"`
	Recorder   Recorder   `yaml:"recorder,omitempty"`
	PubSub     PubSub     `yaml:"pubsub,omitempty"`
	HTTP       HTTP       `yaml:"http,omitempty"`
	Prometheus Prometheus `yaml:"prometheus,omitempty"`
	Log        LogConfig  `yaml:"log"`
}

func (cfg *Config) GetDefaults() *Config {
	cfg.SetDefaults()
	return cfg
}

// SetDefaults sets the default values
func (cfg *Config) SetDefaults() {
	if cfg.App.Name == "" {
		if exe, err := os.Executable(); err != nil {
			log.Error(err)
			cfg.App.Name = "unknown"
		} else {
			cfg.App.Name = filepath.Base(exe)
		}
	}

	cfg.Player = Player{
		DecoderBackend:   "headless",
		DecoderConfig:    "0142c028ffe100196742c02895900780227e5c05a808080a000007d00001d4c10801000468cb8f20",
		Width:            1920,
		Height:           1080,
		AudioFormat:      "opus",
		AudioDevice:      "clock",
		BlockSize:        1024,
		Volume:           0.5,
		StatsInterval:    10 * time.Second,
		DrainTimeout:     2 * time.Second,
		MessageQueueSize: 256,
	}
	cfg.Audio = Audio{
		Profiles: map[string]AudioProfile{},
	}
	cfg.Transport = Transport{
		DialTimeout:       5 * time.Second,
		ReconnectInterval: 2 * time.Second,
		MaxMessageSize:    8 << 20,
		PayloadTypes: []PayloadType{
			{PayloadType: 96, Media: "video", Codec: "h264", ClockRate: 90000},
			{PayloadType: 111, Media: "audio", Codec: "opus", ClockRate: 48000},
			{PayloadType: 14, Media: "audio", Codec: "mp3", ClockRate: 90000},
			{PayloadType: 97, Media: "audio", Codec: "aac", ClockRate: 44100},
			{PayloadType: 98, Media: "audio", Codec: "wav", ClockRate: 44100},
		},
	}
	cfg.Recorder = Recorder{
		Enable:         false,
		Directory:      os.TempDir(),
		DirFileMode:    "0700",
		FileMode:       "0600",
		WriteToDevNull: false,
		WriteStatsFile: false,
	}
	cfg.PubSub.Channels = Channels{
		Subscribe: "to-" + cfg.App.Name,
		Publish:   "from-" + cfg.App.Name,
	}
	cfg.PubSub.Adapter = "redis"
	cfg.PubSub.Adapters = make(map[string]interface{})
	cfg.PubSub.Adapters["redis"] = &Redis{
		Address:  ":6379",
		Network:  "tcp",
		Password: "",
	}
	cfg.HTTP = HTTP{
		Enable: false,
		Port:   8080,
	}
	cfg.Prometheus = Prometheus{
		Enable:        false,
		ListenAddress: "127.0.0.1:3200",
	}
	cfg.Log = LogConfig{
		Level: "info",
	}
}

type Player struct {
	DecoderBackend   string        `yaml:"decoderBackend,omitempty"`
	DecoderConfig    string        `yaml:"decoderConfig,omitempty"`
	Width            int           `yaml:"width,omitempty"`
	Height           int           `yaml:"height,omitempty"`
	AudioFormat      string        `yaml:"audioFormat,omitempty"`
	AudioDevice      string        `yaml:"audioDevice,omitempty"`
	BlockSize        int           `yaml:"blockSize,omitempty"`
	Volume           float64       `yaml:"volume"`
	StatsInterval    time.Duration `yaml:"statsInterval,omitempty"`
	DrainTimeout     time.Duration `yaml:"drainTimeout,omitempty"`
	MessageQueueSize int           `yaml:"messageQueueSize,omitempty"`
}

type Audio struct {
	// Profiles are keyed by audio format name (opus, aac, mp3, wav).
	Profiles map[string]AudioProfile `yaml:"profiles,omitempty"`
}

// AudioProfile overrides the jitter buffer sizing of one format. Zero values
// keep the defaults derived from the sample rate.
type AudioProfile struct {
	SampleRate           int     `yaml:"sampleRate,omitempty"`
	MinimumBufferSamples int     `yaml:"minimumBufferSamples,omitempty"`
	TargetBufferSamples  int     `yaml:"targetBufferSamples,omitempty"`
	MaxBufferSamples     int     `yaml:"maxBufferSamples,omitempty"`
	MaxQueuedChunks      int     `yaml:"maxQueuedChunks,omitempty"`
	SmoothingFactor      float64 `yaml:"smoothingFactor,omitempty"`
}

type Transport struct {
	DialTimeout       time.Duration `yaml:"dialTimeout,omitempty"`
	ReconnectInterval time.Duration `yaml:"reconnectInterval,omitempty"`
	MaxMessageSize    int64         `yaml:"maxMessageSize,omitempty"`
	PayloadTypes      []PayloadType `yaml:"payloadTypes,omitempty"`
}

type PayloadType struct {
	PayloadType uint8  `yaml:"payloadType"`
	Media       string `yaml:"media"`
	Codec       string `yaml:"codec"`
	ClockRate   uint32 `yaml:"clockRate"`
}

type Recorder struct {
	Enable         bool   `yaml:"enable,omitempty"`
	Directory      string `yaml:"directory,omitempty"`
	DirFileMode    string `yaml:"dirFileMode,omitempty"`
	FileMode       string `yaml:"fileMode,omitempty"`
	WriteToDevNull bool   `yaml:"writeToDevNull,omitempty"`
	WriteStatsFile bool   `yaml:"writeStatsFile,omitempty"`
}

type Redis struct {
	Address  string `yaml:"address,omitempty"`
	Network  string `yaml:"network,omitempty"`
	Password string `yaml:"password,omitempty"`
}

type PubSub struct {
	Channels Channels `yaml:"channels,omitempty"`
	Adapter  string   `yaml:"adapter,omitempty"`
	Adapters map[string]interface{}
}

type Channels struct {
	Subscribe string `yaml:"subscribe,omitempty"`
	Publish   string `yaml:"publish,omitempty"`
}

type HTTP struct {
	Enable bool `yaml:"enable,omitempty"`
	Port   int  `yaml:"port,omitempty"`
}

type Prometheus struct {
	Enable        bool   `yaml:"enable,omitempty"`
	ListenAddress string `yaml:"listenAddress,omitempty"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}
