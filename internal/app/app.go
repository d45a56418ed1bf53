package app

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/bigbluebutton/bbb-stream-player/internal"
	"github.com/bigbluebutton/bbb-stream-player/internal/appstats"
	"github.com/bigbluebutton/bbb-stream-player/internal/config"
	"github.com/bigbluebutton/bbb-stream-player/internal/pubsub"
	"github.com/bigbluebutton/bbb-stream-player/internal/recorder"
	"github.com/bigbluebutton/bbb-stream-player/internal/server"
	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/google/uuid"
	"github.com/kr/pretty"
	log "github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"
)

var (
	app config.App

	flags struct {
		config  string
		dump    string
		debug   bool
		help    bool
		version bool
	}

	cfg *config.Config
	ps  pubsub.PubSub
	sv  *server.Server
)

// Main parses the command line, loads the configuration and serves pubsub
// requests until interrupted.
func Main() {
	app.Name = internal.AppName
	app.Version = internal.AppVersion
	app.LongName = fmt.Sprintf("%s %s", app.Name, app.Version)
	app.InstanceId = uuid.New().String()

	flag.StringVarP(&flags.config, "config", "c", flags.config, "load configuration file")
	flag.StringVar(&flags.dump, "dump", "", "print config value (e.g. 'player.audioFormat', 'all')")
	flag.BoolVarP(&flags.debug, "debug", "d", flags.debug, "enable debug log")
	flag.BoolVarP(&flags.help, "help", "h", flags.help, "print help")
	flag.BoolVarP(&flags.version, "version", "v", flags.version, "print version")
	flag.Parse()

	if flags.help {
		fmt.Printf("%s\n\n", app.LongName)
		flag.PrintDefaults()
		shutdown(0)
	}

	if flags.version {
		fmt.Println(app.LongName)
		shutdown(0)
	}

	if flags.dump != "" {
		log.SetLevel(log.FatalLevel)
		cfg = initConfig()
		loadConfig()
		dumpConfig()
	}

	Init()
	Run()
}

func Init() {
	cfg = initConfig()
	log.Infof("Starting %s PID: %d", app.Name, os.Getpid())
	loadConfig()
	configureLog()
	if log.IsLevelEnabled(log.DebugLevel) {
		log.Debugf("configuration: %# v", pretty.Formatter(cfg))
	}
	sigintHandler()
	sighupHandler()
}

func Run() {
	appstats.Init()
	appstats.ServePromMetrics(cfg.Prometheus)

	var err error
	if ps, err = pubsub.NewPubSub(cfg.PubSub); err != nil {
		log.Fatalf("failed to configure pubsub: %v", err)
	}

	if err := ps.Check(); err != nil {
		log.Fatalf("failed to connect to pubsub: %v", err)
	}

	if cfg.Recorder.Enable {
		if err := recorder.CheckFsPermissions(cfg.Recorder); err != nil {
			log.Fatalf("failed to check recorder filesystem permissions: %v", err)
		}
	}

	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Warnf("failed to notify readiness to systemd: %v", err)
	}

	if cfg.HTTP.Enable {
		hs := server.NewHTTPServer(cfg, ps)
		hs.Serve()
	}

	sv = server.NewServer(cfg, ps)

	if err := ps.Subscribe(cfg.PubSub.Channels.Subscribe, sv.HandlePubSubMsg, sv.OnStart); err != nil {
		log.Fatalf("failed to subscribe to pubsub %s: %s", cfg.PubSub.Channels.Subscribe, err)
	}
}

func shutdown(code int) {
	if _, err := daemon.SdNotify(false, daemon.SdNotifyStopping); err != nil {
		log.Debugf("failed to notify stopping to systemd: %v", err)
	}

	if sv != nil {
		if err := sv.Close(); err != nil {
			log.Errorf("failed to close server: %s", err)
		}
	}

	if ps != nil {
		if err := ps.Close(); err != nil {
			log.Errorf("failed to close pubsub: %s", err)
		}
	}

	os.Exit(code)
}

func sighupHandler() {
	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	go func() {
		for range sighup {
			log.Debug("reloading config...")
			loadConfig()
			configureLog()
		}
	}()
}

func sigintHandler() {
	sigint := make(chan os.Signal, 1)
	signal.Notify(sigint, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigint
		shutdown(0)
	}()
}
