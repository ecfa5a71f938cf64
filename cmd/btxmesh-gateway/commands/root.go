package commands

import (
	"context"
	"fmt"
	"io"
	"io/ioutil"
	"log"
	"log/syslog"
	"net"
	"net/http"
	_ "net/http/pprof" // no_lint
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/profile"
	logrus_syslog "github.com/sirupsen/logrus/hooks/syslog"
	"github.com/skycoin/skycoin/src/util/logging"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/skycoin/btxmesh/pkg/broadcast"
	"github.com/skycoin/btxmesh/pkg/gateway"
	"github.com/skycoin/btxmesh/pkg/meshlink"
	"github.com/skycoin/btxmesh/pkg/util/pathutil"
)

const configEnv = "BTXMESH_CONFIG"

type runCfg struct {
	syslogAddr  string
	tag         string
	profileMode string
	port        string
	noMesh      bool
	args        []string

	profileStop  func()
	logger       *logging.Logger
	masterLogger *logging.MasterLogger
	logFile      io.Closer
	conf         *gateway.Config

	gw         *gateway.Gateway
	cancel     context.CancelFunc
	served     chan error
	rpcL       net.Listener
	httpServer *http.Server
}

var cfg *runCfg

var rootCmd = &cobra.Command{
	Use:   "btxmesh-gateway [config-path]",
	Short: "Gateway that broadcasts Bitcoin transactions received over a mesh radio network",
	Run: func(_ *cobra.Command, args []string) {
		cfg.args = args

		cfg.startProfiler().
			startLogger().
			readConfig().
			runGateway().
			waitOsSignals().
			stopGateway()
	},
	Version: gateway.Version,
}

func init() {
	cfg = &runCfg{}
	rootCmd.Flags().StringVarP(&cfg.syslogAddr, "syslog", "", "none", "syslog server address. E.g. localhost:514")
	rootCmd.Flags().StringVarP(&cfg.tag, "tag", "", "btxmesh", "logging tag")
	rootCmd.Flags().StringVarP(&cfg.profileMode, "profile", "p", "none", "enable profiling with pprof. Mode:  none or one of: [cpu, mem, mutex, block, trace, http]")
	rootCmd.Flags().StringVarP(&cfg.port, "port", "", "6060", "port for http-mode of pprof")
	rootCmd.Flags().BoolVarP(&cfg.noMesh, "no-mesh", "", false, "serve only the HTTP and RPC interfaces")
}

// Execute executes root CLI command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

func (cfg *runCfg) startProfiler() *runCfg {
	var option func(*profile.Profile)
	switch cfg.profileMode {
	case "none":
		cfg.profileStop = func() {}
		return cfg
	case "http":
		go func() {
			log.Println(http.ListenAndServe(fmt.Sprintf("localhost:%v", cfg.port), nil))
		}()
		cfg.profileStop = func() {}
		return cfg
	case "cpu":
		option = profile.CPUProfile
	case "mem":
		option = profile.MemProfile
	case "mutex":
		option = profile.MutexProfile
	case "block":
		option = profile.BlockProfile
	case "trace":
		option = profile.TraceProfile
	default:
		log.Fatalf("unknown profile mode %q", cfg.profileMode)
	}
	cfg.profileStop = profile.Start(profile.ProfilePath("./logs/"+cfg.tag), option).Stop
	return cfg
}

func (cfg *runCfg) startLogger() *runCfg {
	cfg.masterLogger = logging.NewMasterLogger()
	cfg.logger = cfg.masterLogger.PackageLogger(cfg.tag)

	if cfg.syslogAddr != "none" {
		hook, err := logrus_syslog.NewSyslogHook("udp", cfg.syslogAddr, syslog.LOG_INFO, cfg.tag)
		if err != nil {
			cfg.logger.Error("Unable to connect to syslog daemon:", err)
		} else {
			cfg.masterLogger.AddHook(hook)
			cfg.masterLogger.Out = ioutil.Discard
		}
	}
	return cfg
}

func (cfg *runCfg) readConfig() *runCfg {
	path, err := pathutil.FindConfigPath(cfg.args, 0, configEnv, pathutil.GatewayDefaults())
	if err != nil {
		cfg.logger.Warnf("%s; using defaults", err)
		path = ""
	}

	conf, err := gateway.LoadConfig(path)
	if err != nil {
		cfg.logger.Fatalf("Failed to load config: %s", err)
	}
	cfg.conf = conf

	lvl, err := logging.LevelFromString(conf.Log.Level)
	if err != nil {
		cfg.logger.Fatalf("Invalid log level %q: %s", conf.Log.Level, err)
	}
	cfg.masterLogger.SetLevel(lvl)

	if conf.Log.File != "" {
		file := &lumberjack.Logger{
			Filename:   conf.Log.File,
			MaxSize:    conf.Log.MaxSizeMB,
			MaxBackups: conf.Log.MaxBackups,
			MaxAge:     conf.Log.MaxAgeDays,
			Compress:   conf.Log.Compress,
		}
		cfg.logFile = file
		if cfg.syslogAddr == "none" {
			cfg.masterLogger.Out = io.MultiWriter(os.Stdout, file)
		} else {
			cfg.masterLogger.Out = file
		}
	}
	return cfg
}

func (cfg *runCfg) runGateway() *runCfg {
	ctx, cancel := context.WithCancel(context.Background())
	cfg.cancel = cancel

	d, err := broadcast.New(cfg.conf.DispatcherConfig())
	if err != nil {
		cfg.logger.Fatal("Failed to initialize dispatcher: ", err)
	}
	d.Logger = cfg.masterLogger.PackageLogger("broadcast")

	journal, err := cfg.conf.BroadcastJournal()
	if err != nil {
		cfg.logger.Fatal("Failed to open broadcast journal: ", err)
	}

	var link meshlink.Link
	if !cfg.noMesh {
		dialCtx, dialCancel := context.WithTimeout(ctx, 10*time.Second)
		link, err = cfg.conf.MeshLink(dialCtx)
		dialCancel()
		if err != nil {
			cfg.logger.Fatal("Failed to connect to mesh bridge: ", err)
		}
	}

	gw, err := gateway.New(cfg.conf, link, d, journal, cfg.masterLogger)
	if err != nil {
		cfg.logger.Fatal("Failed to initialize gateway: ", err)
	}
	cfg.gw = gw

	if cfg.conf.Broadcast.Private {
		vCtx, vCancel := context.WithTimeout(ctx, time.Duration(cfg.conf.Broadcast.Timeout))
		if err := d.VerifyPrivacy(vCtx); err != nil {
			cfg.logger.Warnf("Privacy proxy not verified yet: %s", err)
		}
		vCancel()
	}

	if addr := cfg.conf.Interfaces.RPCAddress; addr != "" {
		l, err := net.Listen("tcp", addr)
		if err != nil {
			cfg.logger.Fatalf("Failed to listen for RPC on %s: %s", addr, err)
		}
		cfg.rpcL = l
		go func() {
			if err := gw.ServeRPC(l); err != nil {
				cfg.logger.Error("RPC server: ", err)
			}
		}()
	}

	if addr := cfg.conf.Interfaces.HTTPAddress; addr != "" {
		cfg.httpServer = &http.Server{Addr: addr, Handler: gw.HTTPHandler(), ReadHeaderTimeout: 10 * time.Second}
		go func() {
			cfg.logger.Infof("Serving HTTP API on %s", addr)
			if err := cfg.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				cfg.logger.Fatal("HTTP server: ", err)
			}
		}()
	}

	cfg.served = make(chan error, 1)
	go func() {
		cfg.served <- gw.Serve(ctx)
	}()
	return cfg
}

func (cfg *runCfg) stopGateway() *runCfg {
	defer cfg.profileStop()

	if cfg.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		if err := cfg.httpServer.Shutdown(ctx); err != nil {
			cfg.logger.Warn("Failed to stop HTTP server: ", err)
		}
		cancel()
	}
	if cfg.rpcL != nil {
		if err := cfg.rpcL.Close(); err != nil {
			cfg.logger.Warn("Failed to close RPC listener: ", err)
		}
	}

	cfg.cancel()
	if err := <-cfg.served; err != nil {
		cfg.logger.Error("Gateway: ", err)
	}
	if err := cfg.gw.Close(); err != nil {
		cfg.logger.Fatal("Failed to close gateway: ", err)
	}
	if cfg.logFile != nil {
		cfg.logFile.Close() // nolint: errcheck
	}
	return cfg
}

func (cfg *runCfg) waitOsSignals() *runCfg {
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, []os.Signal{syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT}...)
	<-ch
	go func() {
		select {
		case <-time.After(time.Duration(cfg.conf.ShutdownTimeout)):
			cfg.logger.Fatal("Timeout reached: terminating")
		case s := <-ch:
			cfg.logger.Fatalf("Received signal %s: terminating", s)
		}
	}()
	return cfg
}
