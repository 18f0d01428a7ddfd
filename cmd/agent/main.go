// Command agent runs the Game Server Agent daemon: one process per
// managed game-server host, exposing its capability surface over the
// WebSocket gateway.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/golang/glog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/circlesabound/fctrl-agent/internal/agent"
	"github.com/circlesabound/fctrl-agent/internal/config"
	"github.com/circlesabound/fctrl-agent/internal/gateway"
	"github.com/circlesabound/fctrl-agent/internal/installer"
	"github.com/circlesabound/fctrl-agent/internal/modstore"
)

// Exit codes per the external interface contract: 0 clean shutdown on
// signal, 64 bind failure, 65 filesystem root inaccessible, 70
// unexpected internal failure.
const (
	exitOK           = 0
	exitBindFailure  = 64
	exitRootBadPath  = 65
	exitInternalFail = 70
)

func main() {
	os.Exit(run())
}

func run() int {
	v := viper.New()
	cmd, catalogURL, modCatalogURL := newRootCommand(v)

	exitCode := exitOK
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(v, cmd)
		if err != nil {
			exitCode = exitInternalFail
			return err
		}
		config.Set(cfg)
		exitCode = serve(cfg, *catalogURL, *modCatalogURL)
		if exitCode != exitOK {
			return fmt.Errorf("agent exited with code %d", exitCode)
		}
		return nil
	}

	if err := cmd.Execute(); err != nil {
		if exitCode == exitOK {
			exitCode = exitInternalFail
		}
		glog.Errorf("agent: %v", err)
	}
	glog.Flush()
	return exitCode
}

// newRootCommand builds the Cobra root command and binds its flags
// into v, following the popsigner control plane: flags
// declared here are the CLI surface, Viper resolves the same settings
// from AGENT_*-prefixed environment variables or an optional config
// file when a flag is left at its default.
func newRootCommand(v *viper.Viper) (*cobra.Command, *string, *string) {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Game Server Agent: single-host game-server supervisor",
	}

	goflags := flag.NewFlagSet("glog", flag.ContinueOnError)
	glogInit(goflags)
	cmd.PersistentFlags().AddGoFlagSet(goflags)

	def := config.Default()
	cmd.PersistentFlags().String("bind-address", def.BindAddress, "address to bind the gateway on")
	cmd.PersistentFlags().Int("bind-port", def.BindPort, "port to bind the gateway on")
	cmd.PersistentFlags().String("root", def.Root, "filesystem root the agent manages")
	cmd.PersistentFlags().Duration("operation-ttl", def.OperationTTL, "how long a completed operation's history is retained")
	cmd.PersistentFlags().Duration("stop-grace-timeout", def.StopGraceTimeout, "grace period before SIGKILL on ServerStop")
	cmd.PersistentFlags().Duration("rcon-command-timeout", def.RconCommandTimeout, "per-command RCON deadline")
	cmd.PersistentFlags().Duration("sampler-interval", def.SamplerInterval, "metrics poll interval")
	cmd.PersistentFlags().Int("subscriber-buffer", def.SubscriberBuffer, "per-subscriber channel buffer size")
	cmd.PersistentFlags().Duration("upload-grace-period", def.UploadGracePeriod, "how long an unfinished chunked upload is kept after its peer disconnects")
	catalogURL := cmd.PersistentFlags().String("catalog-url", "https://catalog.example.invalid", "version catalog base URL")
	modCatalogURL := cmd.PersistentFlags().String("mod-catalog-url", "https://mods.example.invalid", "mod catalog base URL")
	cmd.PersistentFlags().Int("log-verbosity", def.LogVerbosity, "glog verbosity level, applied unless -v was passed explicitly")
	cmd.PersistentFlags().String("config", "", "optional config file (yaml/json/toml)")

	v.SetEnvPrefix("AGENT")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	v.BindPFlags(cmd.PersistentFlags())

	return cmd, catalogURL, modCatalogURL
}

func glogInit(fs *flag.FlagSet) {
	// glog registers its flags against flag.CommandLine on import; we
	// re-expose them on our own set so Cobra can parse "-v", "-logtostderr"
	// etc. alongside our own flags without a second flag.Parse call.
	flag.CommandLine.VisitAll(func(f *flag.Flag) {
		fs.Var(f.Value, f.Name, f.Usage)
	})
}

func loadConfig(v *viper.Viper, cmd *cobra.Command) (*config.Config, error) {
	if cfgFile, _ := cmd.PersistentFlags().GetString("config"); cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", cfgFile, err)
		}
	}

	cfg := config.Default()
	cfg.BindAddress = v.GetString("bind-address")
	cfg.BindPort = v.GetInt("bind-port")
	cfg.Root = v.GetString("root")
	cfg.OperationTTL = v.GetDuration("operation-ttl")
	cfg.StopGraceTimeout = v.GetDuration("stop-grace-timeout")
	cfg.RconCommandTimeout = v.GetDuration("rcon-command-timeout")
	cfg.SamplerInterval = v.GetDuration("sampler-interval")
	cfg.SubscriberBuffer = v.GetInt("subscriber-buffer")
	cfg.UploadGracePeriod = v.GetDuration("upload-grace-period")
	cfg.LogVerbosity = v.GetInt("log-verbosity")

	if vFlag := cmd.PersistentFlags().Lookup("v"); vFlag != nil && !vFlag.Changed {
		vFlag.Value.Set(strconv.Itoa(cfg.LogVerbosity))
	}
	return cfg, nil
}

// serve builds the Agent and runs it to completion, returning the
// process exit code for the outcome observed.
func serve(cfg *config.Config, catalogURL, modCatalogURL string) int {
	catalog := installer.NewHTTPCatalog(catalogURL)
	modCatalog := modstore.NewHTTPCatalog(modCatalogURL)

	a, err := agent.New(cfg, catalog, modCatalog)
	if err != nil {
		if errors.Is(err, os.ErrPermission) || errors.Is(err, os.ErrNotExist) {
			glog.Errorf("agent: filesystem root %s inaccessible: %v", cfg.Root, err)
			return exitRootBadPath
		}
		glog.Errorf("agent: constructing agent: %v", err)
		return exitInternalFail
	}

	ln, err := net.Listen("tcp", cfg.Addr())
	if err != nil {
		glog.Errorf("agent: binding %s: %v", cfg.Addr(), err)
		return exitBindFailure
	}

	ctx, cancel := context.WithCancel(context.Background())
	srv := &http.Server{Handler: gateway.New(a)}

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ln) }()

	agentDone := make(chan struct{})
	go func() {
		a.Run(ctx)
		close(agentDone)
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	glog.Infof("agent: listening on %s, root %s", cfg.Addr(), cfg.Root)

	select {
	case <-sig:
		glog.Infof("agent: shutdown signal received")
		cancel()
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			glog.Errorf("agent: gateway server failed: %v", err)
			cancel()
			<-agentDone
			return exitInternalFail
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		glog.Warningf("agent: gateway shutdown: %v", err)
	}
	<-agentDone
	return exitOK
}
