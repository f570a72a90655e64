package start

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime/pprof"
	"syscall"
	"time"

	"code.cloudfoundry.org/bytefmt"
	"github.com/spf13/cobra"

	"github.com/alpacahq/replicatedtree/internal/di"
	"github.com/alpacahq/replicatedtree/metrics"
	"github.com/alpacahq/replicatedtree/utils"
	"github.com/alpacahq/replicatedtree/utils/log"
)

const (
	usage                 = "start"
	short                 = "Start a replica server"
	long                  = "This command joins a replicated table as one of its replicas and serves it"
	example               = "replicatedtree start --config <path>"
	defaultConfigFilePath = "./replica.yml"
	configDesc            = "set the path for the replica YAML configuration file"
)

var (
	// Cmd is the start command.
	Cmd = &cobra.Command{
		Use:        usage,
		Short:      short,
		Long:       long,
		Aliases:    []string{"s"},
		SuggestFor: []string{"boot", "up"},
		Example:    example,
		RunE:       executeStart,
	}
	// configFilePath set flag for a path to the config file.
	configFilePath string
)

// nolint:gochecknoinits // cobra's standard way to initialize flags
func init() {
	Cmd.Flags().StringVarP(&configFilePath, "config", "c", defaultConfigFilePath, configDesc)
}

// executeStart implements the start command.
func executeStart(cmd *cobra.Command, _ []string) error {
	globalCtx, globalCancel := context.WithCancel(context.Background())
	defer globalCancel()

	// Attempt to read config file.
	data, err := os.ReadFile(configFilePath)
	if err != nil {
		return fmt.Errorf("failed to read configuration file error: %w", err)
	}

	// Don't output command usage if args(=only the filepath to replica.yml at the moment) are correct
	cmd.SilenceUsage = true

	log.Info("using %v for configuration", configFilePath)

	config, err := utils.ParseConfig(data)
	if err != nil {
		return fmt.Errorf("failed to parse configuration file error: %w", err)
	}
	log.SetLevel(config.LogLevel)

	c := di.NewContainer(config)

	log.Info("initializing replica %s of %s...", config.Table.ReplicaName, config.Table.ZooKeeperPath)
	start := time.Now()

	replica := c.GetReplica()
	log.Info("local parts: %d (%s)", len(replica.Parts().PartNames()),
		bytefmt.ByteSize(uint64(replica.Parts().TotalBytes())))

	// parts must be served before the replica announces itself
	interserver := &http.Server{
		Addr:              config.Interserver.ListenURL,
		Handler:           c.GetExchangeServer().Handler(),
		ReadHeaderTimeout: config.Interserver.Timeout,
	}
	go func() {
		log.Info("launching interserver listener on %s...", config.Interserver.ListenURL)
		if err2 := interserver.ListenAndServe(); err2 != nil && !errors.Is(err2, http.ErrServerClosed) {
			log.Error("interserver listener error: %v", err2)
		}
	}()

	if err = replica.Startup(globalCtx); err != nil {
		return fmt.Errorf("start replica: %w", err)
	}

	go metrics.StartDiskUsageMonitor(globalCtx, metrics.TotalDiskUsageBytes, c.GetAbsRootDir(),
		config.DiskUsageMonitorInterval)

	startupTime := time.Since(start)
	metrics.StartupTime.Set(startupTime.Seconds())
	log.Info("startup time: %s", startupTime)

	server := &http.Server{
		Addr:              config.ListenURL,
		Handler:           c.GetHTTPMux(),
		ReadHeaderTimeout: config.StopGracePeriod,
	}

	// Spawn a goroutine and listen for a signal.
	const defaultSignalChanLen = 10
	signalChan := make(chan os.Signal, defaultSignalChanLen)
	go func() {
		for s := range signalChan {
			switch s {
			case syscall.SIGUSR1:
				log.Info("dumping stack traces due to SIGUSR1 request")
				if err2 := pprof.Lookup("goroutine").WriteTo(os.Stdout, 1); err2 != nil {
					log.Error("failed to write goroutine pprof: %v", err2)
				}
			case syscall.SIGINT, syscall.SIGTERM:
				log.Info("initiating graceful shutdown due to '%v' request", s)
				shutdownCtx, cancel := context.WithTimeout(context.Background(), config.StopGracePeriod)
				if err2 := server.Shutdown(shutdownCtx); err2 != nil {
					log.Error("shutdown rpc server: %v", err2)
				}
				log.Info("shutdown rpc server...")
				replica.Shutdown()
				log.Info("shutdown replica...")
				if err2 := interserver.Shutdown(shutdownCtx); err2 != nil {
					log.Error("shutdown interserver listener: %v", err2)
				}
				cancel()
				globalCancel()
				shutdown()
			}
		}
	}()
	signal.Notify(signalChan, syscall.SIGUSR1, syscall.SIGINT, syscall.SIGTERM)

	log.Info("launching rpc server on %s...", config.ListenURL)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start server - error: %w", err)
	}
	select {}
}

func shutdown() {
	log.Info("exiting...")
	os.Exit(0)
}
