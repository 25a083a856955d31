package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"relaybroker/internal/access"
	"relaybroker/internal/bootstrap"
	"relaybroker/internal/config"
	"relaybroker/internal/directory"
	"relaybroker/internal/logging"
	"relaybroker/internal/otp"
	"relaybroker/internal/realtime"
	"relaybroker/internal/recording"
	"relaybroker/internal/relay"
	"relaybroker/internal/session"
	"relaybroker/internal/stream"
)

var log = logging.L("main")

var (
	version = "0.1.0"
	cfgFile string
)

var rootCmd = &cobra.Command{
	Use:   "relaybroker",
	Short: "Remote-control session broker",
	Long:  `relaybroker pairs remote desktops with viewers and relays their video and input`,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the broker",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("relaybroker v%s\n", version)
	},
}

var hashCmd = &cobra.Command{
	Use:   "hash-secret",
	Short: "Hash a password or API key secret read from stdin for the directory file",
	RunE: func(cmd *cobra.Command, args []string) error {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			return fmt.Errorf("read secret: %w", err)
		}
		h, err := directory.HashSecret(strings.TrimRight(line, "\r\n"))
		if err != nil {
			return err
		}
		fmt.Println(h)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is /etc/relaybroker/relaybroker.yaml)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(hashCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serve() error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	warnings := cfg.Validate()
	logging.Init(cfg.LogFormat, cfg.LogLevel, os.Stderr)
	for _, w := range warnings {
		log.Warn("config", logging.KeyError, w)
	}

	dir, err := directory.Load(cfg.DirectoryFile, directory.WithLockout(cfg.Lockout.MaxAttempts, cfg.Lockout.Duration))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sink, err := recording.New(ctx, cfg.Recording)
	if err != nil {
		return fmt.Errorf("recording: %w", err)
	}

	sessions := session.NewRegistry()
	agents := session.NewAgentRegistry()
	broker := stream.NewBroker(cfg.Stream.IdleTTL)
	clients := realtime.NewClients()
	otps := otp.NewProvider(cfg.OTP.TTL)

	hub := relay.NewHub(ctx, relay.Deps{
		Sessions:  sessions,
		Agents:    agents,
		Broker:    broker,
		Gate:      access.NewGate(sessions, dir, nil),
		Directory: dir,
		Clients:   clients,
		Sink:      sink,
		Options: relay.Options{
			StreamWaitTimeout: cfg.Stream.WaitTimeout,
			ConsentTimeout:    cfg.Consent.Timeout,
			ChunkBuffer:       cfg.Stream.ChunkBuffer,
		},
	})

	rt := realtime.New(realtime.Deps{
		Hub:       hub,
		Clients:   clients,
		Bootstrap: bootstrap.NewService(sessions, agents, dir, otps, clients, cfg.Bootstrap.ReadyTimeout),
		Sessions:  sessions,
		Agents:    agents,
		Directory: dir,
		OTP:       otps,
		PublicURL: cfg.PublicURL,
		RateLimit: rate.Limit(cfg.API.RateLimit),
		RateBurst: cfg.API.RateBurst,
	})

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           rt.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	watcher := directory.NewWatcher(dir, func(err error) {
		if err == nil {
			log.Info("directory changes applied", "path", dir.Path(), "sessions", sessions.Len())
		}
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("relaybroker listening", "addr", cfg.ListenAddr, "version", version, "recording", cfg.Recording.Backend)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		broker.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return watcher.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down",
			"connections", clients.Len(),
			"sessions", sessions.Len(),
			"pendingStreams", broker.Pending(),
		)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
