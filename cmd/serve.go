package cmd

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/appbridge/appbridge-go/internal/config"
	"github.com/appbridge/appbridge-go/internal/correlator"
	"github.com/appbridge/appbridge-go/internal/history"
	"github.com/appbridge/appbridge-go/internal/registry"
	"github.com/appbridge/appbridge-go/internal/relay"
)

var (
	servePort         int
	serveAPIKey       string
	serveTimeoutSecs  int
	serveApplications string
	serveRedisURL     string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the appbridge relay server",
	Long: `Start the relay that connects clients to creative-app plugin
instances:
  - One WebSocket endpoint shared by clients and applications
  - Per-request correlation with a bounded response timeout
  - Optional applications.yaml registration allowlist
  - Optional Redis-backed command history (/api/history)`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 3001, "Relay port")
	serveCmd.Flags().StringVar(&serveAPIKey, "api-key", "", "API key for /api/* auth (or APPBRIDGE_API_KEY env)")
	serveCmd.Flags().IntVar(&serveTimeoutSecs, "timeout", 0, "Request timeout in seconds (default 10)")
	serveCmd.Flags().StringVar(&serveApplications, "applications", "", "Path to applications.yaml allowlist")
	serveCmd.Flags().StringVar(&serveRedisURL, "redis", "", "Redis URL for command history (or APPBRIDGE_REDIS_URL env)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load("")
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// --- Resolve settings: CLI flag → config.json → env var ---

	port := servePort
	if cfg.Relay.Port != 0 && servePort == 3001 {
		port = cfg.Relay.Port
	}
	if p := os.Getenv("APPBRIDGE_PORT"); p != "" && servePort == 3001 {
		if pv, err := strconv.Atoi(p); err == nil {
			port = pv
		}
	}

	apiKey := serveAPIKey
	if apiKey == "" {
		apiKey = cfg.Relay.APIKey
	}
	if apiKey == "" {
		apiKey = os.Getenv("APPBRIDGE_API_KEY")
	}

	timeoutSecs := serveTimeoutSecs
	if timeoutSecs == 0 {
		timeoutSecs = cfg.Relay.RequestTimeoutSeconds
	}
	if timeoutSecs == 0 {
		timeoutSecs = 10
	}

	appsPath := serveApplications
	if appsPath == "" {
		appsPath = cfg.Relay.ApplicationsFile
	}

	redisURL := serveRedisURL
	if redisURL == "" {
		redisURL = cfg.Redis.URL
	}
	if redisURL == "" {
		redisURL = os.Getenv("APPBRIDGE_REDIS_URL")
	}

	fmt.Println("🚀 Starting appbridge relay...")
	fmt.Printf("   Port: %d\n", port)
	fmt.Printf("   Request timeout: %ds\n", timeoutSecs)

	// Optional registration allowlist
	specs, err := registry.LoadApplicationSpecs(appsPath)
	if err != nil {
		log.Printf("⚠️ Could not load applications.yaml: %v", err)
	}
	if len(specs) > 0 {
		fmt.Printf("   ✅ %d application(s) allowlisted\n", len(specs))
	} else {
		fmt.Println("   📋 No allowlist — accepting any application name")
	}
	reg := registry.New(specs)

	// Optional Redis-backed command history
	rec := history.Open(history.Config{
		URL:      redisURL,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if rec != nil {
		defer rec.Close()
		fmt.Println("   ✅ Command history enabled")
	}

	srv := relay.NewServer(relay.ServerConfig{
		Port:           port,
		APIKey:         apiKey,
		RequestTimeout: time.Duration(timeoutSecs) * time.Second,
		Registry:       reg,
		Correlator:     correlator.New(),
		History:        rec,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Write PID file only in direct foreground mode; when spawned by
	// the daemon, the daemon manages the multi-PID file itself.
	isForeground := false
	if _, err := os.Stat(pidFilePath()); os.IsNotExist(err) {
		writePID(os.Getpid())
		isForeground = true
	}
	defer func() {
		if isForeground {
			removePID()
		}
	}()

	// Graceful shutdown + SIGHUP allowlist reload
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	go func() {
		for sig := range sigCh {
			switch sig {
			case syscall.SIGHUP:
				log.Println("🔄 SIGHUP received — reloading applications.yaml...")
				specs, err := registry.LoadApplicationSpecs(appsPath)
				if err != nil {
					log.Printf("⚠️ Reload failed: %v", err)
					continue
				}
				reg.SetAllowed(specs)
				log.Printf("✅ Allowlist reloaded (%d application(s))", len(specs))
			case syscall.SIGINT, syscall.SIGTERM:
				fmt.Println("\n🛑 Shutting down...")
				srv.Stop()
				cancel()
				return
			}
		}
	}()

	fmt.Printf("   ✅ HTTP API → http://0.0.0.0:%d\n", port)
	fmt.Printf("   ✅ WebSocket → ws://0.0.0.0:%d/ws\n", port)
	fmt.Println("────────────────────────────────────────")

	return srv.Start(ctx)
}
