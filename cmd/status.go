package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/appbridge/appbridge-go/internal/config"
)

var statusURL string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show a running relay's status",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().StringVar(&statusURL, "url", "", "Relay URL (default from config)")
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load("")
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	raw := statusURL
	if raw == "" {
		raw = cfg.Client.URL
	}
	base, err := httpBase(raw)
	if err != nil {
		return err
	}

	httpClient := &http.Client{Timeout: 5 * time.Second}
	resp, err := httpClient.Get(base + "/health")
	if err != nil {
		return fmt.Errorf("relay unreachable at %s: %w", base, err)
	}
	defer resp.Body.Close()

	var health struct {
		Status       string   `json:"status"`
		Uptime       int      `json:"uptime"`
		Applications []string `json:"applications"`
		Clients      int      `json:"clients"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return fmt.Errorf("decoding health response: %w", err)
	}

	fmt.Println("🔌 appbridge relay")
	fmt.Println()
	fmt.Printf("URL: %s\n", base)
	fmt.Printf("Status: %s\n", health.Status)
	fmt.Printf("Uptime: %ds\n", health.Uptime)
	fmt.Printf("Clients: %d\n", health.Clients)

	fmt.Println("\nApplications:")
	if len(health.Applications) == 0 {
		fmt.Println("  (none registered)")
	}
	for _, name := range health.Applications {
		fmt.Printf("  %s: ✓\n", name)
	}

	return nil
}

// httpBase converts a relay URL (ws:// or http://, with or without the
// /ws path) to the HTTP base for the status endpoints.
func httpBase(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid relay URL %q: %w", raw, err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	case "http", "https":
	default:
		return "", fmt.Errorf("invalid relay URL %q: unsupported scheme %q", raw, u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/ws")
	return strings.TrimSuffix(u.String(), "/"), nil
}
