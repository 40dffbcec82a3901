package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/appbridge/appbridge-go/internal/client"
	"github.com/appbridge/appbridge-go/internal/config"
	"github.com/appbridge/appbridge-go/internal/packet"
)

var (
	sendApplication string
	sendAction      string
	sendOptionsFile string
	sendOptionsJSON string
	sendURL         string
	sendTimeoutSecs int
)

var sendCmd = &cobra.Command{
	Use:   "send [application] [action] [options-file]",
	Short: "Send one command to an application and print the response",
	Long: `Send a single command to a registered application through the relay.

The application and action can be given as flags or positionally:

  appbridge send --application illustrator --action getDocuments
  appbridge send illustrator getDocuments
  appbridge send indesign createDocument options.json

Exits 0 on SUCCESS, 1 on any failure (connection, timeout, routing,
or a FAILURE response from the application).`,
	RunE: runSend,
}

func init() {
	rootCmd.AddCommand(sendCmd)
	sendCmd.Flags().StringVarP(&sendApplication, "application", "a", "", "Target application name (e.g. illustrator)")
	sendCmd.Flags().StringVar(&sendAction, "action", "", "Command action name")
	sendCmd.Flags().StringVar(&sendOptionsFile, "options", "", "Path to a JSON file with command options")
	sendCmd.Flags().StringVar(&sendOptionsJSON, "options-json", "", "Inline JSON command options")
	sendCmd.Flags().StringVar(&sendURL, "url", "", "Relay URL (default from config, ws://localhost:3001/ws)")
	sendCmd.Flags().IntVar(&sendTimeoutSecs, "timeout", 0, "Response timeout in seconds (default 10)")
}

func runSend(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load("")
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Positional equivalents for the required flags.
	application := sendApplication
	action := sendAction
	optionsFile := sendOptionsFile
	if application == "" && len(args) > 0 {
		application = args[0]
	}
	if action == "" && len(args) > 1 {
		action = args[1]
	}
	if optionsFile == "" && len(args) > 2 {
		optionsFile = args[2]
	}

	if application == "" {
		return fmt.Errorf("an application name is required (--application or first argument)")
	}
	if action == "" {
		return fmt.Errorf("an action is required (--action or second argument)")
	}

	options, err := loadOptions(optionsFile, sendOptionsJSON)
	if err != nil {
		return err
	}

	url := sendURL
	if url == "" {
		url = cfg.Client.URL
	}
	timeoutSecs := sendTimeoutSecs
	if timeoutSecs == 0 {
		timeoutSecs = cfg.Client.TimeoutSeconds
	}
	if timeoutSecs == 0 {
		timeoutSecs = 10
	}
	timeout := time.Duration(timeoutSecs) * time.Second

	c, err := client.Dial(url, timeout)
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), timeout+2*time.Second)
	defer cancel()

	pkt, err := c.SendCommand(ctx, application, packet.Command{
		Action:  action,
		Options: options,
	})
	if err != nil {
		return err
	}

	if !pkt.OK() {
		fmt.Fprintf(os.Stderr, "❌ %s/%s failed: %s\n", application, action, pkt.Message)
		return fmt.Errorf("command failed")
	}

	pretty, err := json.MarshalIndent(pkt, "", "  ")
	if err != nil {
		return fmt.Errorf("formatting response: %w", err)
	}
	fmt.Println(string(pretty))
	return nil
}

// loadOptions reads command options from a JSON file, inline JSON, or
// neither (empty options).
func loadOptions(file, inline string) (map[string]any, error) {
	if file != "" && inline != "" {
		return nil, fmt.Errorf("--options and --options-json are mutually exclusive")
	}

	var raw []byte
	switch {
	case file != "":
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("reading options file: %w", err)
		}
		raw = data
	case inline != "":
		raw = []byte(inline)
	default:
		return nil, nil
	}

	var options map[string]any
	if err := json.Unmarshal(raw, &options); err != nil {
		return nil, fmt.Errorf("parsing options JSON: %w", err)
	}
	return options, nil
}
