package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	gigbuds "github.com/gigbuds/go-realtime-sdk"
	"github.com/gigbuds/go-realtime-sdk/api"
	"github.com/spf13/cobra"
)

var (
	configPath string
	hubURL     string
	transport  string
	groups     []string
	storePath  string
	logLevel   string
	token      string
)

var rootCmd = &cobra.Command{
	Use:   "listen",
	Short: "Print Gigbuds notifications as they arrive.",
	Long: `Connects to a Gigbuds realtime hub, joins the given groups and prints every
notification received. SIGUSR1 simulates the app moving to the background and
SIGUSR2 bringing it back to the foreground. Interrupt to exit.`,
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	rootCmd.Version = gigbuds.VERSION
	rootCmd.Flags().StringVar(&configPath, "config", "", "TOML config file (default $GIGBUDS_CONFIG_PATH)")
	rootCmd.Flags().StringVar(&hubURL, "hub", "", "hub URL, overrides config")
	rootCmd.Flags().StringVar(&transport, "transport", "", "websocket or sse, overrides config")
	rootCmd.Flags().StringSliceVar(&groups, "group", nil, "group to join, repeatable")
	rootCmd.Flags().StringVar(&storePath, "store", "", "SQLite file for notifications and device id")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "", "debug, info, warn or error")
	rootCmd.Flags().StringVar(&token, "token", "", "access token to store before connecting")
}

func run(cmd *cobra.Command, _ []string) error {
	// Flags are applied through the environment so they take precedence over the config file.
	for env, value := range map[string]string{
		"GIGBUDS_HUB_URL":    hubURL,
		"GIGBUDS_TRANSPORT":  transport,
		"GIGBUDS_STORE_PATH": storePath,
		"GIGBUDS_LOG_LEVEL":  logLevel,
	} {
		if value != "" {
			_ = os.Setenv(env, value)
		}
	}

	cfg, err := gigbuds.LoadConfig(configPath)
	if err != nil {
		return err
	}
	if len(groups) > 0 {
		cfg.Groups = groups
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := cfg.OpenStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	options := cfg.Options()
	options.Store = store
	client, err := gigbuds.NewClient(cfg.HubURL, options)
	if err != nil {
		return err
	}
	defer client.Close()

	if token != "" {
		if err := client.Credentials().SetToken(ctx, token); err != nil {
			return err
		}
	}

	out := cmd.OutOrStdout()
	client.Subscribe(api.ClientEventType_NotificationReceived, func(event api.ClientEvent) {
		n := event.EventData.(api.Notification)
		fmt.Fprintf(out, "[%s] %s: %s (%s)\n", n.Type_, n.Title, n.Content, n.Timestamp.Local().Format("15:04:05"))
	})
	for _, eventType := range []api.ClientEventType{
		api.ClientEventType_Connected,
		api.ClientEventType_Reconnected,
		api.ClientEventType_Disconnected,
		api.ClientEventType_MaxReconnectAttemptsReached,
	} {
		client.Subscribe(eventType, func(event api.ClientEvent) {
			fmt.Fprintf(cmd.ErrOrStderr(), "-- %s\n", event.EventType)
		})
	}

	fmt.Fprintf(out, "%d stored notifications, %d unread\n",
		len(client.Notifications().List()), client.Notifications().UnreadCount())
	if err := client.Mount(ctx); err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "initial connect failed, retrying: %v\n", err)
	}

	appState := make(chan os.Signal, 1)
	signal.Notify(appState, syscall.SIGUSR1, syscall.SIGUSR2)
	defer signal.Stop(appState)

	for {
		select {
		case <-ctx.Done():
			return nil
		case sig := <-appState:
			if sig == syscall.SIGUSR1 {
				client.HandleAppState(gigbuds.AppStateBackground)
			} else {
				client.HandleAppState(gigbuds.AppStateActive)
			}
		}
	}
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
