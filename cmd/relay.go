package cmd

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/meshroute/meshroute/lib/relaybroker"
	"github.com/meshroute/meshroute/lib/util/signals"
	"github.com/spf13/cobra"
)

var (
	relayListen         string
	relayStatusInterval time.Duration
)

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Host an MQTT relay broker for meshroute nodes",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		listen := cfg.Relay.EmbeddedListen
		if relayListen != "" {
			listen = relayListen
		}
		broker, err := relaybroker.New(relaybroker.Options{Listen: listen, TopicRoot: cfg.Relay.TopicRoot})
		if err != nil {
			return err
		}
		defer broker.Close()
		if err := broker.Serve(); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "relay listening on %s (topic root %q)\n", broker.URL(), cfg.Relay.TopicRoot)

		go signals.Handle()
		defer signals.StopHandle()
		serveRelay(cmd.Context(), broker, cmd.OutOrStdout(), relayStatusInterval)
		return nil
	},
}

// serveRelay blocks until ctx ends or an interrupt arrives, reporting the
// connected client count every interval. A zero interval disables the
// periodic report.
func serveRelay(ctx context.Context, broker *relaybroker.Broker, out io.Writer, interval time.Duration) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	id := signals.RegisterInterruptHandler(signals.Handler(cancel))
	defer signals.DeregisterInterruptHandler(id)

	var tick <-chan time.Time
	if interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}
	last := -1
	for {
		select {
		case <-ctx.Done():
			fmt.Fprintf(out, "relay stopping, %d clients connected\n", broker.Clients())
			return
		case <-tick:
			if n := broker.Clients(); n != last {
				fmt.Fprintf(out, "%d clients connected\n", n)
				last = n
			}
		}
	}
}

func init() {
	relayCmd.Flags().StringVar(&relayListen, "listen", "", "listen address (overrides relay.embedded_listen)")
	relayCmd.Flags().DurationVar(&relayStatusInterval, "status-interval", time.Minute, "how often to report connected clients (0 disables)")
	rootCmd.AddCommand(relayCmd)
}
