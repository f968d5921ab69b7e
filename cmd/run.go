package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/meshroute/meshroute/lib/config"
	"github.com/meshroute/meshroute/lib/node"
	"github.com/meshroute/meshroute/lib/relaybroker"
	"github.com/meshroute/meshroute/lib/util"
	"github.com/meshroute/meshroute/lib/util/logger"
	"github.com/meshroute/meshroute/lib/util/signals"
	"github.com/spf13/cobra"
)

var (
	runNickname       string
	runBroker         string
	runChannels       []string
	runEmbeddedBroker bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the router and chat from standard input",
	Long: `run starts every configured transport, joins the configured location
channels and reads chat lines from standard input. Type /help for the
command list. SIGINT or SIGTERM leaves the channels and shuts down.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if runNickname != "" {
			cfg.Mesh.Nickname = runNickname
		}
		if runBroker != "" {
			cfg.Relay.Enabled = true
			cfg.Relay.BrokerURL = runBroker
		}
		cfg.Mesh.Channels = append(cfg.Mesh.Channels, runChannels...)
		return runNode(cmd.Context(), cfg, cmd.InOrStdin(), cmd.OutOrStdout())
	},
}

func runNode(ctx context.Context, cfg config.ConfigDefaults, in io.Reader, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer util.CloseAll()

	if runEmbeddedBroker {
		broker, err := relaybroker.New(relaybroker.Options{Listen: cfg.Relay.EmbeddedListen, TopicRoot: cfg.Relay.TopicRoot})
		if err != nil {
			return err
		}
		util.RegisterCloser(broker)
		if err := broker.Serve(); err != nil {
			return err
		}
		cfg.Relay.Enabled = true
		cfg.Relay.BrokerURL = broker.URL()
	}

	n, err := node.New(ctx, cfg)
	if err != nil {
		return err
	}
	util.RegisterCloser(n)

	con := newConsole(n, out)
	n.SetObserver(con)
	if err := n.Start(ctx); err != nil {
		fmt.Fprintf(out, "! %v\n", err)
	}
	fmt.Fprintf(out, "%s (%s) ready, /help for commands\n", cfg.Mesh.Nickname, n.Fingerprint().Short())

	channels, _ := n.Channels()
	pre := signals.RegisterPreShutdownHandler(func() {
		// leaving announces departure on relay location topics
		for _, ch := range channels {
			if err := n.Router().LeaveChannel(context.Background(), ch); err != nil {
				log.WithFields(logger.Fields{
					"at":      "runNode",
					"reason":  "leave_failed",
					"channel": ch.String(),
					"error":   err.Error(),
				}).Warn("could not leave channel")
			}
		}
	})
	defer signals.DeregisterPreShutdownHandler(pre)
	stop := signals.RegisterInterruptHandler(signals.Handler(cancel))
	defer signals.DeregisterInterruptHandler(stop)
	reload := signals.RegisterReloadHandler(func() {
		if err := config.InitConfig(); err != nil {
			fmt.Fprintf(out, "! reload: %v\n", err)
			return
		}
		if lvl := os.Getenv("MESHROUTE_DEBUG"); lvl != "" {
			logger.SetLevel(lvl)
		}
		fmt.Fprintln(out, "* configuration reloaded; transport changes apply on restart")
	})
	defer signals.DeregisterReloadHandler(reload)
	go signals.Handle()
	util.RegisterCloser(util.CloserFunc(func() error {
		signals.StopHandle()
		return nil
	}))

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				// stdin closed: keep routing until a signal arrives
				lines = nil
				continue
			}
			err := con.exec(ctx, line)
			if errors.Is(err, errQuit) {
				signals.Shutdown()
				return nil
			}
			if err != nil {
				fmt.Fprintf(out, "! %v\n", err)
			}
		}
	}
}

func init() {
	runCmd.Flags().StringVar(&runNickname, "nickname", "", "nickname announced to peers (overrides mesh.nickname)")
	runCmd.Flags().StringVar(&runBroker, "broker", "", "MQTT broker URL; enables the relay transport")
	runCmd.Flags().StringSliceVar(&runChannels, "channel", nil, "geohash location channel to join, repeatable")
	runCmd.Flags().BoolVar(&runEmbeddedBroker, "embedded-broker", false, "also host a relay broker on relay.embedded_listen")
	rootCmd.AddCommand(runCmd)
}
