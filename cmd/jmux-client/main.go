// Command jmux-client dials a jmux-server and exposes one or more local TCP
// listeners, each forwarding accepted connections through a JMUX channel
// opened for a fixed destination. It never accepts inbound channels.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmux-project/jmux/internal/cmdutil"
	"github.com/jmux-project/jmux/pkg/jmux"
)

var configuration struct {
	server        string
	forward       []string
	logLevel      string
	initialWindow string
	maxPacketSize string
	openTimeout   time.Duration
}

// forwardRule is one parsed --forward entry: accept connections on listen,
// open a JMUX channel to destination for each.
type forwardRule struct {
	listen      string
	destination jmux.DestinationURL
}

func parseForwardRules() ([]forwardRule, error) {
	rules := make([]forwardRule, 0, len(configuration.forward))
	for _, raw := range configuration.forward {
		split := strings.SplitN(raw, "=", 2)
		if len(split) != 2 {
			return nil, fmt.Errorf("invalid --forward %q: expected \"local-addr=scheme://host:port\"", raw)
		}
		destination, err := jmux.ParseDestinationURL(split[1])
		if err != nil {
			return nil, fmt.Errorf("invalid --forward %q: %w", raw, err)
		}
		rules = append(rules, forwardRule{listen: split[0], destination: destination})
	}
	return rules, nil
}

func serveForwardRule(ctx context.Context, mx *jmux.Multiplexer, rule forwardRule, logger interface {
	Infof(string, ...interface{})
	Warnf(string, ...interface{})
}) error {
	listener, err := net.Listen("tcp", rule.listen)
	if err != nil {
		return fmt.Errorf("unable to listen on %s: %w", rule.listen, err)
	}
	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	logger.Infof("forwarding %s to %s", rule.listen, rule.destination)
	for {
		conn, err := listener.Accept()
		if err != nil {
			return err
		}
		go func() {
			channel, err := mx.OpenChannel(ctx, rule.destination)
			if err != nil {
				logger.Warnf("unable to open channel to %s: %s", rule.destination, err.Error())
				conn.Close()
				return
			}
			jmux.ForwardAndClose(ctx, channel, conn, nil)
		}()
	}
}

func clientMain(_ *cobra.Command, _ []string) error {
	logger, err := cmdutil.SetupLogging(configuration.logLevel)
	if err != nil {
		return err
	}

	rules, err := parseForwardRules()
	if err != nil {
		return err
	}
	if len(rules) == 0 {
		return fmt.Errorf("at least one --forward rule is required")
	}

	mxConfig := jmux.DefaultConfiguration()
	if configuration.initialWindow != "" {
		size, err := jmux.ParseByteSize(configuration.initialWindow)
		if err != nil {
			return err
		}
		mxConfig.InitialWindow = size
	}
	if configuration.maxPacketSize != "" {
		size, err := jmux.ParseByteSize(configuration.maxPacketSize)
		if err != nil {
			return err
		}
		mxConfig.MaxPacketSize = size
	}
	mxConfig.OpenTimeout = configuration.openTimeout

	conn, err := net.Dial("tcp", configuration.server)
	if err != nil {
		return fmt.Errorf("unable to connect to %s: %w", configuration.server, err)
	}
	logger.Infof("connected to %s", configuration.server)

	carrier := jmux.NewCarrierFromStream(conn)
	mx := jmux.Multiplex(carrier, nil, mxConfig, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	forwardErrors := make(chan error, len(rules))
	for _, rule := range rules {
		rule := rule
		go func() {
			forwardErrors <- serveForwardRule(ctx, mx, rule, logger)
		}()
	}

	terminationSignals := make(chan os.Signal, 1)
	signal.Notify(terminationSignals, cmdutil.TerminationSignals...)

	select {
	case s := <-terminationSignals:
		logger.Infof("terminating on signal: %s", s)
		return mx.Close()
	case <-mx.Closed():
		return mx.InternalError()
	case err := <-forwardErrors:
		return fmt.Errorf("forwarding rule failed: %w", err)
	}
}

func main() {
	rootCommand := &cobra.Command{
		Use:          "jmux-client",
		Short:        "Connect to a JMUX server and forward local TCP connections through it",
		Args:         cmdutil.DisallowArguments,
		RunE:         clientMain,
		SilenceUsage: true,
	}

	flags := rootCommand.Flags()
	flags.StringVar(&configuration.server, "server", "127.0.0.1:7505", "address of the jmux-server to connect to")
	flags.StringArrayVar(&configuration.forward, "forward", nil, "local-addr=scheme://host:port forwarding rule (repeatable)")
	flags.StringVar(&configuration.logLevel, "log-level", "info", "logging level (disabled, error, warn, info, debug)")
	flags.StringVar(&configuration.initialWindow, "initial-window", "", "initial per-channel flow control window (e.g. \"64MiB\")")
	flags.StringVar(&configuration.maxPacketSize, "max-packet-size", "", "largest DATA payload the peer may place in a single frame")
	flags.DurationVar(&configuration.openTimeout, "open-timeout", 30*time.Second, "how long to wait for OPEN_SUCCESS before failing")

	if err := rootCommand.Execute(); err != nil {
		os.Exit(1)
	}
}
