// Command jmux-server accepts TCP connections and, for each one, runs a
// multiplexer that dials real network destinations on behalf of inbound OPEN
// requests. It never initiates channels of its own; it exists to demonstrate
// Connector wired to a live net.Dialer.
package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmux-project/jmux/internal/cmdutil"
	"github.com/jmux-project/jmux/pkg/jmux"
)

var configuration struct {
	listen        string
	logLevel      string
	initialWindow string
	maxPacketSize string
	openTimeout   time.Duration
}

func serverMain(_ *cobra.Command, _ []string) error {
	logger, err := cmdutil.SetupLogging(configuration.logLevel)
	if err != nil {
		return err
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

	listener, err := net.Listen("tcp", configuration.listen)
	if err != nil {
		return fmt.Errorf("unable to listen on %s: %w", configuration.listen, err)
	}
	logger.Infof("listening on %s", listener.Addr())

	terminationSignals := make(chan os.Signal, 1)
	signal.Notify(terminationSignals, cmdutil.TerminationSignals...)

	connections := make(chan net.Conn, 1)
	acceptErrors := make(chan error, 1)
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				acceptErrors <- err
				return
			}
			connections <- conn
		}
	}()

	connector := jmux.NetDialConnector(&net.Dialer{})
	for {
		select {
		case s := <-terminationSignals:
			logger.Infof("terminating on signal: %s", s)
			return listener.Close()
		case err := <-acceptErrors:
			return fmt.Errorf("accept failed: %w", err)
		case conn := <-connections:
			sublogger := logger.Sublogger(conn.RemoteAddr().String())
			sublogger.Infof("accepted connection")
			carrier := jmux.NewCarrierFromStream(conn)
			mx := jmux.Multiplex(carrier, connector, mxConfig, sublogger)
			go func() {
				<-mx.Closed()
				if err := mx.InternalError(); err != nil {
					sublogger.Warnf("multiplexer closed: %s", err.Error())
				}
			}()
		}
	}
}

func main() {
	rootCommand := &cobra.Command{
		Use:          "jmux-server",
		Short:        "Run a JMUX server that forwards inbound channels to real network destinations",
		Args:         cmdutil.DisallowArguments,
		RunE:         serverMain,
		SilenceUsage: true,
	}

	flags := rootCommand.Flags()
	flags.StringVar(&configuration.listen, "listen", "127.0.0.1:7505", "address to accept JMUX carrier connections on")
	flags.StringVar(&configuration.logLevel, "log-level", "info", "logging level (disabled, error, warn, info, debug)")
	flags.StringVar(&configuration.initialWindow, "initial-window", "", "initial per-channel flow control window (e.g. \"64MiB\")")
	flags.StringVar(&configuration.maxPacketSize, "max-packet-size", "", "largest DATA payload the peer may place in a single frame")
	flags.DurationVar(&configuration.openTimeout, "open-timeout", 30*time.Second, "how long to wait for a destination dial before failing an OPEN request")

	if err := rootCommand.Execute(); err != nil {
		os.Exit(1)
	}
}
