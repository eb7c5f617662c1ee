package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/firebird-butler/fbsp-go/internal/endpoint"
	"github.com/firebird-butler/fbsp-go/internal/fbsp"
	"github.com/firebird-butler/fbsp-go/internal/transport"
	appversion "github.com/firebird-butler/fbsp-go/internal/version"
)

var (
	// serverAddr is the service endpoint for the connection.
	serverAddr string

	// requestTimeout bounds the handshake and each request.
	requestTimeout time.Duration

	// verbose enables debug logging to stderr.
	verbose bool
)

// ctlAgentUID identifies this client in the HELLO greeting.
var ctlAgentUID = uuid.NewSHA1(uuid.NameSpaceOID, []byte("1.3.6.1.4.1.53446.1.2.2")).String()

// rootCmd is the top-level cobra command for fbspctl.
var rootCmd = &cobra.Command{
	Use:   "fbspctl",
	Short: "CLI client for FBSP services",
	Long:  "fbspctl speaks the Firebird Butler Service Protocol: it connects to a service endpoint, performs the HELLO/WELCOME handshake and issues requests.",
	// Silence cobra's built-in usage/error printing so we control it.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverAddr, "addr", "tcp://127.0.0.1:5661",
		"service endpoint (protocol://address)")
	rootCmd.PersistentFlags().DurationVar(&requestTimeout, "timeout", 10*time.Second,
		"handshake and request timeout")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false,
		"log protocol details to stderr")

	rootCmd.AddCommand(echoCmd())
	rootCmd.AddCommand(romanCmd())
	rootCmd.AddCommand(infoCmd())
	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(consoleCmd())
}

// Execute runs the root command and exits with code 1 on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// newLogger builds the client logger: quiet by default, debug with
// --verbose.
func newLogger() *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// clientAgent describes fbspctl in the HELLO greeting.
func clientAgent() fbsp.AgentDescriptor {
	return fbsp.AgentDescriptor{
		UID:     ctlAgentUID,
		Name:    "fbspctl",
		Version: appversion.Version,
	}
}

// withClient connects a fresh client to --addr, runs fn, and tears the
// connection down on every exit path.
func withClient(fn func(ctx context.Context, c *fbsp.Client) error) error {
	ep, err := endpoint.Parse(serverAddr)
	if err != nil {
		return err
	}

	logger := newLogger()
	mgr := transport.NewManager(logger, nil)
	defer mgr.Shutdown()

	client := fbsp.NewClient(mgr, fbsp.LocalPeer(), clientAgent(), logger)
	ctx := context.Background()
	if err := client.Connect(ctx, ep, requestTimeout); err != nil {
		return fmt.Errorf("connect %s: %w", ep.String(), err)
	}
	defer client.Close()

	return fn(ctx, client)
}
