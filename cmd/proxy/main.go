// Command proxy runs the transparent, searchable-encryption-aware
// PostgreSQL wire protocol proxy.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/cipherstash/pgproxy/internal/config"
	"github.com/cipherstash/pgproxy/internal/server"
	"github.com/cipherstash/pgproxy/pkg/logger"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

var cfgFile string
var cfg *config.Config

func main() {
	os.Exit(run())
}

func run() int {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err) //nolint:errcheck // best effort on the way out
		return 1
	}
	return 0
}

var rootCmd = &cobra.Command{
	Use:   "proxy",
	Short: "Transparent PostgreSQL proxy with searchable encryption",
	Long: `proxy sits between PostgreSQL clients and an upstream database,
transparently rewriting statements and encrypting/decrypting the columns
an encryption configuration marks as protected.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "completion" || cmd.Name() == "help" {
			return nil
		}
		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		logger.SetLevel(cfg.Log.Level)
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("proxy %s (%s) built %s with %s %s/%s\n",
			version, commit, buildTime, runtime.Version(), runtime.GOOS, runtime.GOARCH)
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the proxy",
	Long: `Start the proxy. It listens for client connections on proxy.listen_addr
and relays them to upstream.addr, rewriting statements and encrypting or
decrypting protected columns along the way.`,
	RunE: runServe,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		out, err := yaml.Marshal(cfg)
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(out)
		return err
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the configuration file in use",
	Run: func(cmd *cobra.Command, args []string) {
		if cfgFile != "" {
			fmt.Println(cfgFile)
			return
		}
		fmt.Println(viper.ConfigFileUsed())
	},
}

var listenAddr string

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./config.yaml, $HOME/.pgproxy, /etc/pgproxy)")

	serveCmd.Flags().StringVar(&listenAddr, "listen", "", "override proxy.listen_addr")

	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configPathCmd)

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(configCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	if listenAddr != "" {
		cfg.Proxy.ListenAddr = listenAddr
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	srv := server.New(cfg)
	if err := srv.Start(cmd.Context()); err != nil {
		return fmt.Errorf("starting server: %w", err)
	}
	defer func() { _ = srv.Stop() }()

	logger.Info("ready to accept connections", "addr", srv.Addr())

	<-cmd.Context().Done()

	logger.Info("shutting down")
	return nil
}
