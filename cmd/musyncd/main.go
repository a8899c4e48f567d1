// Command musyncd is the update catalog daemon.
//
// It syncs metadata from an upstream server into a local store and serves
// it to downstream clients, with offline archive exchange for servers that
// cannot reach an upstream directly.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/quay/zlog"

	"github.com/musync/musync/clientsync"
	"github.com/musync/musync/libsync"
)

// Config is the JSON service configuration.
type Config struct {
	// StoreDir roots the metadata database, the XML payloads and the
	// content files.
	StoreDir string `json:"store_dir"`
	// Listen is the HTTP listen address for the client and content
	// endpoints.
	Listen string `json:"listen_addr"`
	// Upstream is the root URL of the server to sync from.
	Upstream string `json:"upstream"`
	// AccountName and AccountGUID identify this server upstream. Left
	// empty, a random identity is generated per process.
	AccountName string    `json:"account_name,omitempty"`
	AccountGUID uuid.UUID `json:"account_guid,omitempty"`
	// RequestsPerSecond throttles upstream RPCs. Zero means unthrottled.
	RequestsPerSecond float64 `json:"requests_per_second,omitempty"`
	// Scope bounds which software updates are synced.
	Scope libsync.Scope `json:"scope,omitempty"`
	// Client configures the downstream-facing service.
	Client clientsync.Config `json:"client,omitempty"`
	// LogLevel is a zerolog level name; the --log-level flag overrides it.
	LogLevel string `json:"log_level,omitempty"`
}

func defaultConfig() Config {
	return Config{
		StoreDir: "/var/lib/musync",
		Listen:   ":8530",
		LogLevel: "info",
	}
}

func loadConfig(path string, required bool) (*Config, error) {
	cfg := defaultConfig()
	f, err := os.Open(path)
	switch {
	case err == nil:
	case os.IsNotExist(err) && !required:
		return &cfg, nil
	default:
		return nil, fmt.Errorf("reading config: %w", err)
	}
	defer f.Close()
	dec := json.NewDecoder(f)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config %q: %w", path, err)
	}
	return &cfg, nil
}

func main() {
	var (
		cfgPath  string
		logLevel string
		cfg      *Config
	)
	root := &cobra.Command{
		Use:           "musyncd",
		Short:         "update catalog sync daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			var err error
			cfg, err = loadConfig(cfgPath, cmd.Flags().Changed("config"))
			if err != nil {
				return err
			}
			if logLevel != "" {
				cfg.LogLevel = logLevel
			}
			lvl, err := zerolog.ParseLevel(cfg.LogLevel)
			if err != nil {
				return fmt.Errorf("bad log level %q: %w", cfg.LogLevel, err)
			}
			l := zerolog.New(&zerolog.ConsoleWriter{Out: os.Stderr}).
				Level(lvl).
				With().Timestamp().Logger()
			zlog.Set(&l)
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "musync.json", "service configuration file")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level, overriding the configured one")

	root.AddCommand(
		serveCmd(&cfg),
		syncCmd(&cfg),
		exportCmd(&cfg),
		importCmd(&cfg),
	)

	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "musyncd:", err)
		os.Exit(1)
	}
}
