package main

import (
	"fmt"

	"github.com/lexiqai/doctalk/internal/config"
	"github.com/spf13/cobra"
)

// options are command-line overrides for the environment configuration.
type options struct {
	url         string
	user        string
	token       string
	docstore    string
	watch       string
	logLevel    string
	metricsAddr string
	pretty      bool
	noMetrics   bool
	ocr         bool
}

// newRootCmd creates the root doctalk command with all subcommands attached.
func newRootCmd() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:   "doctalk",
		Short: "Voice conversation about your documents",
		Long: "doctalk streams your microphone to the document assistant, plays its spoken answers,\n" +
			"and uploads or deletes PDFs over the same session. Flags override environment variables.",
		Version:       fmt.Sprintf("doctalk %s", version),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg, opts, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.SetVersionTemplate("{{.Version}}\n")

	f := cmd.PersistentFlags()
	f.StringVar(&opts.url, "url", "", "service endpoint, ws:// or wss:// (DOCTALK_WS_URL)")
	f.StringVar(&opts.user, "user", "", "user id announced in the handshake (DOCTALK_USER_ID)")
	f.StringVar(&opts.token, "token", "", "access token whose subject is the user id (DOCTALK_ACCESS_TOKEN)")
	f.StringVar(&opts.docstore, "docstore", "", "SQLite document store path; empty sends uploads inline (DOCSTORE_PATH)")
	f.StringVar(&opts.watch, "watch", "", "folder whose new PDFs are uploaded automatically (WATCH_DIR)")
	f.StringVar(&opts.logLevel, "log-level", "", "debug, info, warn, or error (LOG_LEVEL)")
	f.StringVar(&opts.metricsAddr, "metrics-addr", "", "listen address for /metrics, /health, /ready (METRICS_ADDR)")
	f.BoolVar(&opts.pretty, "pretty", false, "human-readable logs (LOG_PRETTY)")
	f.BoolVar(&opts.noMetrics, "no-metrics", false, "disable the metrics and health server")
	cmd.Flags().BoolVar(&opts.ocr, "ocr", false, "request OCR for uploads by default")

	cmd.AddCommand(newDocsCmd(opts))
	return cmd
}

// loadConfig reads the environment and applies the flags that were set.
func loadConfig(cmd *cobra.Command, opts *options) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	applyFlags(cmd, opts, cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyFlags(cmd *cobra.Command, opts *options, cfg *config.Config) {
	changed := cmd.Flags().Changed
	if changed("url") {
		cfg.ServiceURL = opts.url
	}
	if changed("user") {
		cfg.UserID = opts.user
	}
	if changed("token") {
		cfg.AccessToken = opts.token
	}
	if changed("docstore") {
		cfg.DocStorePath = opts.docstore
	}
	if changed("watch") {
		cfg.WatchDir = opts.watch
	}
	if changed("log-level") {
		cfg.LogLevel = opts.logLevel
	}
	if changed("metrics-addr") {
		cfg.MetricsAddr = opts.metricsAddr
	}
	if changed("pretty") {
		cfg.LogPretty = opts.pretty
	}
	if opts.noMetrics {
		cfg.MetricsEnabled = false
	}
}
