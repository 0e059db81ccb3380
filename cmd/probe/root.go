package main

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/23skdu/longbow-probe/internal/config"
	"github.com/23skdu/longbow-probe/internal/engine"
	"github.com/23skdu/longbow-probe/internal/logger"
	"github.com/23skdu/longbow-probe/internal/monitoring"
	"github.com/23skdu/longbow-probe/internal/store"
	"github.com/23skdu/longbow-probe/internal/tokenizer"
	"github.com/spf13/cobra"
)

// RootOptions holds global flags and the probe loaded from them.
type RootOptions struct {
	ConfigPath  string
	LogLevel    string
	LogFormat   string
	MetricsAddr string
	DBPath      string

	Probe   *config.Probe
	Monitor *monitoring.HealthMonitor
}

var ValidLogFormats = []string{"console", "json"}

// NewRootCommand creates the root command for the probe CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{Monitor: monitoring.NewHealthMonitor()}

	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Activation capture, direction extraction and steering",
		Long: `probe captures hidden states of a layered model, extracts contrastive
directions from them, relates directions across layers and steers generation
by injecting scaled directions into the residual stream.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.load(cmd)
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "probe YAML file (defaults built in)")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "log level (debug|info|warn|error)")
	cmd.PersistentFlags().StringVar(&opts.LogFormat, "log-format", "", "log format (console|json)")
	cmd.PersistentFlags().StringVar(&opts.MetricsAddr, "metrics", "", "address to serve Prometheus metrics on")
	cmd.PersistentFlags().StringVar(&opts.DBPath, "db", "", "SQLite store path (overrides store.path)")

	cmd.AddCommand(NewCaptureCommand(opts))
	cmd.AddCommand(NewExtractCommand(opts))
	cmd.AddCommand(NewSweepCommand(opts))
	cmd.AddCommand(NewSteerCommand(opts))
	cmd.AddCommand(NewExportCommand(opts))
	cmd.AddCommand(NewRunsCommand(opts))

	return cmd
}

func (o *RootOptions) load(cmd *cobra.Command) error {
	var p *config.Probe
	if o.ConfigPath != "" {
		loaded, err := config.Load(o.ConfigPath)
		if err != nil {
			return err
		}
		p = loaded
	} else {
		def := config.DefaultProbe()
		p = &def
	}

	if o.LogLevel != "" {
		p.Logging.Level = o.LogLevel
	}
	if o.LogFormat != "" {
		p.Logging.Format = o.LogFormat
	}
	if o.MetricsAddr != "" {
		p.Metrics.Addr = o.MetricsAddr
	}
	if o.DBPath != "" {
		p.Store.Path = o.DBPath
	}
	if f := strings.ToLower(p.Logging.Format); f != "" && !isValidLogFormat(f) {
		return fmt.Errorf("invalid log format %q: must be one of %v", p.Logging.Format, ValidLogFormats)
	}

	logger.SetupWriter(p.Logging.Level, p.Logging.Format, cmd.ErrOrStderr())
	if p.Metrics.Addr != "" {
		go func() {
			if err := o.Monitor.Start(p.Metrics.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Log.Error("Metrics server error", "error", err)
			}
		}()
	}
	o.Probe = p
	return nil
}

func isValidLogFormat(format string) bool {
	for _, f := range ValidLogFormats {
		if f == format {
			return true
		}
	}
	return false
}

// modelAndTokenizer builds the configured engine and a tokenizer covering
// its vocabulary.
func (o *RootOptions) modelAndTokenizer() (engine.Model, *tokenizer.Tokenizer, error) {
	m, err := engine.NewFromConfig(o.Probe.Model)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize engine: %w", err)
	}
	o.Monitor.SetModel(monitoring.ModelInfo{
		Engine:    o.Probe.Model.GetArchitecture(),
		NumLayers: m.NumLayers(),
		Dim:       m.Dim(),
		VocabSize: m.VocabSize(),
		Causal:    m.Causal(),
	})
	tok, err := tokenizer.Default(m.VocabSize())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize tokenizer: %w", err)
	}
	return m, tok, nil
}

var errNoStore = errors.New("no store configured: set store.path or --db")

func (o *RootOptions) openStore() (*store.Store, error) {
	if o.Probe.Store.Path == "" {
		return nil, errNoStore
	}
	return store.Open(o.Probe.Store.Path)
}

// layersOrDefault returns flagLayers if set, else the probe's layers.
func (o *RootOptions) layersOrDefault(flagLayers []int) []int {
	if len(flagLayers) > 0 {
		return flagLayers
	}
	return o.Probe.Layers
}
