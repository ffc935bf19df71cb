package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"permagate/pkg/config"
	"permagate/pkg/types"
	"permagate/pkg/utils"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const version = "v0.1.0"

var (
	configFile string
	verbose    bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "permagate",
		Short: "Caching gateway for permanent content",
		Long: `A gateway that serves content-addressed data from a ranked set of origins.
Content is streamed through a local cache and rebuilt from chunks, bundles
and path manifests when origins cannot serve it directly.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path (JSON or YAML)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")

	rootCmd.AddCommand(
		serveCmd(),
		originsCmd(),
		fetchCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig layers defaults, the config file, PERMAGATE_* variables and
// finally command flags.
func loadConfig(override func(*config.Config)) (*config.Config, error) {
	cfg := config.Default()
	if configFile != "" {
		var err error
		if cfg, err = config.LoadConfig(configFile); err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
	}
	cfg = config.LoadFromEnv(cfg)
	if override != nil {
		override(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func serveCmd() *cobra.Command {
	var (
		address   string
		origins   []string
		redisAddr string
		cacheDir  string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			cfg, err := loadConfig(func(cfg *config.Config) {
				if cmd.Flags().Changed("address") {
					cfg.Server.Address = address
				}
				if cmd.Flags().Changed("origin") {
					cfg.Origins.Hosts = origins
				}
				if cmd.Flags().Changed("redis") {
					cfg.Queue.RedisAddress = redisAddr
				}
				if cmd.Flags().Changed("cache-dir") {
					cfg.Cache.Dir = cacheDir
				}
			})
			if err != nil {
				return err
			}

			g, err := newGateway(cfg, logger)
			if err != nil {
				return err
			}
			defer g.Close()

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			if err := g.start(ctx); err != nil {
				return err
			}

			srv := g.server()
			if err := srv.Start(); err != nil {
				return err
			}

			logger.Info("Starting gateway",
				zap.String("address", srv.Addr()),
				zap.Strings("origins", cfg.Origins.Hosts),
				zap.String("cache_backend", string(cfg.Cache.Backend)),
				zap.Bool("queue", cfg.Queue.RedisAddress != ""))

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
			<-sigChan

			logger.Info("Shutting down gateway")
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer shutdownCancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Warn("HTTP shutdown did not complete", zap.Error(err))
			}
			cancel()
			return nil
		},
	}

	cmd.Flags().StringVar(&address, "address", ":3000", "HTTP listening address")
	cmd.Flags().StringSliceVar(&origins, "origin", nil, "origin host (repeatable)")
	cmd.Flags().StringVar(&redisAddr, "redis", "", "redis address for the job queue")
	cmd.Flags().StringVar(&cacheDir, "cache-dir", "", "cache directory for the fs and badger backends")

	return cmd
}

func originsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "origins",
		Short: "Ping every configured origin and print the ranking",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			cfg, err := loadConfig(nil)
			if err != nil {
				return err
			}
			// No stores are needed to rank origins.
			g := &gateway{cfg: cfg, logger: logger}
			reg := g.originRegistry()

			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Origins.PingTimeout.Std()+5*time.Second)
			defer cancel()
			reg.Refresh(ctx)

			fmt.Println(renderOrigins(reg.Snapshot()))
			return nil
		},
	}
}

func renderOrigins(nodes []types.OriginNode) string {
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("#7571f9"))).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == 0:
				return lipgloss.NewStyle().
					Foreground(lipgloss.Color("#ffffff")).
					Bold(true).
					Padding(0, 1)
			default:
				return lipgloss.NewStyle().
					Padding(0, 1)
			}
		}).
		Headers("RANK", "HOST", "STATUS", "HEIGHT", "LATENCY", "NETWORK")

	online := 0
	for i, node := range nodes {
		status := lipgloss.NewStyle().Foreground(lipgloss.Color("#ff6b6b")).Render("🔴 OFFLINE")
		latency := "-"
		height := "-"
		if node.Online {
			online++
			status = lipgloss.NewStyle().Foreground(lipgloss.Color("#42c767")).Render("🟢 ONLINE")
			latency = node.ResponseTime.Round(time.Millisecond).String()
			height = fmt.Sprintf("%d", node.Height)
		}
		network := "-"
		if node.LastInfo != nil && node.LastInfo.Network != "" {
			network = node.LastInfo.Network
		}
		t.Row(fmt.Sprintf("%d", i+1), node.Host, status, height, latency, network)
	}

	title := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7571f9")).
		Render(fmt.Sprintf("Origins (%d/%d online)", online, len(nodes)))
	return title + "\n" + t.Render()
}

func fetchCmd() *cobra.Command {
	var out string

	cmd := &cobra.Command{
		Use:   "fetch <id>[/path]",
		Short: "Resolve content through the gateway stack and write it out",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			cfg, err := loadConfig(nil)
			if err != nil {
				return err
			}
			g, err := newGateway(cfg, logger)
			if err != nil {
				return err
			}
			defer g.Close()

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			g.origins.Refresh(ctx)

			id, subpath, _ := strings.Cut(strings.TrimPrefix(args[0], "/"), "/")
			content, err := g.resolver.ResolvePath(ctx, id, subpath)
			if err != nil {
				return fmt.Errorf("failed to resolve %s: %w", args[0], err)
			}
			defer content.Body.Close()

			var w io.Writer = os.Stdout
			if out != "" {
				f, err := os.Create(out)
				if err != nil {
					return fmt.Errorf("failed to create output file: %w", err)
				}
				defer f.Close()
				w = f
			}

			n, err := io.Copy(w, content.Body)
			if err != nil {
				return fmt.Errorf("failed to write content: %w", err)
			}
			logger.Info("Fetched content",
				zap.String("id", content.ID),
				zap.String("source", content.Source),
				zap.String("content_type", content.ContentType),
				zap.String("size", utils.FormatDataSize(n)))
			return nil
		},
	}

	cmd.Flags().StringVarP(&out, "out", "o", "", "write to this file instead of stdout")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("permagate %s\n", version)
		},
	}
}

func setupLogger(verbose bool) *zap.Logger {
	config := zap.NewProductionConfig()
	if verbose {
		config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	} else {
		config.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}

	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, _ := config.Build()
	return logger
}
