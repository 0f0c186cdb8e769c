// ABOUTME: Entry point for the multichannel conversation orchestrator
// ABOUTME: Cobra commands to serve, run one idle sweep, mint API tokens and check health

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/jordydydy/semaphore-remove/internal/auth"
	"github.com/jordydydy/semaphore-remove/internal/config"
	"github.com/jordydydy/semaphore-remove/internal/gateway"
)

// version is set at build time via -ldflags.
var version = "dev"

const banner = `
              _           _               _
  ___  _ __ _| |_  ___ __| |_ _ _ __ _ __| |_ ___ _ _
 / _ \| '_/ _| ' \/ -_|_-<  _| '_/ _' / _|  _/ _ \ '_|
 \___/|_| \__|_||_\___/__/\__|_| \__,_\__|\__\___/_|
`

var cfgFile string

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "orchestrator",
		Short:         "Route WhatsApp, Instagram and email conversations to the chat backend",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $"+config.EnvConfigPath+" or $XDG_CONFIG_HOME/orchestrator/config.yaml)")

	root.AddCommand(serveCmd())
	root.AddCommand(sweepCmd())
	root.AddCommand(tokenCmd())
	root.AddCommand(healthCmd())
	root.AddCommand(versionCmd())
	return root
}

func loadConfig() (*config.Config, string, error) {
	path := config.ResolvePath(cfgFile)
	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, fmt.Errorf("loading config: %w", err)
	}
	return cfg, path, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the webhook server, idle sweeper and mail poller",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, configPath, err := loadConfig()
	if err != nil {
		return err
	}
	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s\n", cfg.Database.Driver)
	green.Print("    ▶ ")
	fmt.Printf("Channels:  ")
	printChannel(cyan, gray, "whatsapp", cfg.WhatsApp.Enabled)
	printChannel(cyan, gray, "instagram", cfg.Instagram.Enabled)
	printChannel(cyan, gray, "email", cfg.Email.Provider != "")
	fmt.Println()
	if cfg.Auth.JWTSecret == "" {
		yellow.Println("    ! /api routes are unauthenticated (auth.jwt_secret not set)")
	}
	if cfg.Sweeper.Disabled {
		yellow.Println("    ! idle session sweeper disabled")
	}
	fmt.Println()

	logger.Info("starting orchestrator",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"version", version,
	)

	gw, err := gateway.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}
	return gw.Run(ctx)
}

func printChannel(on, off *color.Color, name string, enabled bool) {
	if enabled {
		on.Print(name + " ")
		return
	}
	off.Print(name + "(off) ")
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Close idle chat sessions once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			logger := setupLogger(cfg.Logging)

			gw, err := gateway.New(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("creating gateway: %w", err)
			}
			res, sweepErr := gw.SweepOnce(cmd.Context())
			closeErr := gw.Close()
			if sweepErr != nil {
				return sweepErr
			}
			fmt.Printf("candidates=%d closed=%d failed=%d\n", res.Candidates, res.Closed, res.Failed)
			return closeErr
		},
	}
}

func tokenCmd() *cobra.Command {
	var (
		subject string
		roles   []string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for the /api routes",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret == "" {
				return fmt.Errorf("auth.jwt_secret is not set")
			}
			verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
			if err != nil {
				return err
			}
			token, err := verifier.Generate(subject, roles, ttl)
			if err != nil {
				return fmt.Errorf("generating token: %w", err)
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "backend", "token subject")
	cmd.Flags().StringSliceVar(&roles, "role", []string{auth.RoleBackend}, "granted roles (backend, operator, admin)")
	cmd.Flags().DurationVar(&ttl, "ttl", 365*24*time.Hour, "token lifetime")
	return cmd
}

func healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check that a running orchestrator is ready",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			return runHealth(cmd.Context(), "http://"+cfg.Server.HTTPAddr+"/health/ready")
		},
	}
}

func runHealth(ctx context.Context, url string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	fmt.Println("healthy")
	return nil
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("orchestrator %s\n", version)
		},
	}
}
