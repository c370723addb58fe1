package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"ivxp/internal/app"
	"ivxp/internal/config"
	"ivxp/internal/db"
	"ivxp/internal/domain"
	"ivxp/internal/engine"
	"ivxp/internal/migrate"
	"ivxp/internal/server"
	"ivxp/internal/signing"
)

var rootCmd = &cobra.Command{
	Use:   "ivxp",
	Short: "IVXP/1.0 provider",
	Long: `ivxp runs the provider side of the IVXP/1.0 protocol: it publishes a service
catalog, issues USDC quotes, verifies on-chain payment and the client's EIP-191
signature, fulfills the order and delivers the signed result by push or pull.

Configuration lives in ivxp.yml in the workspace (ivxp config init). Secrets
come from the environment: IVXP_PRIVATE_KEY for the provider wallet and
IVXP_ADMIN_JWT_SECRET for the admin endpoints.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("IVXP")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("log-format", "console", "log format: console or json")
	rootCmd.PersistentFlags().String("log-level", "info", "log level")
	rootCmd.PersistentFlags().String("network", "", "override provider network (base-mainnet, base-sepolia)")
	rootCmd.PersistentFlags().String("private-key", "", "wallet key (prefer IVXP_PRIVATE_KEY)")
	rootCmd.PersistentFlags().String("admin-jwt-secret", "", "HS256 secret for admin tokens (prefer IVXP_ADMIN_JWT_SECRET)")
	for _, name := range []string{"workspace", "json", "log-format", "log-level", "network", "private-key", "admin-jwt-secret"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(keygenCmd())
	rootCmd.AddCommand(signCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(ordersCmd())
	rootCmd.AddCommand(dbCmd())
}

func newLogger() (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(viper.GetString("log-level"))
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("invalid --log-level: %w", err)
	}
	var w io.Writer = os.Stderr
	switch viper.GetString("log-format") {
	case "json":
	case "console", "":
		w = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	default:
		return zerolog.Logger{}, fmt.Errorf("invalid --log-format %q", viper.GetString("log-format"))
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger(), nil
}

// loadConfig reads ivxp.yml (or the defaults) and applies flag overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadOptional(viper.GetString("workspace"))
	if err != nil {
		return nil, err
	}
	if network := viper.GetString("network"); network != "" {
		cfg.Provider.Network = network
	}
	if rpc := viper.GetString("rpc-url"); rpc != "" {
		cfg.Chain.RPCURL = rpc
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the provider HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger()
			if err != nil {
				return err
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			if basePath != "" {
				cfg.Server.BasePath = basePath
			}
			p, err := app.New(cmd.Context(), cfg, app.Options{
				Workspace:  viper.GetString("workspace"),
				PrivateKey: viper.GetString("private-key"),
				Logger:     logger,
			})
			if err != nil {
				return err
			}
			secret := viper.GetString("admin-jwt-secret")
			if secret == "" {
				logger.Warn().Msg("IVXP_ADMIN_JWT_SECRET not set; admin endpoints are disabled")
			}
			handler, err := server.New(server.Config{
				Engine:         p.Engine,
				BasePath:       cfg.Server.BasePath,
				Auth:           server.AuthConfig{JWTSecret: secret},
				Logger:         logger,
				RateLimitRPS:   cfg.Server.RateLimitRPS,
				RateLimitBurst: cfg.Server.RateLimitBurst,
				MaxBodyBytes:   cfg.Server.MaxBodyBytes,
			})
			if err != nil {
				p.Close(context.Background())
				return err
			}
			srv := &http.Server{Addr: cfg.Server.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
				defer cancel()
				// open SSE streams end when the emitter closes
				p.Events.Close()
				srv.Shutdown(ctx)
			}()
			logger.Info().Str("addr", cfg.Server.Addr).Str("base_path", cfg.Server.BasePath).Msg("serving IVXP provider API")
			serveErr := srv.ListenAndServe()
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := p.Close(ctx); err != nil {
				logger.Error().Err(err).Msg("shutdown")
			}
			if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
				return serveErr
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default from config)")
	cmd.Flags().String("rpc-url", "", "Base JSON-RPC endpoint (overrides config)")
	_ = viper.BindPFlag("rpc-url", cmd.Flags().Lookup("rpc-url"))
	return cmd
}

func keygenCmd() *cobra.Command {
	var writeEnv bool
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a provider wallet key",
		RunE: func(cmd *cobra.Command, args []string) error {
			signer, key, err := signing.GenerateKey()
			if err != nil {
				return err
			}
			if writeEnv {
				path := filepath.Join(viper.GetString("workspace"), ".env")
				if err := setEnvValue(path, "IVXP_PRIVATE_KEY", key); err != nil {
					return err
				}
				fmt.Printf("Wrote IVXP_PRIVATE_KEY to %s\n", path)
				fmt.Printf("Address: %s\n", signer.Address())
				return nil
			}
			if viper.GetBool("json") {
				return printJSON(map[string]string{"address": signer.Address(), "private_key": key})
			}
			fmt.Printf("Address:     %s\nPrivate key: %s\n", signer.Address(), key)
			return nil
		},
	}
	cmd.Flags().BoolVar(&writeEnv, "write-env", false, "store the key in <workspace>/.env instead of printing it")
	return cmd
}

func signCmd() *cobra.Command {
	var orderID, txHash, timestamp, message string
	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Sign an IVXP payment message with IVXP_PRIVATE_KEY",
		Long:  "Formats \"Order: <id> | Payment: <tx> | Timestamp: <ts>\" and signs it (EIP-191), as a client does before requesting delivery. --message signs arbitrary text instead.",
		RunE: func(cmd *cobra.Command, args []string) error {
			signer, err := signing.NewSigner(viper.GetString("private-key"))
			if err != nil {
				return fmt.Errorf("load key from IVXP_PRIVATE_KEY: %w", err)
			}
			msg := message
			if msg == "" {
				if orderID == "" || txHash == "" {
					return fmt.Errorf("--order and --tx required (or --message)")
				}
				if timestamp != "" {
					msg, err = signing.FormatIVXPMessageAt(orderID, txHash, timestamp)
				} else {
					msg, err = signing.FormatIVXPMessage(orderID, txHash, time.Now())
				}
				if err != nil {
					return err
				}
			}
			sig, err := signer.Sign(msg)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]string{"address": signer.Address(), "signed_message": msg, "signature": sig})
			}
			fmt.Printf("Address:   %s\nMessage:   %s\nSignature: %s\n", signer.Address(), msg, sig)
			return nil
		},
	}
	cmd.Flags().StringVar(&orderID, "order", "", "order id")
	cmd.Flags().StringVar(&txHash, "tx", "", "payment transaction hash")
	cmd.Flags().StringVar(&timestamp, "timestamp", "", "RFC 3339 timestamp (default now)")
	cmd.Flags().StringVar(&message, "message", "", "sign this exact text")
	return cmd
}

func tokenCmd() *cobra.Command {
	var subject string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "admin-token",
		Short: "Mint an admin bearer token from IVXP_ADMIN_JWT_SECRET",
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := server.IssueAdminToken(viper.GetString("admin-jwt-secret"), subject, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "operator", "token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}

func configCmd() *cobra.Command {
	cfgCmd := &cobra.Command{Use: "config", Short: "Manage ivxp.yml"}
	cfgCmd.AddCommand(configInitCmd())
	cfgCmd.AddCommand(configShowCmd())
	cfgCmd.AddCommand(configValidateCmd())
	return cfgCmd
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default ivxp.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.Template()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			enc := yaml.NewEncoder(os.Stdout)
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(cfg)
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate ivxp.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"valid": true, "services": cfg.ServiceNames()})
			}
			fmt.Printf("%s is valid (%d services)\n", config.Path(viper.GetString("workspace")), len(cfg.Services))
			return nil
		},
	}
}

func ordersCmd() *cobra.Command {
	ord := &cobra.Command{Use: "orders", Short: "Inspect the local order store"}
	ord.AddCommand(ordersListCmd())
	ord.AddCommand(ordersShowCmd())
	ord.AddCommand(ordersEventsCmd())
	ord.AddCommand(ordersDeleteCmd())
	return ord
}

func ordersListCmd() *cobra.Command {
	var f domain.OrderFilter
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List orders",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Status = domain.Status(status)
			if status != "" && !f.Status.Valid() {
				return fmt.Errorf("unknown status %q", status)
			}
			f.ClientAddress = strings.ToLower(f.ClientAddress)
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				items, err := e.ListOrders(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Order", "Status", "Service", "Price (USDC)", "Client", "Created"})
				for _, o := range items {
					tw.AppendRow(table.Row{o.OrderID, o.Status, o.ServiceType, o.PriceUSDC.String(), o.ClientAddress, o.CreatedAt.Format(time.RFC3339)})
				}
				tw.SetStyle(table.StyleLight)
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().StringVar(&f.ClientAddress, "client", "", "filter by client wallet")
	cmd.Flags().StringVar(&f.ServiceType, "service", "", "filter by service type")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	cmd.Flags().IntVar(&f.Offset, "offset", 0, "rows to skip")
	return cmd
}

func ordersShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <order-id>",
		Short: "Show one order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				o, err := e.Store.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(o)
			})
		},
	}
}

func ordersEventsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "events <order-id>",
		Short: "Show the transition history of an order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				evs, err := e.OrderEvents(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(evs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"#", "From", "To", "At"})
				for _, ev := range evs {
					tw.AppendRow(table.Row{ev.ID, ev.FromStatus, ev.ToStatus, ev.TS.Format(time.RFC3339Nano)})
				}
				tw.SetStyle(table.StyleLight)
				tw.Render()
				return nil
			})
		},
	}
}

func ordersDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <order-id>",
		Short: "Delete an order that is not being fulfilled",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				if err := e.DeleteOrder(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("Deleted %s\n", args[0])
				return nil
			})
		},
	}
}

func dbCmd() *cobra.Command {
	dbc := &cobra.Command{Use: "db", Short: "Manage the SQLite order database"}
	dbc.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show applied and latest schema versions",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
			if err != nil {
				return err
			}
			defer conn.Close()
			current, err := migrate.Current(cmd.Context(), conn)
			if err != nil {
				return err
			}
			latest, err := migrate.Latest()
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"path": db.Path(viper.GetString("workspace")), "current": current, "latest": latest})
			}
			fmt.Printf("%s: schema %d of %d\n", db.Path(viper.GetString("workspace")), current, latest)
			return nil
		},
	})
	dbc.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(cmd.Context(), conn); err != nil {
				return err
			}
			v, err := migrate.Current(cmd.Context(), conn)
			if err != nil {
				return err
			}
			fmt.Printf("Schema at version %d\n", v)
			return nil
		},
	})
	return dbc
}

// --- helpers ---

// withEngine opens the configured store behind an engine that only reads and
// deletes; it has no signer and runs no fulfillment.
func withEngine(ctx context.Context, fn func(context.Context, *engine.Engine) error) error {
	logger, err := newLogger()
	if err != nil {
		return err
	}
	cfg, err := config.LoadOptional(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	store, conn, err := app.OpenStore(ctx, cfg, viper.GetString("workspace"))
	if err != nil {
		return err
	}
	if conn != nil {
		defer conn.Close()
	}
	e := engine.New(cfg, engine.Deps{Store: store, Logger: logger})
	return fn(ctx, e)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func setEnvValue(path, key, value string) error {
	var lines []string
	seen := false
	f, err := os.Open(path)
	if err == nil {
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, key+"=") {
				lines = append(lines, fmt.Sprintf("%s=%s", key, value))
				seen = true
			} else {
				lines = append(lines, line)
			}
		}
		if err := scanner.Err(); err != nil {
			f.Close()
			return err
		}
		f.Close()
	} else if !os.IsNotExist(err) {
		return err
	}
	if !seen {
		lines = append(lines, fmt.Sprintf("%s=%s", key, value))
	}
	content := strings.Join(lines, "\n")
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	return os.WriteFile(path, []byte(content), 0o600)
}
