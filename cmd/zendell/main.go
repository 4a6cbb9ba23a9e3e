package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/stellarlinkco/zendell/internal/config"
	"github.com/stellarlinkco/zendell/internal/cron"
	"github.com/stellarlinkco/zendell/internal/gateway"
	"github.com/stellarlinkco/zendell/internal/prompts"
	"github.com/stellarlinkco/zendell/internal/store"
)

// chatUserID is the user the local REPL talks as.
const chatUserID = "cli:local"

// Options carries injectable dependencies for the commands.
type Options struct {
	ClientFactory gateway.ClientFactory
	StoreFactory  gateway.StoreFactory
	Stdin         io.Reader
	Stdout        io.Writer
	Stderr        io.Writer
}

func (o Options) streams() (io.Reader, io.Writer, io.Writer) {
	in, out, errw := o.Stdin, o.Stdout, o.Stderr
	if in == nil {
		in = os.Stdin
	}
	if out == nil {
		out = os.Stdout
	}
	if errw == nil {
		errw = os.Stderr
	}
	return in, out, errw
}

var rootCmd = &cobra.Command{
	Use:               "zendell",
	Short:             "zendell - proactive assistant that checks in on your day",
	SilenceUsage:      true,
	PersistentPreRunE: setup,
}

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Run the assistant (channels + scheduler + maintenance)",
	RunE:  runGateway,
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Talk to the assistant from the terminal",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runChatWithOptions(cmd.Context(), Options{})
	},
}

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Write the default config and prompts file",
	RunE:  runOnboard,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration, store counts and job state",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStatusWithOptions(cmd.Context(), Options{Stdout: cmd.OutOrStdout()})
	},
}

var reflectCmd = &cobra.Command{
	Use:   "reflect",
	Short: "Run one maintenance cycle now",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runReflectWithOptions(cmd.Context(), Options{Stdout: cmd.OutOrStdout()})
	},
}

var (
	messageFlag  string
	logLevelFlag string
	logJSONFlag  bool
	userFlag     string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "log level (debug, info, warn, error); defaults to $ZENDELL_LOG_LEVEL or info")
	rootCmd.PersistentFlags().BoolVar(&logJSONFlag, "log-json", false, "write JSON logs instead of console output")
	chatCmd.Flags().StringVarP(&messageFlag, "message", "m", "", "Single message to send")
	reflectCmd.Flags().StringVarP(&userFlag, "user", "u", "", "Reflect only this user and print the summary")
	rootCmd.AddCommand(gatewayCmd, chatCmd, onboardCmd, statusCmd, reflectCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setup(cmd *cobra.Command, args []string) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	return configureLogging(logLevelFlag, logJSONFlag, cmd.ErrOrStderr())
}

func configureLogging(level string, jsonOut bool, w io.Writer) error {
	if level == "" {
		level = os.Getenv("ZENDELL_LOG_LEVEL")
	}
	if level == "" {
		level = "info"
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	zerolog.SetGlobalLevel(lvl)
	if jsonOut {
		log.Logger = zerolog.New(w).With().Timestamp().Logger()
	} else {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05"})
	}
	return nil
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func runGateway(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Provider.APIKey == "" {
		return errors.New("API key not set. Run 'zendell onboard' or set ZENDELL_API_KEY / OPENAI_API_KEY")
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	gw, err := gateway.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}
	return gw.Run(ctx)
}

func runChatWithOptions(ctx context.Context, opts Options) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	core, err := gateway.NewCore(ctx, cfg, opts.ClientFactory, opts.StoreFactory)
	if err != nil {
		return err
	}
	defer core.Close()

	stdin, stdout, _ := opts.streams()

	if messageFlag != "" {
		msg := messageFlag
		fmt.Fprintln(stdout, core.Orchestrator.Advance(ctx, chatUserID, &msg))
		return nil
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Fprintln(stdout, "zendell chat (escribe 'salir' para terminar)")
	opener := ""
	fmt.Fprintln(stdout, core.Orchestrator.Advance(ctx, chatUserID, &opener))

	scanner := bufio.NewScanner(stdin)
	for ctx.Err() == nil {
		fmt.Fprint(stdout, "\n> ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		switch strings.ToLower(input) {
		case "salir", "exit", "quit":
			return nil
		}
		fmt.Fprintln(stdout, core.Orchestrator.Advance(ctx, chatUserID, &input))
	}
	return scanner.Err()
}

func runOnboard(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	cfgPath := config.ConfigPath()

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		if err := config.SaveConfig(config.DefaultConfig()); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Fprintf(out, "Created config: %s\n", cfgPath)
	} else {
		fmt.Fprintf(out, "Config already exists: %s\n", cfgPath)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := os.MkdirAll(cfg.Workspace, 0755); err != nil {
		return fmt.Errorf("create workspace: %w", err)
	}
	if path := cfg.PromptsPath(); path != "" {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			if err := prompts.WriteDefaults(path); err != nil {
				return fmt.Errorf("write prompts: %w", err)
			}
			fmt.Fprintf(out, "  Created: %s\n", path)
		}
	}

	fmt.Fprintf(out, "Workspace ready: %s\n", cfg.Workspace)
	fmt.Fprintln(out, "\nNext steps:")
	fmt.Fprintf(out, "  1. Edit %s to set your API key and Telegram token\n", cfgPath)
	fmt.Fprintln(out, "  2. Or set OPENAI_API_KEY and TELEGRAM_BOT_TOKEN (a .env file works too)")
	fmt.Fprintln(out, "  3. Run 'zendell chat' to try it locally")
	return nil
}

func runStatusWithOptions(ctx context.Context, opts Options) error {
	if ctx == nil {
		ctx = context.Background()
	}
	_, out, _ := opts.streams()

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(out, "Config: error (%v)\n", err)
		return nil
	}

	fmt.Fprintf(out, "Config: %s\n", config.ConfigPath())
	fmt.Fprintf(out, "Workspace: %s\n", cfg.Workspace)
	fmt.Fprintf(out, "Model: %s\n", cfg.Provider.Model)
	fmt.Fprintf(out, "API Key: %s\n", maskKey(cfg.Provider.APIKey))
	fmt.Fprintf(out, "Telegram: enabled=%v\n", cfg.Channels.Telegram.Enabled)
	fmt.Fprintf(out, "Scheduler: enabled=%v tick=%s interval=%s dailyCap=%d\n",
		cfg.Scheduler.Enabled, cfg.Scheduler.Tick, cfg.Scheduler.Interval, cfg.Scheduler.DailyCap)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(out, "Config problems: %v\n", err)
	}

	stores := opts.StoreFactory
	if stores == nil {
		stores = gateway.DefaultStoreFactory
	}
	st, err := stores(ctx, cfg)
	if err != nil {
		fmt.Fprintf(out, "Store (%s): error (%v)\n", cfg.Store.Driver, err)
	} else {
		defer st.Close()
		fmt.Fprintf(out, "Store (%s):\n", cfg.Store.Driver)
		for _, c := range []string{store.UserStates, store.Activities, store.Messages, store.Entities, store.SystemMemories} {
			n, err := st.Count(ctx, c, nil)
			if err != nil {
				fmt.Fprintf(out, "  %s: error (%v)\n", c, err)
				continue
			}
			fmt.Fprintf(out, "  %s: %d\n", c, n)
		}
	}

	jobs, err := cron.LoadStates(config.JobsPath())
	switch {
	case err != nil:
		fmt.Fprintf(out, "Jobs: error (%v)\n", err)
	case len(jobs) == 0:
		fmt.Fprintln(out, "Jobs: none recorded")
	default:
		fmt.Fprintln(out, "Jobs:")
		for _, j := range jobs {
			last := "never"
			if !j.State.LastRunAt.IsZero() {
				last = j.State.LastRunAt.Local().Format("2006-01-02 15:04:05")
			}
			fmt.Fprintf(out, "  %s (%s): runs=%d last=%s status=%s", j.Name, j.Spec, j.State.Runs, last, j.State.LastStatus)
			if j.State.LastError != "" {
				fmt.Fprintf(out, " error=%q", j.State.LastError)
			}
			fmt.Fprintln(out)
		}
	}
	return nil
}

func runReflectWithOptions(ctx context.Context, opts Options) error {
	if ctx == nil {
		ctx = context.Background()
	}
	_, out, _ := opts.streams()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	core, err := gateway.NewCore(ctx, cfg, opts.ClientFactory, opts.StoreFactory)
	if err != nil {
		return err
	}
	defer core.Close()

	if userFlag != "" {
		summary, err := core.Memory.Reflect(ctx, userFlag)
		if err != nil {
			return fmt.Errorf("reflect %s: %w", userFlag, err)
		}
		fmt.Fprintln(out, summary)
		return nil
	}

	if err := core.Scheduler(nil).Maintain(ctx); err != nil {
		return fmt.Errorf("maintenance: %w", err)
	}
	fmt.Fprintln(out, "Maintenance done")
	return nil
}

func maskKey(key string) string {
	switch {
	case key == "":
		return "not set"
	case len(key) > 8:
		return key[:4] + "..." + key[len(key)-4:]
	default:
		return "set"
	}
}
