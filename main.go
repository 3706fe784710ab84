// main.go
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/spf13/pflag"

	"github.com/trezcool/masomo-live/internal/config"
	"github.com/trezcool/masomo-live/internal/proto"
	"github.com/trezcool/masomo-live/internal/util"
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(argv []string) error {
	env, err := config.LoadEnv()
	if err != nil {
		return err
	}

	var (
		cfgFlag  string
		dirFlag  string
		logLevel string
		showHelp bool
	)
	flagSet := pflag.NewFlagSet("masomo-live", pflag.ContinueOnError)
	flagSet.StringVarP(&cfgFlag, "config", "c", env.Config, "config file, created with defaults when missing")
	flagSet.StringVar(&dirFlag, "dir", ".", "base directory for a relative --config")
	flagSet.StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error); overrides config")
	flagSet.BoolVarP(&showHelp, "help", "h", false, "show help")
	flagSet.SetInterspersed(false)

	if err := flagSet.Parse(argv); err != nil {
		if err == pflag.ErrHelp {
			showUsage(flagSet)
			return nil
		}
		return err
	}
	args := flagSet.Args()
	if showHelp || len(args) == 0 {
		showUsage(flagSet)
		return nil
	}

	command := args[0]
	if command == "version" {
		fmt.Printf("masomo-live v%s\n", appVersion)
		return nil
	}

	cfgPath, err := filepath.Abs(util.ResolvePath(dirFlag, cfgFlag))
	if err != nil {
		return err
	}
	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	applyOverrides(&cfg, env, logLevel)
	if err := setLogLevel(cfg.Log.Level); err != nil {
		return err
	}
	if created {
		log.Infof("[masomo] wrote default config to %s", cfgPath)
	}

	var start func(*App) error
	switch command {
	case "notify":
		if len(args) != 2 {
			return fmt.Errorf("usage: masomo-live notify <user-id>")
		}
		start = func(a *App) error { return a.runNotify(args[1], os.Stdin) }
	case "chat":
		if len(args) != 2 {
			return fmt.Errorf("usage: masomo-live chat <room-id>")
		}
		start = func(a *App) error { return a.runChat(args[1], os.Stdin) }
	case "call":
		if len(args) != 3 {
			return fmt.Errorf("usage: masomo-live call <room-id> <callee-id>")
		}
		start = func(a *App) error { return a.runCall(args[1], proto.ID(args[2])) }
	case "answer":
		if len(args) != 2 {
			return fmt.Errorf("usage: masomo-live answer <room-id>")
		}
		start = func(a *App) error { return a.runCall(args[1], "") }
	default:
		return fmt.Errorf("unknown command '%s'", command)
	}

	printBanner(cfgPath, cfg)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	app := NewApp(cfgPath, cfg, env, logLevel)
	defer app.shutdown()
	if err := app.startup(ctx); err != nil {
		return err
	}
	return start(app)
}

func setLogLevel(level string) error {
	lvl, err := logging.LevelFromString(level)
	if err != nil {
		return fmt.Errorf("log level %q: %w", level, err)
	}
	logging.SetAllLoggers(lvl)
	return nil
}

func secs(n int) time.Duration { return time.Duration(n) * time.Second }

func fmtMillis(ms int64) string {
	return time.UnixMilli(ms).Local().Format("15:04:05")
}

func showUsage(flagSet *pflag.FlagSet) {
	fmt.Println("masomo-live - realtime chat, notifications and calls")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  masomo-live [flags] <command> [args]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  notify <user-id>            Stream notifications; stdin <id> or all marks read")
	fmt.Println("  chat <room-id>              Join a room chat; stdin lines are sent, /from <id> filters")
	fmt.Println("  call <room-id> <callee-id>  Call a participant of a room")
	fmt.Println("  answer <room-id>            Wait for a call in a room and answer it")
	fmt.Println("  version                     Show version information")
	fmt.Println()
	fmt.Println("Flags:")
	fmt.Print(flagSet.FlagUsages())
	fmt.Println()
	fmt.Println("Environment:")
	fmt.Printf("  %s_TOKEN                auth token\n", config.EnvPrefix)
	fmt.Printf("  %s_USERNAME, %s_PASSWORD  credentials used when no token is set\n", config.EnvPrefix, config.EnvPrefix)
	fmt.Printf("  %s_LOG_LEVEL            log level override\n", config.EnvPrefix)
	fmt.Printf("  %s_CONFIG               default for --config\n", config.EnvPrefix)
}

func printBanner(cfgPath string, cfg config.Config) {
	fmt.Println("────────────────────────────────────────────────────────")
	fmt.Printf("Config File:    %s\n", cfgPath)
	fmt.Printf("Realtime:       %s://%s\n", cfg.Server.Scheme, cfg.Server.Host)
	fmt.Printf("API:            %s\n", cfg.Server.APIBase)
	fmt.Println("Press Ctrl+C to stop")
	fmt.Println("────────────────────────────────────────────────────────")
	fmt.Println()
}
