package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ridecircle/groupride/internal/app"
	"github.com/ridecircle/groupride/internal/config"

	log "github.com/sirupsen/logrus"
)

// main runs the CLI entrypoint and exits on unrecoverable command errors.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if errRun := run(ctx, os.Args[1:]); errRun != nil {
		log.WithError(errRun).Error("command failed")
		stop()
		os.Exit(1)
	}
}

// run dispatches to the serve, migrate, init or token subcommand. serve is
// the default when no subcommand is given.
func run(ctx context.Context, args []string) error {
	command := "serve"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		command, args = args[0], args[1:]
	}

	fs := flag.NewFlagSet(command, flag.ContinueOnError)
	cfgPath := fs.String("config", "", "config file path (or env CONFIG_PATH)")
	port := fs.Int("port", 0, "server port, overrides the config file")
	userID := fs.String("user", "", "rider id to issue a token for (token command)")
	dsn := fs.String("dsn", "", "database dsn written by the init command (default local sqlite)")
	if errParse := fs.Parse(args); errParse != nil {
		return errParse
	}

	appCfg, err := config.LoadFromEnv()
	if err != nil {
		return err
	}
	if strings.TrimSpace(*cfgPath) != "" {
		appCfg.ConfigPath = config.ResolveConfigPath(*cfgPath)
	}

	switch command {
	case "serve":
		if errValidate := validatePort(*port); errValidate != nil {
			return errValidate
		}
		return app.RunServer(ctx, appCfg, *port)
	case "migrate":
		return app.Migrate(ctx, appCfg)
	case "init":
		if errValidate := validatePort(*port); errValidate != nil {
			return errValidate
		}
		initPort := *port
		if initPort == 0 {
			initPort = 8080
		}
		if errWrite := app.WriteConfigFile(appCfg.ConfigPath, *dsn, initPort); errWrite != nil {
			return errWrite
		}
		log.Infof("wrote %s", appCfg.ConfigPath)
		return nil
	case "token":
		token, errToken := app.IssueToken(appCfg, *userID)
		if errToken != nil {
			return errToken
		}
		fmt.Println(token)
		return nil
	default:
		return fmt.Errorf("unknown command %q (expected serve, migrate, init or token)", command)
	}
}

func validatePort(port int) error {
	if port < 0 || port > 65535 {
		return fmt.Errorf("invalid port: %d", port)
	}
	return nil
}
