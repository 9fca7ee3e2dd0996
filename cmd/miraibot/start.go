package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/keepmind9/miraibot/internal/core"
	"github.com/keepmind9/miraibot/internal/event"
	"github.com/keepmind9/miraibot/internal/filter"
	"github.com/keepmind9/miraibot/internal/logger"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	configFile string

	startCmd = &cobra.Command{
		Use:   "start",
		Short: "Start the miraibot runtime",
		Long:  "Authenticate with the gateway, then dispatch inbound events to the built-in handlers until interrupted",
		Run: func(cmd *cobra.Command, args []string) {
			config, err := core.LoadConfig(configFile)
			if err != nil {
				log.Fatalf("Failed to load config: %v", err)
			}

			fmt.Printf("Starting miraibot with config: %s\n", configFile)
			fmt.Printf("Gateway: %s\n", config.BaseURL())
			fmt.Printf("QQ: %d\n", config.Bot.QQ)

			logConfig := logger.Config{
				Level:        config.Logging.Level,
				File:         config.Logging.File,
				MaxSize:      config.Logging.MaxSize,
				MaxBackups:   config.Logging.MaxBackups,
				MaxAge:       config.Logging.MaxAge,
				Compress:     config.LogCompress(),
				EnableStdout: config.LogToStdout(),
			}
			if err := logger.InitLogger(logConfig); err != nil {
				log.Fatalf("Failed to initialize logger: %v", err)
			}

			logger.WithFields(logrus.Fields{
				"config_file": configFile,
				"log_level":   config.Logging.Level,
				"log_file":    config.Logging.File,
			}).Info("logger-initialized")

			runtime, err := buildRuntime(config)
			if err != nil {
				log.Fatalf("Failed to create runtime: %v", err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			fmt.Println("\nmiraibot runtime starting...")
			fmt.Println("Press Ctrl+C to stop")

			if err := runtime.Run(ctx); err != nil {
				log.Fatalf("Runtime error: %v", err)
			}
			log.Println("miraibot stopped")
		},
	}
)

// buildRuntime creates the runtime with the configured filters and the
// built-in handlers registered
func buildRuntime(config *core.Config) (*core.Runtime, error) {
	runtime, err := core.New(config)
	if err != nil {
		return nil, err
	}

	ctrl := &controls{
		isAdmin: config.IsAdmin,
		reply:   asyncReply(runtime),
	}

	if path := config.Filters.BlacklistFile; path != "" {
		bl, err := filter.NewBlacklist(path)
		if err != nil {
			return nil, fmt.Errorf("blacklist: %w", err)
		}
		bl.OnControl(ctrl.blacklistControl)
		if err := runtime.RegisterFilter(bl); err != nil {
			return nil, err
		}
	}

	if path := config.Filters.GroupSwitchFile; path != "" {
		gs, err := filter.NewGroupSwitch(path)
		if err != nil {
			return nil, fmt.Errorf("group switch: %w", err)
		}
		gs.OnControl(ctrl.switchControl)
		if err := runtime.RegisterFilter(gs); err != nil {
			return nil, err
		}
	}

	echo := event.NewHandler("echo", echoHandler(runtime))
	echo.Help = "repeat the text after /echo"
	logH := event.NewHandler("log", logHandler)
	logH.Help = "log group messages and recalls"

	registrations := []struct {
		kind    event.Kind
		handler *event.Handler
	}{
		{event.KindGroupMessage, echo},
		{event.KindFriendMessage, echo},
		{event.KindGroupMessage, logH},
		{event.KindGroupRecall, logH},
	}
	for _, r := range registrations {
		if err := runtime.RegisterHandler(r.kind, r.handler); err != nil {
			return nil, err
		}
	}

	return runtime, nil
}

func init() {
	startCmd.Flags().StringVarP(&configFile, "config", "c", "config.yaml", "Configuration file path")
}
