package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/harun/onebot/internal/config"
	"github.com/harun/onebot/internal/console"
	"github.com/harun/onebot/internal/daemon"
	"github.com/harun/onebot/internal/logger"
	"github.com/harun/onebot/pkg/app"
	"github.com/harun/onebot/pkg/dispatch"
	"github.com/harun/onebot/pkg/impl"
	"github.com/harun/onebot/pkg/protocol"
	"github.com/spf13/cobra"
)

var (
	echoCommand   bool
	consoleAttach bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the application or implementation role in the foreground",
}

var runAppCmd = &cobra.Command{
	Use:   "app",
	Short: "Run the application role",
	Long: `Run the application role. It connects to every implementation in the
app section of the config and logs their events until interrupted.`,
	RunE: runApp,
}

var runImplCmd = &cobra.Command{
	Use:   "impl",
	Short: "Run the implementation role",
	Long: `Run the implementation role for the bot in the impl section of the
config. With --console, stdin lines become message events and sent
messages are printed.`,
	RunE: runImpl,
}

func init() {
	runAppCmd.Flags().BoolVar(&echoCommand, "echo", false, "reply to /echo commands")
	runImplCmd.Flags().BoolVar(&consoleAttach, "console", false, "attach stdin and stdout as a chat platform")
	runCmd.AddCommand(runAppCmd, runImplCmd)
	rootCmd.AddCommand(runCmd)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg *config.Config, role daemon.Role) (*logger.Logger, error) {
	return logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		Console:   true,
		Pretty:    cfg.Logging.Pretty,
		Redaction: cfg.Logging.Redaction,
		MaxSize:   cfg.Logging.MaxSize,
		MaxAge:    cfg.Logging.MaxAge,
		Compress:  cfg.Logging.Compress,
		Secrets:   cfg.Secrets(),
		Role:      string(role),
		Out:       os.Stderr,
	})
}

// appHandlers are the handlers of the stock application
func appHandlers(log *logger.Logger, echo bool) []dispatch.Handler {
	zl := log.Component("handlers")
	handlers := []dispatch.Handler{
		dispatch.On(func(ctx context.Context, s *dispatch.Session) error {
			zl.Info().
				Str("bot", s.Event.Key().String()).
				Str("type", s.Event.Type).
				Str("detail_type", s.Event.DetailType).
				Str("text", s.Text()).
				Msg("Event received")
			return nil
		}).Named("log").When(dispatch.Not(dispatch.IsType(protocol.EventMeta))).Build(),
	}
	if echo {
		handlers = append(handlers, dispatch.OnCommand("/echo", func(ctx context.Context, s *dispatch.Session) error {
			_, err := s.Reply(ctx, s.Message())
			return err
		}).Build())
	}
	return handlers
}

func runApp(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := newLogger(cfg, daemon.RoleApp)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Close()

	d, err := daemon.New(cfg, daemon.RoleApp, log, daemon.Options{
		SetupApp: func(a *app.App) error {
			return a.Handle(appHandlers(log, echoCommand)...)
		},
	})
	if err != nil {
		return err
	}
	return d.Run(cmd.Context())
}

func runImpl(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := newLogger(cfg, daemon.RoleImpl)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Close()

	var con *console.Console
	if consoleAttach {
		con = console.New(console.Config{
			In:     cmd.InOrStdin(),
			Out:    cmd.OutOrStdout(),
			Logger: log.Component("console"),
		})
	}

	d, err := daemon.New(cfg, daemon.RoleImpl, log, daemon.Options{
		SetupImpl: func(rt *impl.Impl) error {
			if con == nil {
				return nil
			}
			return con.Register(rt)
		},
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	if con != nil {
		go func() {
			if err := con.Run(ctx, d.Impl()); err != nil {
				log.Warn().Err(err).Msg("Console input failed")
			}
		}()
	}
	return d.Run(ctx)
}
