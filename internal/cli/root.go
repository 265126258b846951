// Package cli implements the parley command line client.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tOgg1/parley/internal/chat"
	"github.com/tOgg1/parley/internal/config"
	"github.com/tOgg1/parley/internal/identity"
	"github.com/tOgg1/parley/internal/logging"
	"github.com/tOgg1/parley/internal/models"
)

// Exit codes.
const (
	ExitCodeFailure = 1
	ExitCodeUsage   = 2
	ExitCodePartial = 3
)

// ExitError carries a process exit code. Printed means the message was
// already written.
type ExitError struct {
	Code    int
	Err     error
	Printed bool
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error { return e.Err }

// Exitf returns an ExitError with a formatted message.
func Exitf(code int, format string, args ...any) error {
	return &ExitError{Code: code, Err: fmt.Errorf(format, args...)}
}

func usageError(cmd *cobra.Command, msg string) error {
	return &ExitError{Code: ExitCodeUsage, Err: fmt.Errorf("%s (see %s --help)", msg, cmd.CommandPath())}
}

// Execute runs the root command.
func Execute(version string) error {
	return newRootCmd(version).Execute()
}

func newRootCmd(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "parley",
		Short:         "Two-party chat with a live inbox",
		Long:          "parley sends messages between users and keeps each user's chat list current.",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
	}
	flags := cmd.PersistentFlags()
	flags.String("config", "", "config file (default is $HOME/.config/parley/config.yaml)")
	flags.String("data-dir", "", "override global.data_dir")
	flags.String("config-dir", "", "override global.config_dir (holds the session file)")
	flags.String("as", "", "act as this user instead of the signed-in one")
	flags.BoolP("verbose", "v", false, "log debug output to stderr")
	flags.Bool("json", false, "output as JSON")

	cmd.AddCommand(
		newRegisterCmd(),
		newLoginCmd(),
		newLogoutCmd(),
		newWhoamiCmd(),
		newUsersCmd(),
		newTokenCmd(),
		newStartCmd(),
		newSendCmd(),
		newLogCmd(),
		newInboxCmd(),
		newServeCmd(),
		newGCCmd(),
	)
	return cmd
}

// runtime is the per-invocation environment shared by commands.
type runtime struct {
	cfg      *config.Config
	loader   *config.Loader
	provider *identity.Provider
	as       models.UserID
	json     bool
	out      io.Writer
	errOut   io.Writer

	svc *chat.Service
}

func loadRuntime(cmd *cobra.Command) (*runtime, error) {
	loader := config.NewLoader()
	loader.UseDotEnv()
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		loader.SetConfigFile(path)
	}
	if dir, _ := cmd.Flags().GetString("data-dir"); dir != "" {
		loader.Set("global.data_dir", dir)
	}
	if dir, _ := cmd.Flags().GetString("config-dir"); dir != "" {
		loader.Set("global.config_dir", dir)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, Exitf(ExitCodeFailure, "load config: %v", err)
	}

	verbose, _ := cmd.Flags().GetBool("verbose")
	initLogging(cfg, verbose)

	if err := cfg.EnsureDirectories(); err != nil {
		return nil, Exitf(ExitCodeFailure, "%v", err)
	}

	provider, err := identity.NewProvider(identity.NewSessionStore(cfg.SessionPath()))
	if err != nil {
		return nil, Exitf(ExitCodeFailure, "load session: %v", err)
	}

	as, _ := cmd.Flags().GetString("as")
	jsonOutput, _ := cmd.Flags().GetBool("json")
	return &runtime{
		cfg:      cfg,
		loader:   loader,
		provider: provider,
		as:       models.UserID(strings.TrimSpace(as)),
		json:     jsonOutput,
		out:      cmd.OutOrStdout(),
		errOut:   cmd.ErrOrStderr(),
	}, nil
}

// initLogging keeps the CLI quiet on stderr unless asked otherwise.
func initLogging(cfg *config.Config, verbose bool) {
	logCfg := logging.Config{
		Level:        cfg.Logging.Level,
		Format:       cfg.Logging.Format,
		EnableCaller: cfg.Logging.EnableCaller,
	}
	switch {
	case verbose:
		logCfg.Level = "debug"
	case cfg.Logging.File != "":
		if f, err := logging.OpenFile(cfg.Logging.File); err == nil {
			logCfg.Output = f
		}
	default:
		logCfg.Level = "warn"
	}
	logging.Init(logCfg)
}

func (r *runtime) service(ctx context.Context) (*chat.Service, error) {
	if r.svc != nil {
		return r.svc, nil
	}
	svc, err := chat.Open(ctx, r.cfg)
	if err != nil {
		return nil, Exitf(ExitCodeFailure, "open store: %v", err)
	}
	r.svc = svc
	return svc, nil
}

func (r *runtime) close() {
	if r.svc != nil {
		_ = r.svc.Close()
	}
}

// me returns the acting user: --as, else the signed-in identity.
func (r *runtime) me() (models.UserID, error) {
	if r.as != "" {
		return r.as, nil
	}
	if id, ok := r.provider.CurrentIdentity(); ok {
		return id, nil
	}
	return "", Exitf(ExitCodeFailure, "not signed in (run parley login <user-id> or pass --as)")
}

// withRuntime adapts a command body that needs a runtime.
func withRuntime(fn func(cmd *cobra.Command, args []string, rt *runtime) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		rt, err := loadRuntime(cmd)
		if err != nil {
			return err
		}
		defer rt.close()
		return fn(cmd, args, rt)
	}
}

// describe maps core errors onto exit errors with readable text.
func describe(action string, err error) error {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return err
	}
	var partial *models.PartialFanoutError
	switch {
	case errors.As(err, &partial):
		return Exitf(ExitCodePartial, "%s: %w", action, err)
	case errors.Is(err, models.ErrValidation):
		return Exitf(ExitCodeUsage, "%s: %w", action, err)
	default:
		return Exitf(ExitCodeFailure, "%s: %w", action, err)
	}
}
