package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tOgg1/parley/internal/gateway"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the websocket gateway in the foreground",
		Args:  cobra.NoArgs,
		RunE: withRuntime(func(cmd *cobra.Command, _ []string, rt *runtime) error {
			if addr, _ := cmd.Flags().GetString("listen"); addr != "" {
				rt.cfg.Gateway.ListenAddr = addr
			}
			svc, err := rt.service(cmd.Context())
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			fmt.Fprintf(rt.errOut, "listening on %s\n", rt.cfg.Gateway.ListenAddr)
			if used := rt.loader.ConfigFileUsed(); used != "" {
				fmt.Fprintf(rt.errOut, "config: %s\n", used)
			}
			if err := gateway.Serve(ctx, svc, rt.cfg); err != nil {
				return Exitf(ExitCodeFailure, "serve: %v", err)
			}
			return nil
		}),
	}
	cmd.Flags().String("listen", "", "override gateway.listen_addr")
	return cmd
}

func newGCCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gc",
		Short: "Prune old change feed rows",
		Long: "Prune change feed rows older than --max-age. Live followers that fall\n" +
			"behind the pruned range stop with an error and must resubscribe.",
		Args: cobra.NoArgs,
		RunE: withRuntime(func(cmd *cobra.Command, _ []string, rt *runtime) error {
			maxAge := rt.cfg.Retention.ChangesMaxAge
			if cmd.Flags().Changed("max-age") {
				maxAge, _ = cmd.Flags().GetDuration("max-age")
			}
			batch := rt.cfg.Retention.BatchSize
			if cmd.Flags().Changed("batch") {
				batch, _ = cmd.Flags().GetInt("batch")
			}
			if maxAge < 0 || batch < 1 {
				return usageError(cmd, "--max-age must not be negative and --batch must be positive")
			}

			svc, err := rt.service(cmd.Context())
			if err != nil {
				return err
			}
			var total int64
			for {
				deleted, err := svc.PruneChanges(cmd.Context(), maxAge, batch)
				if err != nil {
					return describe("prune", err)
				}
				total += deleted
				if deleted < int64(batch) {
					break
				}
			}
			if rt.json {
				return writeJSON(rt.out, map[string]int64{"deleted": total})
			}
			fmt.Fprintf(rt.out, "pruned %d change rows\n", total)
			return nil
		}),
	}
	cmd.Flags().Duration("max-age", 7*24*time.Hour, "delete change rows older than this")
	cmd.Flags().Int("batch", 1000, "rows deleted per pass")
	return cmd
}
