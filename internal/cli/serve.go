package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/homelistingai/followup/internal/engine"
	"github.com/homelistingai/followup/internal/engined"
	"github.com/homelistingai/followup/internal/logging"
)

var (
	serveHTTPAddr string
	serveGRPCAddr string
)

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveHTTPAddr, "http-addr", "", "override server.http_addr")
	serveCmd.Flags().StringVar(&serveGRPCAddr, "grpc-addr", "", "override server.grpc_addr")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler with the HTTP and gRPC APIs",
	Long: `Run the follow-up engine: sync the sequence catalog (when sequences.sync_on_start
is set), start the step scheduler and serve the HTTP and gRPC APIs until
interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := *GetConfig()
		if serveHTTPAddr != "" {
			cfg.Server.HTTPAddr = serveHTTPAddr
		}
		if serveGRPCAddr != "" {
			cfg.Server.GRPCAddr = serveGRPCAddr
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		eng, err := engine.Open(ctx, &cfg, engine.Options{})
		if err != nil {
			return err
		}
		defer eng.Close()

		daemon, err := engined.New(eng, logging.Component("followupd"), engined.Options{Version: version})
		if err != nil {
			return err
		}
		return daemon.Run(ctx)
	},
}
