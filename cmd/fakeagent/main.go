// Command fakeagent serves a canned device agent on a TCP address, so clients
// can be exercised without a phone.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"hmdriver/logging"
)

func main() {
	logging.ConfigureRuntime()
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		addr string
		opts = agentOptions{Width: 1260, Height: 2720, FrameInterval: 100 * time.Millisecond}
	)
	cmd := &cobra.Command{
		Use:          "fakeagent",
		Short:        "Serve a fake UI test agent",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.FrameInterval <= 0 {
				return fmt.Errorf("--frame-interval must be positive")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, addr, opts)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8012", "listen address")
	cmd.Flags().IntVar(&opts.Width, "width", opts.Width, "reported display width")
	cmd.Flags().IntVar(&opts.Height, "height", opts.Height, "reported display height")
	cmd.Flags().DurationVar(&opts.FrameInterval, "frame-interval", opts.FrameInterval, "delay between capture frames")
	return cmd
}

func serve(ctx context.Context, addr string, opts agentOptions) error {
	svr := newAgent(opts)
	errc := make(chan error, 1)
	go func() { errc <- svr.ListenAndServe("tcp", addr) }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	log.Info().Msg("fakeagent: shutting down")
	if err := svr.Shutdown(5 * time.Second); err != nil {
		log.Warn().Err(err).Msg("fakeagent: shutdown")
	}
	return <-errc
}
