package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	goerrors "github.com/goliatone/go-errors"
	"github.com/projetometanoia/metanoia-auth/dashboard"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the admin dashboard",
	Long: `Starts the session synchronizer and the admin dashboard HTTP server.

The server exposes the login pages, the gated admin area, /healthz and
/metrics. It listens on loopback by default and only answers the loopback
host names; set METANOIA_TRUSTED_HOSTS when serving another address. The
admin area is only granted to the browser that signed in through the
dashboard. It stops gracefully on SIGINT or SIGTERM.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		addr := a.cfg.HTTPAddr
		if serveAddr != "" {
			addr = serveAddr
		}

		server, err := dashboard.New(a.identity, a.session,
			dashboard.WithProfiles(a.repos.Profiles()),
			dashboard.WithSettings(a.settings),
			dashboard.WithActivity(a.activity),
			dashboard.WithGatherer(a.registry),
			dashboard.WithLogger(a.logger),
			dashboard.WithFederated(a.cfg.FederatedEnabled()),
			dashboard.WithTrustedHosts(a.cfg.TrustedHosts...),
		)
		if err != nil {
			return err
		}

		if err := a.sync.Start(ctx); err != nil {
			return err
		}

		pterm.Info.Printf("Admin dashboard on %s\n", addr)

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return server.Listen(gctx, addr)
		})
		g.Go(func() error {
			select {
			case <-a.sync.Done():
				if ctx.Err() == nil {
					return goerrors.New("identity stream ended", goerrors.CategoryOperation)
				}
				return nil
			case <-gctx.Done():
				return nil
			}
		})

		if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		pterm.Success.Println("Shut down cleanly")
		return nil
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (defaults to METANOIA_HTTP_ADDR)")
}
