package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"ftpipe/internal/common/fsutil"
	"ftpipe/internal/faults"
	"ftpipe/internal/httpapi"
	"ftpipe/internal/pipeline"
)

func newServeCmd(a *app) *cobra.Command {
	var (
		run      string
		merged   bool
		engine   bool
		addr     string
		cors     string
		maxQueue int
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve a trained model over HTTP, or hand its merged weights to the serving engine",
		Example: "  ftpipe serve --run dolly-r8 --addr :8080\n" +
			"  ftpipe serve --run dolly-r8 --merged --cors-origins http://localhost:5173\n" +
			"  ftpipe serve --run dolly-r8 --engine",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if run == "" {
				run = a.cfg.Training.RunName
			}
			if addr != "" {
				a.cfg.HTTP.Addr = addr
			}
			if cors != "" {
				a.cfg.HTTP.CORSOrigins = splitCSV(cors)
			}
			p, err := a.pipeline(cmd)
			if err != nil {
				return err
			}
			ctx := ctxOf(cmd)
			if engine {
				return handOff(ctx, cmd, a, p, run)
			}
			svc, err := p.OpenService(ctx, pipeline.ServiceOptions{Run: run, Merged: merged, MaxQueue: maxQueue})
			if err != nil {
				return err
			}
			defer func() {
				if err := svc.Close(context.WithoutCancel(ctx)); err != nil {
					a.log.Warn().Err(err).Msg("unload model")
				}
			}()
			return listen(ctx, a, svc)
		},
	}
	f := cmd.Flags()
	f.StringVar(&run, "run", "", "Run whose adapter to serve (defaults to training.run_name)")
	f.BoolVar(&merged, "merged", false, "Serve the run's merged model instead of composing")
	f.BoolVar(&engine, "engine", false, "Launch the external serving engine on the merged model instead of the built-in API")
	f.StringVar(&addr, "addr", "", "HTTP listen address (overrides http.addr)")
	f.StringVar(&cors, "cors-origins", "", "Comma-separated allowed CORS origins (overrides http.cors_origins)")
	f.IntVar(&maxQueue, "max-queue", 8, "Maximum generate requests waiting for the model")
	return cmd
}

func listen(ctx context.Context, a *app, svc httpapi.Service) error {
	httpapi.Configure(a.cfg.HTTP)
	httpapi.SetLogger(a.log.With().Str("component", "http").Logger())
	httpapi.SetBaseContext(ctx)

	srv := &http.Server{
		Addr:              a.cfg.HTTP.Addr,
		Handler:           httpapi.NewMux(svc),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		a.log.Info().Str("addr", srv.Addr).Msg("listening")
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Warn().Err(err).Msg("graceful shutdown")
	}
	a.log.Info().Msg("server stopped")
	return nil
}

// handOff launches the serving engine on the run's merged weights and
// blocks until ctx is cancelled.
func handOff(ctx context.Context, cmd *cobra.Command, a *app, p *pipeline.Pipeline, run string) error {
	dir := filepath.Join(p.RunDir(run), "merged")
	if a.cfg.Serving.BaseURL == "" && !fsutil.IsDir(dir) {
		return faults.Configf("runtime.merge", "run %q has no merged model; run `ftpipe merge --run %s` first", run, run)
	}
	inst, err := p.Serve(ctx, dir)
	if err != nil {
		return err
	}
	defer func() {
		if err := inst.Stop(); err != nil {
			a.log.Warn().Err(err).Msg("stop serving engine")
		}
	}()
	fmt.Fprintf(cmd.OutOrStdout(), "serving %s at %s\n", inst.Model(), inst.BaseURL())
	<-ctx.Done()
	return nil
}

// splitCSV splits a comma-separated list, trimming blanks.
func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
