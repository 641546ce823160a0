package serve

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ValentinKolb/dStripe/cmd/util"
	"github.com/ValentinKolb/dStripe/lib/sim"
	"github.com/VictoriaMetrics/metrics"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
)

var Logger = logger.GetLogger("serve")

var (
	ServeCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run a workload continuously and serve its metrics",
		Long:  `Run a randomized lock workload with fault injection until interrupted and serve the coordinator metrics (/metrics, Prometheus format), the lock tables (/locks) and the workload statistics (/stats) over HTTP. The configuration can be set via command line flags or environment variables. The format of the environment variables is DSTRIPE_<flag> (e.g. DSTRIPE_ENDPOINT=localhost:9090)`,
		RunE:  run,
	}
)

func init() {
	util.SetupClientFlags(ServeCmd)
	util.SetupSimFlags(ServeCmd)

	key := "endpoint"
	ServeCmd.PersistentFlags().String(key, "0.0.0.0:8080", util.WrapString("The address on which the HTTP API will listen"))
}

// newRouter creates the HTTP API of a running simulation.
func newRouter(s *sim.Simulation) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Second))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	r.Get("/metrics", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		for _, c := range s.Clients() {
			c.Arena().Metrics().WritePrometheus(w)
		}
		metrics.WriteProcessMetrics(w)
	})

	r.Get("/locks", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		s.Dump(w)
	})

	r.Get("/stats", func(w http.ResponseWriter, _ *http.Request) {
		stats := struct {
			Progress sim.Result                  `json:"progress"`
			Clients  map[string]map[string]int64 `json:"clients"`
		}{
			Progress: s.Progress(),
			Clients:  make(map[string]map[string]int64),
		}
		for _, c := range s.Clients() {
			stats.Clients[c.Name()] = c.Stats().Counters()
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(stats); err != nil {
			Logger.Warningf("encoding stats: %v", err)
		}
	})

	return r
}

// run starts the workload and the HTTP API and stops both on SIGINT or SIGTERM
func run(cmd *cobra.Command, _ []string) error {
	cc, err := util.GetClientConfig()
	if err != nil {
		return err
	}
	sc, err := util.GetSimConfig()
	if err != nil {
		return err
	}
	sc.Ops = 0

	s, err := sim.New(sc, cc)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server := &http.Server{
		Addr:              viper.GetString("endpoint"),
		Handler:           newRouter(s),
		ReadHeaderTimeout: 5 * time.Second,
	}

	var res sim.Result
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		res, err = s.Run(gctx)
		return err
	})
	g.Go(func() error {
		Logger.Infof("serving on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	_, _ = fmt.Fprint(cmd.OutOrStdout(), res.String())
	return err
}
