package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/serp-enricher/internal/domainstats"
	"github.com/sells-group/serp-enricher/internal/model"
	"github.com/sells-group/serp-enricher/internal/monitoring"
	"github.com/sells-group/serp-enricher/internal/recovery"
	"github.com/sells-group/serp-enricher/internal/store"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the read-only query API",
	Long:  "Serves records, statistics and domain classifications over HTTP, exposes Prometheus metrics, and optionally runs scheduled recovery and alert checks.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if servePort != 0 {
			cfg.Server.Port = servePort
		}

		st, err := openStore(ctx, "serve")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		agg, err := newAggregator(st)
		if err != nil {
			return err
		}

		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		metrics := monitoring.NewMetrics(reg)

		scanner := newScanner(st, metrics)
		sched, err := startRecoverySchedule(ctx, scanner, cfg.Monitoring.RecoverySchedule)
		if err != nil {
			return err
		}
		if sched != nil {
			defer func() { <-sched.Stop().Done() }()
		}

		collector := monitoring.NewCollector(st, cfg.Enrichment.StaleAfter, metrics)
		checker := monitoring.NewChecker(collector, monitoring.NewAlerter(cfg.Monitoring), cfg.Monitoring)
		go checker.Run(ctx)

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:           newRouter(st, agg, promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})),
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				zap.L().Warn("server shutdown", zap.Error(err))
			}
		}()

		zap.L().Info("starting server", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

// startRecoverySchedule runs the recovery scanner over every group on a
// five-field cron spec. An empty spec schedules nothing and returns nil.
func startRecoverySchedule(ctx context.Context, scanner *recovery.Scanner, spec string) (*cron.Cron, error) {
	if spec == "" {
		return nil, nil
	}
	logger := cron.VerbosePrintfLogger(zap.NewStdLog(zap.L().Named("cron")))
	c := cron.New(
		cron.WithParser(cron.NewParser(cron.Minute|cron.Hour|cron.Dom|cron.Month|cron.Dow)),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	if _, err := c.AddFunc(spec, func() {
		if _, err := scanner.Run(ctx, ""); err != nil {
			zap.L().Error("scheduled recovery failed", zap.Error(err))
		}
	}); err != nil {
		return nil, eris.Wrapf(err, "parse recovery schedule %q", spec)
	}
	c.Start()
	zap.L().Info("scheduled recovery enabled", zap.String("schedule", spec))
	return c, nil
}

// api serves read-only views of the store.
type api struct {
	store store.Store
	agg   *domainstats.Aggregator
}

// newRouter builds the HTTP API. metrics may be nil.
func newRouter(st store.Store, agg *domainstats.Aggregator, metrics http.Handler) http.Handler {
	a := &api{store: st, agg: agg}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", a.health)
	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/groups", a.listGroups)
		r.Get("/groups/{group}/stats", a.groupStats)
		r.Get("/groups/{group}/records", a.listRecords)
		r.Get("/groups/{group}/records/{keyword}", a.getRecord)
		r.Get("/domains", a.listDomains)
		r.Get("/domains/{domain}/classification", a.classify)
	})
	return r
}

func (a *api) health(w http.ResponseWriter, r *http.Request) {
	if err := a.store.Ping(r.Context()); err != nil {
		zap.L().Warn("health check: store unreachable", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *api) listGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := a.store.ListGroups(r.Context())
	if err != nil {
		serverError(w, r, err)
		return
	}
	if groups == nil {
		groups = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"groups": groups})
}

func (a *api) groupStats(w http.ResponseWriter, r *http.Request) {
	group, ok := pathParam(w, r, "group")
	if !ok {
		return
	}
	s, err := a.store.AggregateStatistics(r.Context(), group)
	if err != nil {
		serverError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (a *api) listRecords(w http.ResponseWriter, r *http.Request) {
	group, ok := pathParam(w, r, "group")
	if !ok {
		return
	}
	q := r.URL.Query()
	raw := q.Get("status")
	if raw == "" {
		raw = string(model.StatusCompleted)
	}
	status, err := model.ParseStatus(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, ok := intParam(w, q, "limit", 100)
	if !ok {
		return
	}
	recs, err := a.store.ListByStatus(r.Context(), group, status, limit)
	if err != nil {
		serverError(w, r, err)
		return
	}
	if recs == nil {
		recs = []model.QueryRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": recs})
}

func (a *api) getRecord(w http.ResponseWriter, r *http.Request) {
	group, ok := pathParam(w, r, "group")
	if !ok {
		return
	}
	keyword, ok := pathParam(w, r, "keyword")
	if !ok {
		return
	}
	rec, err := a.store.Get(r.Context(), group, keyword)
	if err != nil {
		serverError(w, r, err)
		return
	}
	if rec == nil {
		writeError(w, http.StatusNotFound, "record not found")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (a *api) listDomains(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, ok := intParam(w, q, "limit", 100)
	if !ok {
		return
	}
	minTotal, ok := intParam(w, q, "min_total", 0)
	if !ok {
		return
	}
	stats, err := a.store.ListDomainGlobal(r.Context(), model.DomainFilter{
		MinTotal:       int64(minTotal),
		CommercialOnly: q.Get("commercial") == "true",
		Limit:          limit,
	})
	if err != nil {
		serverError(w, r, err)
		return
	}
	if stats == nil {
		stats = []model.DomainGlobalStat{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"domains": stats})
}

func (a *api) classify(w http.ResponseWriter, r *http.Request) {
	domain, ok := pathParam(w, r, "domain")
	if !ok {
		return
	}
	c, err := a.agg.Classify(r.Context(), domain, domainstats.WithGroup(r.URL.Query().Get("group")))
	if errors.Is(err, domainstats.ErrInvalidDomain) {
		writeError(w, http.StatusBadRequest, "invalid domain")
		return
	}
	if err != nil {
		serverError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// pathParam returns the unescaped route parameter; keywords routinely
// contain spaces and non-ASCII text.
func pathParam(w http.ResponseWriter, r *http.Request, name string) (string, bool) {
	v, err := url.PathUnescape(chi.URLParam(r, name))
	if err != nil || v == "" {
		writeError(w, http.StatusBadRequest, "invalid "+name)
		return "", false
	}
	return v, true
}

func intParam(w http.ResponseWriter, q url.Values, name string, def int) (int, bool) {
	raw := q.Get(name)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		writeError(w, http.StatusBadRequest, name+" must be a non-negative integer")
		return 0, false
	}
	return n, true
}

func serverError(w http.ResponseWriter, r *http.Request, err error) {
	zap.L().Error("api request failed",
		zap.String("path", r.URL.Path),
		zap.String("request_id", middleware.GetReqID(r.Context())),
		zap.Error(err),
	)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
