package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/javimaligno/agentctl/infrastructure/middleware"
	"github.com/javimaligno/agentctl/internal/feedback"
)

func (a *app) cmdWebhook(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("webhook", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	port := fs.Int("port", a.cfg.Port, "HTTP listen port")
	secret := fs.String("secret", a.cfg.WebhookSecret, "shared secret used to verify delivery signatures")
	repos := fs.String("repos", strings.Join(a.cfg.AllowedRepos, ","), "comma-separated owner/repo allow-list")
	autoIterate := fs.Bool("auto-iterate", a.cfg.AutoIterate, "automatically call iterate when feedback arrives")
	deleteBranchOnMerge := fs.Bool("delete-branch-on-merge", a.cfg.DeleteBranchOnMerge, "delete the working branch once its proposal merges")
	if err := fs.Parse(args); err != nil {
		return usageError(err)
	}
	a.cfg.DeleteBranchOnMerge = *deleteBranchOnMerge

	repoSet := map[string]bool{}
	for _, r := range strings.Split(*repos, ",") {
		if r = strings.TrimSpace(r); r != "" {
			repoSet[r] = true
		}
	}

	wh := feedback.NewWebhook(feedback.WebhookConfig{
		Secret:       *secret,
		Repositories: repoSet,
		Parser:       feedback.DefaultParserConfig(),
	}, a.logger)

	router := mux.NewRouter()
	router.Use(middleware.LoggingMiddleware(a.logger))
	router.Use(middleware.MetricsMiddleware("agentctl", a.metrics))
	router.Use(middleware.NewRecoveryMiddleware(a.logger).Handler)
	router.Use(middleware.NewCORSMiddleware(nil).Handler)
	router.Use(middleware.NewBodyLimitMiddleware(1 << 20).Handler)
	router.Use(middleware.NewValidationMiddleware(middleware.ValidationConfig{
		MaxBodySize:    1 << 20,
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
	}).Handler)
	router.Use(middleware.NewSecurityHeadersMiddleware(nil).Handler)
	router.Use(middleware.NewTimeoutMiddleware(a.cfg.MonitorHTTPTimeout).Handler)
	rlCfg := middleware.DefaultRateLimiterConfig(a.logger)
	router.Use(middleware.NewRateLimiter(rlCfg.RequestsPerSecond, rlCfg.Burst, a.logger).Handler)

	router.HandleFunc("/health", a.handleHealth).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	router.Handle("/", wh).Methods(http.MethodPost)
	router.Handle("/webhook", wh).Methods(http.MethodPost)

	server := &http.Server{
		Addr:    ":" + strconv.Itoa(*port),
		Handler: router,
	}

	shutdown := middleware.NewGracefulShutdown(server, 15*time.Second)
	shutdown.OnShutdown(func() {
		if errs := a.cleanup.RunAll(context.Background()); len(errs) > 0 {
			a.logger.Error(context.Background(), "cleanup on shutdown reported errors", errs[0], nil)
		}
	})
	shutdown.ListenForSignals()

	go a.drainWebhookEvents(ctx, wh, *autoIterate)

	a.logger.Info(ctx, "webhook server listening", map[string]interface{}{"port": *port})
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	shutdown.Wait()
	return nil
}

// drainWebhookEvents feeds every Event the receiver publishes through the
// same handling watch uses, so auto-iterate behaves identically whether
// feedback arrived by poll or by push.
func (a *app) drainWebhookEvents(ctx context.Context, wh *feedback.Webhook, autoIterate bool) {
	for ev := range wh.Events() {
		a.handleFeedbackEvent(ctx, ev, autoIterate)
	}
}

func (a *app) handleHealth(resp http.ResponseWriter, req *http.Request) {
	status := a.health.Check(req.Context())
	resp.Header().Set("Content-Type", "application/json")
	if status.Status != "healthy" {
		resp.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(resp).Encode(status)
}
