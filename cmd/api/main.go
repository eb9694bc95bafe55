package main

import (
	"log"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/digitalbillionaire/payrollops/internal/api"
	"github.com/digitalbillionaire/payrollops/internal/config"
	"github.com/digitalbillionaire/payrollops/internal/notify"
	"github.com/digitalbillionaire/payrollops/internal/service"
	"github.com/digitalbillionaire/payrollops/internal/store"
	"github.com/digitalbillionaire/payrollops/internal/upstream"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	auditStore, err := store.NewStore(cfg.DBSource)
	if err != nil {
		log.Fatalf("Unable to connect to database: %v", err)
	}
	defer auditStore.Close()

	var notifier notify.Service
	if cfg.Debug() || cfg.SendgridAPIKey == "" {
		notifier = notify.NewConsoleService()
	} else {
		notifier = notify.NewSendgridService(cfg.SendgridAPIKey)
	}

	client := upstream.NewClient(cfg.UpstreamBaseURL, cfg.AdminToken, cfg.UpstreamTimeout)

	svc := service.NewService(client, auditStore, notifier, service.Options{
		PollInterval:    cfg.PollInterval,
		OTPChallengeTTL: cfg.OTPChallengeTTL,
		NotifyFrom:      cfg.NotifyFrom,
		NotifyAdmins:    cfg.NotifyAdmins,
	})
	defer svc.Close()

	handler := api.NewHandler(svc, auditStore)

	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	handler.Register(r)

	log.Printf("Server starting on :%s", cfg.Port)
	if err := http.ListenAndServe(":"+cfg.Port, r); err != nil {
		log.Fatal(err)
	}
}
