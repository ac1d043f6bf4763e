package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dmitrymomot/chatbilling/core"
	billinghttp "github.com/dmitrymomot/chatbilling/modules/billing"
	"github.com/dmitrymomot/chatbilling/pkg/config"
	"github.com/dmitrymomot/chatbilling/pkg/httpserver"
	"github.com/dmitrymomot/chatbilling/pkg/logger"
	"github.com/dmitrymomot/chatbilling/pkg/mongo"
	redisconn "github.com/dmitrymomot/chatbilling/pkg/redis"
	"github.com/dmitrymomot/chatbilling/svc/billing"
)

type appConfig struct {
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	ServiceName string `env:"SERVICE_NAME" envDefault:"chatbilling"`
	CatalogPath string `env:"BILLING_CATALOG_PATH" envDefault:"config/catalog.yaml"`
	SuccessURL  string `env:"BILLING_SUCCESS_URL,required"`
	CancelURL   string `env:"BILLING_CANCEL_URL,required"`
	UseRedis    bool   `env:"BILLING_DEDUP_REDIS" envDefault:"false"`
}

func main() {
	ctx := context.Background()

	var appCfg appConfig
	config.MustLoad(&appCfg)

	log := logger.New(logger.WithEnvironment(appCfg.Environment, appCfg.ServiceName))
	logger.SetAsDefault(log)

	var mongoCfg mongo.Config
	config.MustLoad(&mongoCfg)
	db, err := mongo.NewWithDatabase(ctx, mongoCfg)
	if err != nil {
		log.Error("failed to connect to mongodb", logger.Error(err))
		os.Exit(1)
	}

	catalog, err := billing.NewCatalog(ctx, billing.FileSource{Path: appCfg.CatalogPath})
	if err != nil {
		log.Error("failed to load billing catalog", logger.Error(err))
		os.Exit(1)
	}

	var paddleCfg billing.PaddleConfig
	config.MustLoad(&paddleCfg)
	gateway, err := billing.NewPaddleGateway(paddleCfg)
	if err != nil {
		log.Error("failed to create payment gateway", logger.Error(err))
		os.Exit(1)
	}

	probes := []func(context.Context) error{mongo.Healthcheck(db.Client())}

	var dedup billing.DedupGuard = billing.NewMemoryDedupGuard(billing.DefaultDedupWindow)
	if appCfg.UseRedis {
		var redisCfg redisconn.Config
		config.MustLoad(&redisCfg)
		client, err := redisconn.Connect(ctx, redisCfg)
		if err != nil {
			log.Error("failed to connect to redis", logger.Error(err))
			os.Exit(1)
		}
		defer client.Close()
		dedup = billing.NewRedisDedupGuard(client, billing.DefaultDedupWindow)
		probes = append(probes, redisconn.Healthcheck(client))
	}

	accounts := billing.NewMongoAccountStore(db)
	balances := billing.NewMongoBalanceStore(db)

	reconciler := billing.NewReconciler(catalog, accounts, balances, gateway, log)
	dispatcher := billing.NewDispatcher(reconciler, gateway, log)
	coordinator := billing.NewCoordinator(catalog, accounts, balances, gateway, dedup, log)
	service := billing.NewService(catalog, accounts, gateway, log, appCfg.SuccessURL, appCfg.CancelURL)

	handler := billinghttp.NewHandler(service, coordinator, dispatcher, gateway, log)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Mount("/billing", billinghttp.Router(handler))
	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		for _, probe := range probes {
			if err := probe(req.Context()); err != nil {
				log.ErrorContext(req.Context(), "healthcheck failed", logger.Error(err))
				core.JSONError(w, core.NewHTTPError(http.StatusServiceUnavailable, "unhealthy"))
				return
			}
		}
		core.JSONMessage(w, "ok")
	})

	var httpCfg httpserver.Config
	config.MustLoad(&httpCfg)
	srv := httpserver.New(httpCfg, log)

	log.Info("starting chatbilling server", slog.String("env", appCfg.Environment))
	if err := srv.Run(ctx, r); err != nil {
		log.Error("server exited with error", logger.Error(err))
		os.Exit(1)
	}
}
