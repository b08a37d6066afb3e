// README: Entry point; loads config, wires storage, location, dispatch and the HTTP API, then serves until signalled.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	firebase "firebase.google.com/go/v4"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"ridedispatch/internal/config"
	"ridedispatch/internal/events"
	httptransport "ridedispatch/internal/http"
	"ridedispatch/internal/infra"
	"ridedispatch/internal/logger"
	"ridedispatch/internal/maps"
	"ridedispatch/internal/memstore"
	"ridedispatch/internal/modules/dispatch"
	"ridedispatch/internal/modules/location"
	"ridedispatch/internal/modules/offer"
	"ridedispatch/internal/modules/pricing"
	"ridedispatch/internal/modules/trip"
	"ridedispatch/internal/notify"
)

const shutdownTimeout = 20 * time.Second

type repositories struct {
	trips    trip.Repository
	offers   offer.Repository
	dispatch dispatch.Repository
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("load config")
	}
	log := logger.New(logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	repos, closeRepos, err := openRepositories(ctx, cfg, log)
	if err != nil {
		log.WithError(err).Fatal("storage init")
	}
	defer closeRepos()

	var fbApp *firebase.App
	if cfg.Firebase.ProjectID != "" {
		fbApp, err = infra.NewFirebaseApp(ctx, infra.FirebaseConfig{
			ProjectID:       cfg.Firebase.ProjectID,
			CredentialsFile: cfg.Firebase.CredentialsFile,
			DatabaseURL:     cfg.Firebase.DatabaseURL,
		})
		if err != nil {
			log.WithError(err).Fatal("firebase init")
		}
	}

	// Redis is required only as the location source; otherwise it just
	// backs dispatch records and may be absent.
	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient, err = infra.NewRedis(ctx, cfg.Redis.Addr)
		switch {
		case err == nil:
			defer redisClient.Close()
		case cfg.Location.Source == "redis":
			log.WithError(err).Fatal("redis init")
		default:
			log.WithError(err).Warn("redis unavailable, dispatch records kept in memory")
		}
	}

	index, err := openLocationIndex(ctx, cfg, fbApp, redisClient)
	if err != nil {
		log.WithError(err).Fatal("location index init")
	}
	oracle := location.NewRetrying(index, cfg.Dispatch.OracleRetries, cfg.Dispatch.OracleTimeout, log)

	var verifier infra.TokenVerifier = infra.DevVerifier{}
	if cfg.Auth.Mode == "firebase" {
		if verifier, err = infra.NewFirebaseVerifier(ctx, fbApp); err != nil {
			log.WithError(err).Fatal("firebase auth init")
		}
	} else {
		log.Warn("dev auth enabled; bearer tokens are not verified")
	}

	var publisher events.Publisher = events.Noop{}
	if cfg.AMQP.URL != "" {
		mq, err := infra.NewRabbitMQ(cfg.AMQP.URL, cfg.AMQP.Exchange)
		if err != nil {
			log.WithError(err).Fatal("rabbitmq init")
		}
		defer mq.Close()
		publisher = events.NewAMQPPublisher(mq, cfg.AMQP.Exchange)
	}

	var notifier notify.Notifier = notify.Noop{}
	if fbApp != nil {
		fcm, err := notify.NewFCM(ctx, fbApp)
		if err != nil {
			log.WithError(err).Fatal("fcm init")
		}
		notifier = fcm
	}

	var recorder dispatch.Recorder = dispatch.NewMemoryRecorder()
	if redisClient != nil {
		recorder = dispatch.NewRedisRecorder(redisClient)
	}

	var routes pricing.RouteEstimator
	var tripOpts []trip.Option
	if cfg.Maps.APIKey != "" {
		client, err := maps.NewClient(cfg.Maps.APIKey)
		if err != nil {
			log.WithError(err).Fatal("maps client init")
		}
		routes = maps.NewRouteService(client)
		tripOpts = append(tripOpts, trip.WithAddressResolver(maps.NewGeocodeService(client)))
	}
	pricingSvc := pricing.NewService(pricing.Rate{
		BaseCents:    cfg.Pricing.BaseCents,
		PerKmCents:   cfg.Pricing.PerKmCents,
		MinimumCents: cfg.Pricing.MinimumCents,
		Currency:     cfg.Pricing.Currency,
	}, routes, log)

	coordinator := dispatch.NewCoordinator(cfg.Dispatch, cfg.Offer.TTL, oracle, repos.dispatch, log,
		dispatch.WithRecorder(recorder),
		dispatch.WithNotifier(notifier),
		dispatch.WithPublisher(publisher),
	)
	runner := dispatch.NewRunner(coordinator, cfg.Dispatch.Workers, log)

	tripOpts = append(tripOpts, trip.WithPublisher(publisher))
	tripSvc := trip.NewService(repos.trips, pricingSvc, runner, log, tripOpts...)
	offerSvc := offer.NewService(repos.offers, cfg.Offer.TTL, log, offer.WithPublisher(publisher))
	locationSvc := location.NewService(index, log)

	if cfg.Offer.SweepInterval > 0 {
		go offerSvc.RunExpirySweeper(ctx, cfg.Offer.SweepInterval)
	}

	gin.SetMode(gin.ReleaseMode)
	engine := httptransport.NewRouter(httptransport.RouterDeps{
		Trips:    tripSvc,
		Offers:   offerSvc,
		Location: locationSvc,
		Dispatch: recorder,
		Verifier: verifier,
		Log:      log,
	})
	server := httptransport.NewServer(cfg.HTTP.Addr, engine)

	go func() {
		log.WithField("addr", cfg.HTTP.Addr).Info("http server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("http server stopped")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown")
	}
	if err := runner.Close(shutdownCtx); err != nil {
		log.WithError(err).Warn("in-flight dispatches cancelled")
	}
}

func openRepositories(ctx context.Context, cfg config.Config, log logrus.FieldLogger) (repositories, func(), error) {
	if cfg.Storage.Driver == "memory" {
		log.Warn("memory storage; trips are lost on restart")
		db := memstore.New()
		return repositories{trips: db.Trips(), offers: db.Offers(), dispatch: db.Dispatch()}, func() {}, nil
	}

	if cfg.Storage.Migrate {
		if err := infra.Migrate(cfg.Storage.DSN); err != nil {
			return repositories{}, nil, err
		}
	}
	pool, err := infra.NewDB(ctx, cfg.Storage.DSN)
	if err != nil {
		return repositories{}, nil, err
	}
	return repositories{
		trips:    trip.NewStore(pool),
		offers:   offer.NewStore(pool),
		dispatch: dispatch.NewStore(pool),
	}, pool.Close, nil
}

func openLocationIndex(ctx context.Context, cfg config.Config, app *firebase.App, redisClient *redis.Client) (location.Store, error) {
	switch cfg.Location.Source {
	case "redis":
		if redisClient == nil {
			return nil, errors.New("location.source=redis needs redis.addr")
		}
		return location.NewRedisIndex(redisClient), nil
	case "firebase":
		return location.NewFirebaseIndex(ctx, app)
	default:
		return location.NewTreeIndex(), nil
	}
}
