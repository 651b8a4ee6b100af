package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/seatsync/internal/accounts"
	"github.com/MarcoPoloResearchLab/seatsync/internal/auditlog"
	"github.com/MarcoPoloResearchLab/seatsync/internal/auth"
	"github.com/MarcoPoloResearchLab/seatsync/internal/billing"
	"github.com/MarcoPoloResearchLab/seatsync/internal/config"
	"github.com/MarcoPoloResearchLab/seatsync/internal/cursors"
	"github.com/MarcoPoloResearchLab/seatsync/internal/database"
	"github.com/MarcoPoloResearchLab/seatsync/internal/driver"
	"github.com/MarcoPoloResearchLab/seatsync/internal/events"
	"github.com/MarcoPoloResearchLab/seatsync/internal/locking"
	"github.com/MarcoPoloResearchLab/seatsync/internal/logging"
	"github.com/MarcoPoloResearchLab/seatsync/internal/metrics"
	"github.com/MarcoPoloResearchLab/seatsync/internal/provider"
	"github.com/MarcoPoloResearchLab/seatsync/internal/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const metricsNamespace = "seatsync"

var errMissingSigningSecret = errors.New("auth.signing_secret is required to issue operator tokens")

// application holds the wired components one command needs.
type application struct {
	config     config.AppConfig
	logger     *zap.Logger
	db         *gorm.DB
	entries    *auditlog.Store
	cursors    *cursors.Store
	accounts   *accounts.Directory
	dispatcher *events.Dispatcher
	registry   *prometheus.Registry
	metrics    *metrics.PrometheusObserver
	processor  *billing.Processor
	closers    []func() error
}

type applicationOptions struct {
	withProcessor bool
}

func newApplication(options applicationOptions) (*application, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogEncoding)
	if err != nil {
		return nil, err
	}

	app := &application{config: appConfig, logger: logger, dispatcher: events.NewDispatcher()}
	app.closers = append(app.closers, func() error {
		_ = logger.Sync()
		return nil
	})

	db, err := database.Open(database.Options{
		Driver: appConfig.Database.Driver,
		Path:   appConfig.Database.Path,
		DSN:    appConfig.Database.DSN,
	}, logger)
	if err != nil {
		app.close()
		return nil, err
	}
	app.db = db
	sqlDB, err := db.DB()
	if err != nil {
		app.close()
		return nil, err
	}
	app.closers = append(app.closers, sqlDB.Close)

	if app.entries, err = auditlog.NewStore(db); err != nil {
		app.close()
		return nil, err
	}
	if app.cursors, err = cursors.NewStore(db, app.entries); err != nil {
		app.close()
		return nil, err
	}
	if app.accounts, err = accounts.NewDirectory(db); err != nil {
		app.close()
		return nil, err
	}

	app.registry = prometheus.NewRegistry()
	app.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if app.metrics, err = metrics.NewPrometheusObserver(metricsNamespace, app.registry); err != nil {
		app.close()
		return nil, err
	}

	if options.withProcessor {
		subscriptions, err := app.newProvider()
		if err != nil {
			app.close()
			return nil, err
		}
		app.processor, err = billing.NewProcessor(billing.ProcessorConfig{
			Cursors:  app.cursors,
			Accounts: app.accounts,
			Provider: subscriptions,
			Notifier: app.dispatcher,
			Observer: app.metrics,
			Logger:   logger.Named("billing"),
			Clock:    time.Now,
		})
		if err != nil {
			app.close()
			return nil, err
		}
	}

	return app, nil
}

func (a *application) newProvider() (provider.Provider, error) {
	if err := a.config.Provider.Validate(); err != nil {
		return nil, err
	}
	logger := a.logger.Named("provider")
	var subscriptions provider.Provider
	switch a.config.Provider.Kind {
	case config.ProviderKindMemory:
		logger.Warn("using in-memory subscription provider; seat counts are not persisted")
		subscriptions = provider.NewMemoryProvider()
	default:
		stripeProvider, err := provider.NewStripeProvider(provider.StripeConfig{
			SecretKey: a.config.Provider.StripeSecretKey,
			Logger:    logger,
		})
		if err != nil {
			return nil, err
		}
		subscriptions = stripeProvider
	}
	return provider.Instrument(subscriptions, a.metrics, logger), nil
}

func (a *application) newLocker(ctx context.Context) (locking.Locker, error) {
	if a.config.Redis.Address == "" {
		return locking.NewLocalLocker(), nil
	}
	locker, err := locking.NewRedisLocker(ctx, locking.RedisConfig{
		Address:  a.config.Redis.Address,
		Password: a.config.Redis.Password,
		DB:       a.config.Redis.DB,
		Logger:   a.logger.Named("locking"),
	})
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, locker.Close)
	return locker, nil
}

func (a *application) newRunner(ctx context.Context) (*driver.Runner, error) {
	locker, err := a.newLocker(ctx)
	if err != nil {
		return nil, err
	}
	return driver.NewRunner(driver.Config{
		Stepper:     a.processor,
		Cursors:     a.cursors,
		Locker:      locker,
		Concurrency: a.config.Driver.Concurrency,
		LeaseTTL:    a.config.Driver.LockTTL,
		Recorder:    a.metrics,
		Logger:      a.logger.Named("driver"),
	})
}

func (a *application) newTokenIssuer() (*auth.TokenIssuer, error) {
	if a.config.Auth.SigningSecret == "" {
		return nil, errMissingSigningSecret
	}
	return auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(a.config.Auth.SigningSecret),
		Issuer:        a.config.Auth.Issuer,
		Audience:      a.config.Auth.Audience,
		TokenTTL:      a.config.Auth.TokenTTL,
	})
}

func (a *application) newStatusServer() (*http.Server, error) {
	tokens, err := a.newTokenIssuer()
	if err != nil {
		return nil, err
	}
	handler, err := server.NewHTTPHandler(server.Dependencies{
		Cursors:        a.cursors,
		Tokens:         tokens,
		Events:         a.dispatcher,
		MetricsHandler: promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}),
		AllowedOrigins: a.config.HTTP.AllowedOrigins,
		Logger:         a.logger.Named("http"),
	})
	if err != nil {
		return nil, err
	}
	return &http.Server{
		Addr:              a.config.HTTP.Address,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}, nil
}

func (a *application) close() {
	for index := len(a.closers) - 1; index >= 0; index-- {
		if err := a.closers[index](); err != nil && a.logger != nil {
			a.logger.Warn("shutdown step failed", zap.Error(err))
		}
	}
	a.closers = nil
}
