package main

import (
	"context"
	"database/sql"
	"time"

	"github.com/MarcoPoloResearchLab/brewsync/internal/background"
	"github.com/MarcoPoloResearchLab/brewsync/internal/config"
	"github.com/MarcoPoloResearchLab/brewsync/internal/connectivity"
	"github.com/MarcoPoloResearchLab/brewsync/internal/gateway"
	"github.com/MarcoPoloResearchLab/brewsync/internal/hydration"
	"github.com/MarcoPoloResearchLab/brewsync/internal/logging"
	"github.com/MarcoPoloResearchLab/brewsync/internal/records"
	"github.com/MarcoPoloResearchLab/brewsync/internal/refcache"
	"github.com/MarcoPoloResearchLab/brewsync/internal/session"
	"github.com/MarcoPoloResearchLab/brewsync/internal/storage"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// application holds the wired engine for one command invocation.
type application struct {
	config     config.AppConfig
	logger     *zap.Logger
	sqlDB      *sql.DB
	supervisor *background.Supervisor
	session    *session.TokenSession
	gateway    *gateway.HTTPGateway
	prober     *connectivity.Prober
	references *refcache.Service
	records    *records.Service
	hydration  *hydration.Coordinator
}

func newApplication() (*application, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogConsole)
	if err != nil {
		return nil, err
	}

	db, err := storage.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}

	app := &application{config: appConfig, logger: logger, sqlDB: sqlDB}
	closeOnError := func(err error) (*application, error) {
		_ = sqlDB.Close()
		return nil, err
	}

	store, err := storage.NewSQLiteStore(storage.SQLiteStoreConfig{Database: db, Clock: time.Now, Logger: logger})
	if err != nil {
		return closeOnError(err)
	}
	keys, err := storage.NewKeys(appConfig.Namespace)
	if err != nil {
		return closeOnError(err)
	}

	app.supervisor = background.NewSupervisor(background.SupervisorConfig{Logger: logger, Clock: time.Now})
	app.session = session.NewTokenSession(session.TokenSessionConfig{Token: appConfig.SessionToken, Clock: time.Now})

	app.gateway, err = gateway.NewHTTPGateway(gateway.HTTPConfig{
		BaseURL: appConfig.GatewayBaseURL,
		Timeout: appConfig.GatewayTimeout,
		Tokens:  app.session,
		Logger:  logger,
	})
	if err != nil {
		return closeOnError(err)
	}

	app.prober, err = connectivity.NewProber(connectivity.ProberConfig{
		Pinger:   app.gateway,
		Interval: appConfig.ProbeInterval,
		Timeout:  appConfig.ProbeTimeout,
		Logger:   logger,
	})
	if err != nil {
		return closeOnError(err)
	}

	app.references, err = refcache.NewService(refcache.ServiceConfig{
		Store:         store,
		Gateway:       app.gateway,
		Keys:          keys,
		Scheduler:     app.supervisor,
		Clock:         time.Now,
		Logger:        logger,
		CheckCooldown: appConfig.CheckCooldown,
	})
	if err != nil {
		return closeOnError(err)
	}

	app.records, err = records.NewService(records.ServiceConfig{
		Store:            store,
		Gateway:          app.gateway,
		Keys:             keys,
		Connectivity:     app.prober,
		Scheduler:        app.supervisor,
		Clock:            time.Now,
		IDProvider:       records.NewUUIDProvider(),
		Logger:           logger,
		MaxRetries:       appConfig.MaxRetries,
		DrainConcurrency: appConfig.DrainConcurrency,
		AutoDrain:        appConfig.AutoDrain,
	})
	if err != nil {
		return closeOnError(err)
	}

	app.hydration, err = hydration.New(hydration.Config{
		Records:      app.records,
		References:   app.references,
		Session:      app.session,
		Connectivity: app.prober,
		Logger:       logger,
		Clock:        time.Now,
	})
	if err != nil {
		return closeOnError(err)
	}

	return app, nil
}

func (a *application) Close() {
	a.supervisor.Close()
	_ = a.sqlDB.Close()
	_ = a.logger.Sync()
}

// userID prefers the configured user and falls back to the session subject.
func (a *application) userID() string {
	if a.config.UserID != "" {
		return a.config.UserID
	}
	return a.session.UserID()
}

// settle probes once so one-shot commands start with a known connectivity state.
func (a *application) settle(ctx context.Context) bool {
	online := a.prober.Probe(ctx)
	a.logger.Debug("connectivity settled", zap.Bool("online", online))
	return online
}
