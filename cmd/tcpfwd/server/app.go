package server

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/OnitiFR/tcpfwd/common"
)

// App describes an the application
type App struct {
	Config     *AppConfig
	Log        *Log
	RuleDB     *RuleDatabase
	PortServer *PortServer
	Metrics    *Metrics

	metricsServer *http.Server
}

// NewApp creates a new application: rules are loaded and every listener
// is opened, nothing is accepted before Run() is called.
// Errors are *common.ConfigError (rules) or *ListenError (listeners).
func NewApp(config *AppConfig, trace bool) (*App, error) {
	return NewAppWithResolver(config, trace, common.ResolveTCP)
}

// NewAppWithResolver is NewApp with a custom backend resolver
func NewAppWithResolver(config *AppConfig, trace bool, resolve common.ResolveFunc) (*App, error) {
	app := &App{
		Config:  config,
		Log:     NewLog(trace),
		Metrics: NewMetrics(),
	}

	app.Log.Trace("starting application")

	err := app.initRuleDB(resolve)
	if err != nil {
		return nil, err
	}

	app.PortServer, err = NewPortServer(app.Config, app.RuleDB.Rules(), app.Log, app.Metrics)
	if err != nil {
		return nil, err
	}

	if app.Config.MetricsAddress != "" {
		app.metricsServer, err = app.Metrics.Serve(app.Config.MetricsAddress, app.Log)
		if err != nil {
			app.PortServer.Close()
			return nil, err
		}
	}

	return app, nil
}

func (app *App) initRuleDB(resolve common.ResolveFunc) error {
	rdb, err := NewRuleDatabase(app.Config.RulesFile, resolve)
	if err != nil {
		return err
	}
	app.RuleDB = rdb

	app.Log.Infof("found %d rule(s) in %s", app.RuleDB.Count(), app.RuleDB.Filename())
	return nil
}

// Run will start the app (in the foreground) until Shutdown is called
func (app *App) Run() error {
	app.Log.Info("running port forwarder…")
	err := app.PortServer.Run()

	if app.metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		app.metricsServer.Shutdown(ctx)
	}

	return err
}

// Shutdown stops accepting connections, closes every pair and makes
// Run return
func (app *App) Shutdown() {
	app.PortServer.Shutdown()
}

// Dump writes the application state and all goroutine stacks to w
func (app *App) Dump(w io.Writer) {
	app.PortServer.Dump(w)
	writeGoroutineStacks(w)
}
