// Command ixd is the process that wires config, logging, the relational
// schema, the record-class registry and the HTTP transport into a running
// JMAP server, sequencing bootstrap.Register steps before
// bootstrap.Init.
package main

import (
	"flag"
	"os"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/forbearing/ix/bootstrap"
	"github.com/forbearing/ix/config"
	"github.com/forbearing/ix/dispatch"
	"github.com/forbearing/ix/engine"
	"github.com/forbearing/ix/internal/demo/cookie"
	"github.com/forbearing/ix/internal/exceptionreport"
	"github.com/forbearing/ix/logger"
	zaplogger "github.com/forbearing/ix/logger/zap"
	"github.com/forbearing/ix/recordclass"
	"github.com/forbearing/ix/state"
	"github.com/forbearing/ix/storage"
	httptransport "github.com/forbearing/ix/transport/http"
)

var (
	db   *gorm.DB
	reg  = recordclass.NewRegistry()
	d    *dispatch.Dispatcher
	sink *exceptionreport.Sink
)

func main() {
	configFile := flag.String("config", "", "path to the ini configuration file")
	flag.Parse()

	bootstrap.SetMaxProcs()

	bootstrap.Register(
		func() error { return config.Init(*configFile) },
		func() error { return zaplogger.Init() },
		openDatabase,
		migrateSchema,
		registerHandlers,
	)
	if err := bootstrap.Init(); err != nil {
		zap.S().Fatalw("bootstrap failed", "error", err)
	}

	r := gin.New()
	r.Use(httptransport.Recovery(logger.Transport, sink, true))

	h := httptransport.New(d, newContext)
	r.POST("/jmap", h.Serve)
	r.GET("/jmap/session", httptransport.Session(sessionInfo))

	logger.Bootstrap.Info("listening", zap.String("addr", config.App.Server.Listen))
	if err := r.Run(config.App.Server.Listen); err != nil {
		zap.S().Fatalw("server exited", "error", err)
		os.Exit(1)
	}
}

func openDatabase() (err error) {
	switch config.App.Database.Driver {
	case "postgres":
		c := config.App.Postgres
		dsn := "host=" + c.Host + " dbname=" + c.Database + " user=" + c.Username + " password=" + c.Password + " sslmode=" + c.SSLMode
		db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{})
	default:
		db, err = gorm.Open(sqlite.Open(config.App.Sqlite.Path), &gorm.Config{})
	}
	return err
}

func migrateSchema() error {
	if err := db.AutoMigrate(&state.Row{}); err != nil {
		return err
	}
	return storage.Migrate(db, cookie.Class)
}

func registerHandlers() error {
	sink = exceptionreport.New(logger.Dispatch)
	reg.Register(cookie.Handlers())
	d = dispatch.New(reg)
	d.SynthesizeClientID = config.App.Dispatcher.SynthesizeClientID
	d.OptimizeCalls = dispatch.BatchGetOptimizer(reg)
	return nil
}

// newContext builds a request-scoped engine.Context. A real deployment
// replaces this with one that derives AccountID and IsSystem from the
// authenticated session; this demo context treats every caller as the
// single "demo" account and allows every method (a nil MayCall) without
// setting IsSystem, matching authn/authz being out of this engine's scope.
func newContext(c *gin.Context) (*engine.Context, error) {
	return engine.New(c.Request.Context(), db, "demo", nil, sink), nil
}

func sessionInfo(c *gin.Context) httptransport.SessionInfo {
	return httptransport.SessionInfo{
		APIURL:          "/jmap",
		Accounts:        map[string]map[string]any{"demo": {"name": "demo", "isPersonal": true}},
		PrimaryAccounts: map[string]string{"generic": "demo"},
		Capabilities:    map[string]any{"urn:ietf:params:jmap:core": map[string]any{"maxSizeRequest": 10000000}},
		State:           "0",
	}
}
