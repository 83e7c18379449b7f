// Package config is the layered configuration the engine's host process
// reads at startup: github.com/spf13/viper loads
// an ini file, github.com/creasty/defaults fills in zero-value fields,
// and AutomaticEnv lets a key present in that file be overridden by an
// upper-cased, dot-to-underscore environment variable; with no file
// loaded, App keeps its defaults. App is the process-wide
// singleton every other package reads through, never mutated after Init.
package config

import (
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/creasty/defaults"
	"github.com/go-viper/encoding/ini"
	"github.com/spf13/viper"
)

// App is the process-wide configuration singleton, populated by Init and
// read thereafter by bootstrap, logger/zap and cmd/ixd. Never mutated
// outside of Init.
var App = new(Config)

var (
	mu      sync.RWMutex
	cv      *viper.Viper
	inited  bool
)

// Config is the root configuration object; each embedded section mirrors
// one ambient concern of the engines's host process.
type Config struct {
	Server     Server     `mapstructure:"server" ini:"server"`
	Dispatcher Dispatcher `mapstructure:"dispatcher" ini:"dispatcher"`
	Database   Database   `mapstructure:"database" ini:"database"`
	Postgres   Postgres   `mapstructure:"postgres" ini:"postgres"`
	Sqlite     Sqlite     `mapstructure:"sqlite" ini:"sqlite"`
	Logger     Logger     `mapstructure:"logger" ini:"logger"`
}

// Server controls the HTTP transport's listen address and timeouts.
type Server struct {
	Listen       string `mapstructure:"listen" ini:"listen" default:":8080"`
	ReadTimeout  int    `mapstructure:"read_timeout" ini:"read_timeout" default:"15"`
	WriteTimeout int    `mapstructure:"write_timeout" ini:"write_timeout" default:"15"`
}

// Dispatcher holds the request dispatcher's per-batch settings. cmd/ixd
// applies only SynthesizeClientID; MaxCalls is not read anywhere, and the
// batch cap is the constant dispatch.MaxCalls.
type Dispatcher struct {
	MaxCalls           int  `mapstructure:"max_calls" ini:"max_calls" default:"5000"`
	SynthesizeClientID bool `mapstructure:"synthesize_client_id" ini:"synthesize_client_id" default:"false"`
}

// Database selects which relational dialect backs package storage.
type Database struct {
	Driver string `mapstructure:"driver" ini:"driver" default:"sqlite"`
}

// Postgres is the DSN for the production dialect.
type Postgres struct {
	Host     string `mapstructure:"host" ini:"host" default:"127.0.0.1"`
	Port     int    `mapstructure:"port" ini:"port" default:"5432"`
	Database string `mapstructure:"database" ini:"database" default:"ix"`
	Username string `mapstructure:"username" ini:"username" default:"ix"`
	Password string `mapstructure:"password" ini:"password"`
	SSLMode  string `mapstructure:"sslmode" ini:"sslmode" default:"disable"`
}

// Sqlite is the DSN for the test/dev dialect.
type Sqlite struct {
	Path string `mapstructure:"path" ini:"path" default:"ix.db"`
}

// Logger controls logger/zap.Init.
type Logger struct {
	Level      string `mapstructure:"level" ini:"level" default:"info"`
	Format     string `mapstructure:"format" ini:"format" default:"json"`
	Dir        string `mapstructure:"dir" ini:"dir" default:""`
	MaxSize    int    `mapstructure:"max_size" ini:"max_size" default:"100"`
	MaxAge     int    `mapstructure:"max_age" ini:"max_age" default:"7"`
	MaxBackups int    `mapstructure:"max_backups" ini:"max_backups" default:"10"`
}

// Init loads configFile (if non-empty) into App, applying struct
// defaults first: defaults, then file, then environment. Environment
// variables take effect only through the file's unmarshal, so they
// override keys the file contains; with configFile empty, App keeps its
// defaults and the environment is not consulted.
func Init(configFile string) error {
	mu.Lock()
	defer mu.Unlock()

	if err := defaults.Set(App); err != nil {
		return errors.Wrap(err, "config: set defaults")
	}

	codecRegistry := viper.NewCodecRegistry()
	if err := codecRegistry.RegisterCodec("ini", ini.Codec{}); err != nil {
		return errors.Wrap(err, "config: register ini codec")
	}
	cv = viper.NewWithOptions(viper.WithCodecRegistry(codecRegistry))
	cv.SetConfigType("ini")
	cv.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	cv.AutomaticEnv()

	if configFile != "" {
		cv.SetConfigFile(configFile)
		if err := cv.ReadInConfig(); err != nil {
			return errors.Wrapf(err, "config: read %s", configFile)
		}
		if err := cv.Unmarshal(App); err != nil {
			return errors.Wrap(err, "config: unmarshal")
		}
	}

	inited = true
	return nil
}

// Inited reports whether Init has run.
func Inited() bool {
	mu.RLock()
	defer mu.RUnlock()
	return inited
}
