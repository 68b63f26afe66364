// Package config loads the broker's startup configuration from an
// INI-style file, the format the existing operator tooling already
// produces: a typed, validated settle-point between raw input and the
// rest of the process, with safe defaults for everything ambient.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"gopkg.in/ini.v1"
)

const (
	defaultReuseWindow   = 600 * time.Second
	defaultMaxOpenConns  = 25
	defaultMaxIdleConns  = 5
	defaultConnLifetime  = 30 * time.Minute
	defaultConnIdleTime  = 10 * time.Minute
	defaultMaxConcurrent = 20
)

// ErrMissingDBEngine is returned when DB.engine is absent or unrecognized.
var ErrMissingDBEngine = errors.New("config: DB.engine is required and must be one of postgres, mysql, sqlite")

// Config is the broker's fully-resolved startup configuration (§6).
type Config struct {
	// DBEngine selects the Store backend: "postgres", "mysql", or "sqlite".
	DBEngine string
	// DSN is the backend-specific connection string (DB.dsn). For sqlite
	// this is a file path.
	DSN string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration

	// ReuseWindow is ZONEMASTER.age_reuse_previous_test, as a duration.
	ReuseWindow time.Duration
	// LockOnQueue is ZONEMASTER.lock_on_queue, the queue tag this broker
	// instance is configured for. It is copied into rpcserver.Config; no
	// broker code path reads it.
	LockOnQueue int
	// MaxConcurrentPerQueue is ZONEMASTER.max_concurrent_per_queue, a cap
	// on in-flight (started, unfinished) tests per queue in the shape of
	// ClaimNext's maxConcurrent argument; not named in §6's table, so it
	// gets a same-file default. It is copied into rpcserver.Config; the
	// broker itself never calls ClaimNext.
	MaxConcurrentPerQueue int

	// EnableAddAPIUser / EnableAddBatchJob gate add_api_user/add_batch_job;
	// false makes the method respond MethodNotFound (§7).
	EnableAddAPIUser  bool
	EnableAddBatchJob bool

	// Locales is the configured LANGUAGE.locale set as written, e.g.
	// ["en_US.UTF-8", "sv_SE.UTF-8"].
	Locales []string

	// PublicProfiles / PrivateProfiles map profile name -> policy file
	// path (§6). Only the names participate in validate.Validator; the
	// paths are out of scope (policy content is external, §1).
	PublicProfiles  map[string]string
	PrivateProfiles map[string]string

	// ListenAddr is the RPC server bind address, an ambient setting the
	// spec's table omits because it predates the broker split.
	ListenAddr string
}

// Load parses path as an INI file and returns a validated Config.
func Load(path string) (*Config, error) {
	f, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("config: loading %s: %w", path, err)
	}

	c := &Config{
		MaxOpenConns:          defaultMaxOpenConns,
		MaxIdleConns:          defaultMaxIdleConns,
		ConnMaxLifetime:       defaultConnLifetime,
		ConnMaxIdleTime:       defaultConnIdleTime,
		ReuseWindow:           defaultReuseWindow,
		MaxConcurrentPerQueue: defaultMaxConcurrent,
		ListenAddr:            ":5000",
		PublicProfiles:        map[string]string{"default": ""},
		PrivateProfiles:       map[string]string{},
	}

	db := f.Section("DB")
	c.DBEngine = strings.ToLower(strings.TrimSpace(db.Key("engine").String()))
	c.DSN = db.Key("dsn").String()
	if v, err := db.Key("max_open_conns").Int(); err == nil && v > 0 {
		c.MaxOpenConns = v
	}
	if v, err := db.Key("max_idle_conns").Int(); err == nil && v > 0 {
		c.MaxIdleConns = v
	}

	switch c.DBEngine {
	case "postgres", "mysql", "sqlite":
	default:
		return nil, ErrMissingDBEngine
	}

	zm := f.Section("ZONEMASTER")
	if secs, err := zm.Key("age_reuse_previous_test").Int(); err == nil {
		c.ReuseWindow = time.Duration(secs) * time.Second
	}
	c.LockOnQueue, _ = zm.Key("lock_on_queue").Int()
	if v, err := zm.Key("max_concurrent_per_queue").Int(); err == nil && v > 0 {
		c.MaxConcurrentPerQueue = v
	}

	rpc := f.Section("RPCAPI")
	c.EnableAddAPIUser = rpc.Key("enable_add_api_user").MustBool(true)
	c.EnableAddBatchJob = rpc.Key("enable_add_batch_job").MustBool(true)

	lang := f.Section("LANGUAGE")
	if raw := lang.Key("locale").String(); raw != "" {
		c.Locales = strings.Fields(raw)
	}

	if pub, err := f.GetSection("PUBLIC_PROFILES"); err == nil {
		for _, key := range pub.Keys() {
			c.PublicProfiles[strings.ToLower(key.Name())] = key.String()
		}
	}
	if priv, err := f.GetSection("PRIVATE_PROFILES"); err == nil {
		for _, key := range priv.Keys() {
			c.PrivateProfiles[strings.ToLower(key.Name())] = key.String()
		}
	}

	if addr := f.Section("").Key("listen_addr").String(); addr != "" {
		c.ListenAddr = addr
	}

	return c, nil
}

// ProfileNames returns the union of public and private profile names, the
// set validate.NewValidator is constructed from.
func (c *Config) ProfileNames() []string {
	names := make([]string, 0, len(c.PublicProfiles)+len(c.PrivateProfiles))
	for name := range c.PublicProfiles {
		names = append(names, name)
	}
	for name := range c.PrivateProfiles {
		names = append(names, name)
	}
	return names
}
