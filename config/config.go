// Package config loads the engine's configuration knobs through viper,
// mirroring weed/util/config.go's search-path and env-override
// conventions.
package config

import (
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/spf13/viper"
)

// Configuration is the minimal read surface callers need; a narrower
// interface than *viper.Viper so call sites can be satisfied by a fake in
// tests.
type Configuration interface {
	GetString(key string) string
	GetBool(key string) bool
	GetInt(key string) int
	SetDefault(key string, value interface{})
}

// Config holds the resolved knobs for one engine instance.
type Config struct {
	CreditsMax        int
	ChecksumsEnabled  bool
	RPCDialTimeout    time.Duration
	RPCRequestTimeout time.Duration
	OffloadQueueDepth int
	LayoutCacheTTL    time.Duration
	LayoutCacheSize   int
	StorePath         string
}

// Defaults returns the engine's configuration defaults.
func Defaults() Config {
	return Config{
		CreditsMax:        256,
		ChecksumsEnabled:  false,
		RPCDialTimeout:    2 * time.Second,
		RPCRequestTimeout: 30 * time.Second,
		OffloadQueueDepth: 64,
		LayoutCacheTTL:    60 * time.Second,
		LayoutCacheSize:   4096,
		StorePath:         "./ecagg-data",
	}
}

var (
	vpOnce sync.Once
	vp     *viper.Viper
)

// GetViper returns the process-wide viper instance, env-prefixed ECAGG_,
// matching weed/util/config.go's GetViper().
func GetViper() *viper.Viper {
	vpOnce.Do(func() {
		vp = viper.New()
		vp.AutomaticEnv()
		vp.SetEnvPrefix("ecagg")
		vp.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	})
	return vp
}

// Load reads ecagg.toml from the search paths below, falling back to
// Defaults() for any key that is not set. required controls whether a
// missing file is fatal.
func Load(required bool) Config {
	v := GetViper()
	v.SetConfigName("ecagg")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.ecagg")
	v.AddConfigPath("/etc/ecagg/")

	d := Defaults()
	v.SetDefault("credits_max", d.CreditsMax)
	v.SetDefault("checksums_enabled", d.ChecksumsEnabled)
	v.SetDefault("rpc.dial_timeout_ms", d.RPCDialTimeout.Milliseconds())
	v.SetDefault("rpc.request_timeout_ms", d.RPCRequestTimeout.Milliseconds())
	v.SetDefault("offload.queue_depth", d.OffloadQueueDepth)
	v.SetDefault("layout_cache.ttl_s", int(d.LayoutCacheTTL.Seconds()))
	v.SetDefault("layout_cache.size", d.LayoutCacheSize)
	v.SetDefault("store.path", d.StorePath)

	if err := v.MergeInConfig(); err != nil {
		if required {
			glog.Fatalf("ecagg: required config ecagg.toml not found: %v", err)
		}
		glog.V(1).Infof("ecagg: no ecagg.toml found, using defaults: %v", err)
	}

	return Config{
		CreditsMax:        v.GetInt("credits_max"),
		ChecksumsEnabled:  v.GetBool("checksums_enabled"),
		RPCDialTimeout:    time.Duration(v.GetInt64("rpc.dial_timeout_ms")) * time.Millisecond,
		RPCRequestTimeout: time.Duration(v.GetInt64("rpc.request_timeout_ms")) * time.Millisecond,
		OffloadQueueDepth: v.GetInt("offload.queue_depth"),
		LayoutCacheTTL:    time.Duration(v.GetInt("layout_cache.ttl_s")) * time.Second,
		LayoutCacheSize:   v.GetInt("layout_cache.size"),
		StorePath:         v.GetString("store.path"),
	}
}
