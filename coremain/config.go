package coremain

import (
	"github.com/TecArt/tecart-http-proxy/mlog"
)

type Config struct {
	Log    mlog.LogConfig `yaml:"log"`
	Listen ListenConfig   `yaml:"listen"`
	DNS    DNSConfig      `yaml:"dns"`

	// RequestTimeout is the upstream connect/transfer inactivity
	// bound in seconds. Default 30.
	RequestTimeout uint `yaml:"request_timeout"`

	Cache CacheConfig `yaml:"cache"`
	API   APIConfig   `yaml:"api"`
}

type ListenConfig struct {
	// Port to accept proxy connections on. Default 3128.
	Port uint16 `yaml:"port"`

	// IPs to bind. An empty string means all IPv4 interfaces.
	// Default is one listener on all interfaces.
	IPs []string `yaml:"ips"`
}

type DNSConfig struct {
	// TTL is the cache record lifetime in seconds. Default 3600.
	TTL uint `yaml:"ttl"`

	// TestTimeout bounds one connectivity probe, in seconds.
	// Default 1. Only used when Probe is true.
	TestTimeout uint `yaml:"test_timeout"`

	// GarbageLoopTime is the interval between cache sweeps in
	// seconds. Default 60.
	GarbageLoopTime uint `yaml:"garbage_loop_time"`

	// RetainCache keeps records alive by sliding their expiry
	// forward on every successful lookup.
	RetainCache bool `yaml:"retain_cache"`

	// Probe enables a pre-connect reachability check on each
	// candidate IP.
	Probe bool `yaml:"probe"`

	// Servers are DNS servers ("ip:port") to query directly.
	// Empty means the OS resolver.
	Servers []string `yaml:"servers"`
}

type CacheConfig struct {
	// Redis switches the DNS cache to a redis backend, e.g.
	// "redis://localhost:6379/0". Empty means in-memory.
	Redis string `yaml:"redis"`
}

type APIConfig struct {
	// HTTP is the listen address of the metrics/pprof API server.
	// Empty disables it.
	HTTP string `yaml:"http"`
}

func DefaultConfig() *Config {
	return &Config{
		Log: mlog.LogConfig{
			Level: "info",
			Type:  "stderr",
		},
		Listen: ListenConfig{
			Port: 3128,
			IPs:  []string{""},
		},
		DNS: DNSConfig{
			TTL:             3600,
			TestTimeout:     1,
			GarbageLoopTime: 60,
			RetainCache:     true,
		},
		RequestTimeout: 30,
	}
}

// init fills unset numeric fields with their defaults.
func (c *Config) init() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 3128
	}
	if len(c.Listen.IPs) == 0 {
		c.Listen.IPs = []string{""}
	}
	if c.DNS.TTL == 0 {
		c.DNS.TTL = 3600
	}
	if c.DNS.TestTimeout == 0 {
		c.DNS.TestTimeout = 1
	}
	if c.DNS.GarbageLoopTime == 0 {
		c.DNS.GarbageLoopTime = 60
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 30
	}
}
