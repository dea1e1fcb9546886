package coremain

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/TecArt/tecart-http-proxy/mlog"
	"github.com/TecArt/tecart-http-proxy/pkg/dialer"
	"github.com/TecArt/tecart-http-proxy/pkg/dnscache"
	"github.com/TecArt/tecart-http-proxy/pkg/dnscache/mem_cache"
	"github.com/TecArt/tecart-http-proxy/pkg/dnscache/redis_cache"
	"github.com/TecArt/tecart-http-proxy/pkg/resolver"
	"github.com/TecArt/tecart-http-proxy/pkg/safe_close"
	"github.com/TecArt/tecart-http-proxy/pkg/server"
	"github.com/TecArt/tecart-http-proxy/pkg/server/proxy_handler"
)

// Proxy ties the components of one running proxy instance together.
type Proxy struct {
	logger *zap.Logger

	cache  dnscache.Backend
	dialer *dialer.RetryDialer

	httpAPIMux *http.ServeMux
	metricsReg *prometheus.Registry

	sc *safe_close.SafeClose
}

// activeProxy is the running instance, read by the service Stop hook.
var activeProxy atomic.Pointer[Proxy]

// RunProxy builds the proxy from cfg and blocks until shutdown.
func RunProxy(cfg *Config) error {
	cfg.init()

	lg, err := mlog.NewLogger(&cfg.Log)
	if err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}

	p := &Proxy{
		logger:     lg,
		httpAPIMux: http.NewServeMux(),
		metricsReg: newMetricsReg(),
		sc:         safe_close.NewSafeClose(),
	}
	activeProxy.Store(p)
	defer activeProxy.CompareAndSwap(p, nil)

	p.httpAPIMux.Handle("/metrics", promhttp.HandlerFor(p.metricsReg, promhttp.HandlerOpts{}))
	p.httpAPIMux.HandleFunc("/debug/pprof/", pprof.Index)
	p.httpAPIMux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	p.httpAPIMux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	p.httpAPIMux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	p.httpAPIMux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	// DNS cache backend.
	ttl := time.Duration(cfg.DNS.TTL) * time.Second
	if len(cfg.Cache.Redis) > 0 {
		opt, err := redis.ParseURL(cfg.Cache.Redis)
		if err != nil {
			return fmt.Errorf("invalid redis url, %w", err)
		}
		client := redis.NewClient(opt)
		p.cache, err = redis_cache.NewRedisCache(redis_cache.RedisCacheOpts{
			Client:       client,
			ClientCloser: client,
			TTL:          ttl,
			Retain:       cfg.DNS.RetainCache,
			Logger:       lg,
		})
		if err != nil {
			return fmt.Errorf("failed to init redis cache, %w", err)
		}
		lg.Info("using redis dns cache")
	} else {
		p.cache = mem_cache.NewMemCache(ttl, cfg.DNS.RetainCache)
	}
	defer p.cache.Close()

	// Garbage collection loop.
	sweeper := dnscache.NewSweeper(p.cache, time.Duration(cfg.DNS.GarbageLoopTime)*time.Second, lg)
	p.sc.Attach(sweeper.Run)

	// Resolver.
	var r resolver.Resolver
	if len(cfg.DNS.Servers) > 0 {
		r, err = resolver.NewUpstreamResolver(resolver.UpstreamResolverOpts{
			Servers: cfg.DNS.Servers,
			Logger:  lg,
		})
		if err != nil {
			return fmt.Errorf("failed to init upstream resolver, %w", err)
		}
		lg.Info("using upstream dns servers", zap.Strings("servers", cfg.DNS.Servers))
	} else {
		r = resolver.NewSystemResolver()
	}
	r = resolver.Dedup(r)

	// Retry dispatcher.
	p.dialer, err = dialer.NewRetryDialer(dialer.RetryDialerOpts{
		Cache:          p.cache,
		Resolver:       r,
		Logger:         lg,
		ConnectTimeout: time.Duration(cfg.RequestTimeout) * time.Second,
		Probe:          cfg.DNS.Probe,
		ProbeTimeout:   time.Duration(cfg.DNS.TestTimeout) * time.Second,
	})
	if err != nil {
		return fmt.Errorf("failed to init dialer, %w", err)
	}

	// Connection handler and servers.
	handler, err := proxy_handler.NewHandler(proxy_handler.HandlerOpts{
		Dialer:         p.dialer,
		Logger:         lg,
		RequestTimeout: time.Duration(cfg.RequestTimeout) * time.Second,
		Metrics:        proxy_handler.NewMetrics(prometheus.WrapRegistererWithPrefix("tecproxy_", p.metricsReg)),
	})
	if err != nil {
		return fmt.Errorf("failed to init proxy handler, %w", err)
	}

	srv := server.NewServer(server.ServerOpts{
		Logger:  lg,
		Handler: handler,
	})

	for _, ip := range cfg.Listen.IPs {
		if len(ip) == 0 {
			// All IPv4 interfaces.
			ip = "0.0.0.0"
		}
		addr := net.JoinHostPort(ip, fmt.Sprint(cfg.Listen.Port))
		l, err := net.Listen("tcp", addr)
		if err != nil {
			// Bind failures are the only fatal runtime error.
			return fmt.Errorf("failed to listen on %s, %w", addr, err)
		}
		lg.Info("proxy listening", zap.Stringer("addr", l.Addr()))

		p.sc.Attach(func(done func(), closeSignal <-chan struct{}) {
			defer done()
			errChan := make(chan error, 1)
			go func() {
				errChan <- srv.ServeTCP(l)
			}()
			select {
			case err := <-errChan:
				if !errors.Is(err, server.ErrServerClosed) {
					p.sc.SendCloseSignal(err)
				}
			case <-closeSignal:
				srv.Close()
			}
		})
	}

	// Metrics / pprof API server.
	if httpAddr := cfg.API.HTTP; len(httpAddr) > 0 {
		httpServer := &http.Server{
			Addr:    httpAddr,
			Handler: p.httpAPIMux,
		}
		p.sc.Attach(func(done func(), closeSignal <-chan struct{}) {
			defer done()
			errChan := make(chan error, 1)
			go func() {
				lg.Info("starting api http server", zap.String("addr", httpAddr))
				errChan <- httpServer.ListenAndServe()
			}()
			select {
			case err := <-errChan:
				p.sc.SendCloseSignal(err)
			case <-closeSignal:
				httpServer.Close()
			}
		})
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		sig := <-sigChan
		lg.Info("signal received, exiting", zap.Stringer("signal", sig))
		p.sc.SendCloseSignal(nil)
	}()

	<-p.sc.ReceiveCloseSignal()
	p.sc.Done()
	p.sc.CloseWait()
	return p.sc.Err()
}

// GetSafeClose returns the lifecycle handle of this instance.
func (p *Proxy) GetSafeClose() *safe_close.SafeClose {
	return p.sc
}

func newMetricsReg() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())
	return reg
}
