// Command witmproxy is the proxy core: it loads configuration, mints TLS
// certificates for MITM interception, runs the WASM plugin pipeline, and
// forwards intercepted traffic upstream. CLI ergonomics beyond locating a
// config file, persistent plugin storage, and any admin/web UI are
// out-of-scope external collaborators (spec.md §1); this binary only does
// what the core itself owns.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/witmproxy/witmproxy/internal/config"
	"github.com/witmproxy/witmproxy/internal/dispatch"
	"github.com/witmproxy/witmproxy/internal/metrics"
	"github.com/witmproxy/witmproxy/internal/proxycert"
	"github.com/witmproxy/witmproxy/internal/proxyerr"
	"github.com/witmproxy/witmproxy/internal/proxyhandler"
	"github.com/witmproxy/witmproxy/internal/registry"
	"github.com/witmproxy/witmproxy/internal/wasmhost"
)

func main() {
	configPath := flag.String("config", "", "path to the TOML config file (defaults built in if empty)")
	debug := flag.Bool("debug", false, "enable verbose development logging")
	flag.Parse()

	log := buildLogger(*debug)
	defer log.Sync()

	if err := run(log, *configPath); err != nil {
		log.Error("witmproxy exited with an error", zap.Error(err), zap.String("kind", proxyerr.Classify(err).String()))
		os.Exit(1)
	}
}

func buildLogger(debug bool) *zap.Logger {
	var log *zap.Logger
	var err error
	if debug {
		log, err = zap.NewDevelopment()
	} else {
		log, err = zap.NewProduction()
	}
	if err != nil {
		panic("witmproxy: unable to build logger: " + err.Error())
	}
	return log
}

func run(log *zap.Logger, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	ca, err := proxycert.New(proxycert.Options{
		CertDir:   cfg.TLS.CertDir,
		CacheSize: cfg.TLS.CacheSize,
		Log:       log,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", proxyerr.ErrCertificate, err)
	}
	ca.SetMintListener(m.CertMinted)
	ca.SetEvictionListener(m.CertEvicted)

	rt, err := wasmhost.New(ctx, log)
	if err != nil {
		return err
	}
	defer rt.Close(ctx)

	catalog := registry.New(rt, registry.NopStore{}, log)

	invoker := &dispatch.WasmInvoker{
		Runtime:  rt,
		Compiled: catalog,
		Imports:  defaultHostImports(log),
		Limits:   limitsFromConfig(cfg.Plugins),
	}
	dispatcher := dispatch.New(catalog, invoker, log)
	dispatcher.SetMetrics(m)

	handler := proxyhandler.New(proxyhandler.Options{
		CA:         ca,
		Dispatcher: dispatcher,
		Upstream:   proxyhandler.NewHTTPTransport(),
		Log:        log,
	})

	proxyLn, err := net.Listen("tcp", cfg.Proxy.BindAddr)
	if err != nil {
		return fmt.Errorf("%w: binding proxy listener on %s: %v", proxyerr.ErrConfig, cfg.Proxy.BindAddr, err)
	}

	metricsLn, err := net.Listen("tcp", cfg.Web.BindAddr)
	if err != nil {
		proxyLn.Close()
		return fmt.Errorf("%w: binding metrics listener on %s: %v", proxyerr.ErrConfig, cfg.Web.BindAddr, err)
	}

	if err := writeServicesDescriptor(cfg, proxyLn.Addr().String(), metricsLn.Addr().String()); err != nil {
		log.Warn("failed to write services descriptor", zap.Error(err))
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	metricsMux.HandleFunc("/debug/pprof/", pprof.Index)
	metricsMux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	metricsMux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	metricsMux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	metricsMux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	metricsSrv := &http.Server{Handler: metricsMux}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
		return proxyLn.Close()
	})

	g.Go(func() error {
		log.Info("proxy listening", zap.String("addr", proxyLn.Addr().String()))
		for {
			conn, err := proxyLn.Accept()
			if err != nil {
				if errors.Is(err, net.ErrClosed) {
					return nil
				}
				return fmt.Errorf("%w: accepting connection: %v", proxyerr.ErrDownstreamIO, err)
			}
			go handler.ServeConn(gctx, conn)
		}
	})

	g.Go(func() error {
		log.Info("metrics listening", zap.String("addr", metricsLn.Addr().String()))
		if err := metricsSrv.Serve(metricsLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	return g.Wait()
}

func loadConfig(path string) (config.Config, error) {
	if path == "" {
		return config.Defaults(), nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// defaultHostImports wires the core's own implementations of the guest
// capability surface; internal/wasmhost.ScopeImports narrows this per
// plugin down to only the services its manifest actually declared.
func defaultHostImports(log *zap.Logger) wasmhost.HostImports {
	return wasmhost.HostImports{
		Logger:          wasmhost.NewZapLogger(log),
		Storage:         wasmhost.NewMemoryStorage(),
		Annotator:       wasmhost.NewZapAnnotator(log),
		HTTPClient:      wasmhost.NewDefaultHTTPClient(nil, 0),
		ProviderFactory: wasmhost.NewAnnotatorOnlyProviderFactory(),
	}
}

func limitsFromConfig(p config.PluginsConfig) wasmhost.Limits {
	limits := wasmhost.DefaultLimits
	if p.MaxFuel > 0 {
		limits.FuelUnits = int64(p.MaxFuel)
	}
	if p.MaxMemoryMB > 0 {
		limits.MemoryPages = uint32(p.MaxMemoryMB * 16) // 64 KiB pages per MiB
	}
	if p.TimeoutMS > 0 {
		limits.WallClock = time.Duration(p.TimeoutMS) * time.Millisecond
	}
	return limits
}

// servicesDescriptor is the shape spec.md §6 describes: the host:port pairs
// collaborators discover the core's listeners on, written once the OS has
// assigned any ":0" ports.
type servicesDescriptor struct {
	Proxy string `json:"proxy"`
	Web   string `json:"web"`
}

func writeServicesDescriptor(cfg config.Config, proxyAddr, webAddr string) error {
	// The cert directory and the services descriptor live side by side
	// under the same app directory ($HOME/.witmproxy by default).
	dir := filepath.Dir(cfg.TLS.CertDir)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating app directory %s: %w", dir, err)
	}

	data, err := json.MarshalIndent(servicesDescriptor{Proxy: proxyAddr, Web: webAddr}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "services.json"), data, 0o600)
}
