// Command comsrvd is the edge-core bootstrap (component C12): it is not
// protocol logic, just wiring — it assembles the RTDB handle, Write
// Batcher, Routing Cache/Propagator, Instance Manager, Channel Supervisor,
// and Basic Monitoring into one running process. Flag parsing and process
// lifecycle follow the teacher's cmd/indexer/main.go shape (flag.FlagSet,
// os.Args scanning, SIGINT/SIGTERM-driven shutdown).
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap/zapcore"

	"github.com/comsrv/edge-core/internal/batcher"
	"github.com/comsrv/edge-core/internal/channel"
	"github.com/comsrv/edge-core/internal/channel/drivers"
	"github.com/comsrv/edge-core/internal/instance"
	"github.com/comsrv/edge-core/internal/logging"
	"github.com/comsrv/edge-core/internal/monitor"
	"github.com/comsrv/edge-core/internal/routing"
	"github.com/comsrv/edge-core/internal/rtdb"
	"github.com/comsrv/edge-core/internal/supervisor"
	"github.com/comsrv/edge-core/internal/trigger"
)

var log = logging.Named("comsrvd")

// channelSpec is one -channel flag value: "id:virtual" or
// "id:modbus:host:port:unit".
type channelSpec struct {
	id       uint16
	protocol string
	addr     string
	unit     byte
}

// channelSpecs collects repeated -channel flags, the same custom
// flag.Value idiom the teacher uses for flags that must repeat (see
// cbindexperf's -useVisitor style multi-valued flags).
type channelSpecs []channelSpec

func (s *channelSpecs) String() string { return fmt.Sprintf("%v", []channelSpec(*s)) }

func (s *channelSpecs) Set(raw string) error {
	parts := strings.Split(raw, ":")
	if len(parts) < 2 {
		return fmt.Errorf("channel spec %q: want id:protocol[:addr:port:unit]", raw)
	}
	id, err := strconv.ParseUint(parts[0], 10, 16)
	if err != nil {
		return fmt.Errorf("channel spec %q: bad channel id: %w", raw, err)
	}
	spec := channelSpec{id: uint16(id), protocol: parts[1]}
	switch spec.protocol {
	case "virtual":
	case "modbus":
		if len(parts) != 5 {
			return fmt.Errorf("channel spec %q: modbus wants id:modbus:host:port:unit", raw)
		}
		spec.addr = parts[2] + ":" + parts[3]
		unit, err := strconv.ParseUint(parts[4], 10, 8)
		if err != nil {
			return fmt.Errorf("channel spec %q: bad unit id: %w", raw, err)
		}
		spec.unit = byte(unit)
	default:
		return fmt.Errorf("channel spec %q: unknown protocol %q", raw, spec.protocol)
	}
	*s = append(*s, spec)
	return nil
}

func main() {
	fset := flag.NewFlagSet("comsrvd", flag.ContinueOnError)

	logLevel := fset.String("loglevel", "info", "Log level - debug, info, warn, error")
	rtdbBackend := fset.String("rtdb", "memory", "RTDB backend - memory or redis")
	redisAddr := fset.String("redisAddr", "127.0.0.1:6379", "Redis address, when -rtdb=redis")
	redisPassword := fset.String("redisPassword", "", "Redis password, when -rtdb=redis")
	redisDB := fset.Int("redisDB", 0, "Redis logical DB index, when -rtdb=redis")
	routingDBPath := fset.String("routingDB", "routing.db", "SQLite path for measurement_routing/action_routing")
	instanceDBPath := fset.String("instanceDB", "instances.db", "SQLite path for the instances table")
	pollInterval := fset.Duration("pollInterval", time.Second, "Default channel poll interval")
	metricsAddr := fset.String("metricsAddr", ":9464", "Prometheus scrape listen address, empty disables it")
	var channels channelSpecs
	fset.Var(&channels, "channel", "Channel spec id:virtual or id:modbus:host:port:unit (repeatable)")

	for i := 1; i < len(os.Args); i++ {
		if err := fset.Parse(os.Args[i : i+1]); err != nil {
			if strings.Contains(err.Error(), "flag provided but not defined") {
				log.Warnf("ignoring unrecognized argument: %v", err)
			} else {
				log.Fatalf("parsing arguments: %v", err)
			}
		}
	}

	logging.SetLevel(parseLevel(*logLevel))
	log.Infof("comsrvd started with command line: %v", os.Args)

	db, closeRtdb := buildRtdb(*rtdbBackend, *redisAddr, *redisPassword, *redisDB)
	defer closeRtdb()

	wb := batcher.New(db, batcher.DefaultConfig())

	routingSrc, err := routing.OpenSQLiteSource(*routingDBPath)
	if err != nil {
		log.Fatalf("opening routing store %s: %v", *routingDBPath, err)
	}
	defer routingSrc.Close()

	cache := routing.NewCache()
	if err := cache.Refresh(context.Background(), routingSrc); err != nil {
		log.Warnf("initial routing cache refresh failed, starting with an empty cache: %v", err)
	}
	propagator := routing.NewPropagator(cache, db)

	instanceDB, err := openSqlite(*instanceDBPath)
	if err != nil {
		log.Fatalf("opening instance store %s: %v", *instanceDBPath, err)
	}
	defer instanceDB.Close()

	instances, err := instance.New(instanceDB, db, propagator)
	if err != nil {
		log.Fatalf("initializing instance manager: %v", err)
	}
	_ = instances // management API (create/delete/execute_action) is out of this binary's scope; migration is the side effect needed here

	sup := supervisor.New(db, wb, propagator)
	for _, spec := range channels {
		addChannel(sup, spec, *pollInterval)
	}

	mon := monitor.New()
	mon.Alerts().AddRule(monitor.Rule{
		Name: "response_time_high", Condition: monitor.ResponseTimeAbove,
		Threshold: 500, Severity: monitor.SeverityWarning, Cooldown: time.Minute,
	})
	mon.Alerts().RegisterChecker("supervisor", func() (bool, string) {
		stats := sup.CollectStats()
		if stats.RunningCount == 0 && len(channels) > 0 {
			return false, "no channels connected"
		}
		return true, ""
	})

	stopMetrics := func() {}
	if *metricsAddr != "" {
		stopMetrics = serveMetrics(*metricsAddr, mon)
	}
	defer stopMetrics()

	ctx, cancel := context.WithCancel(context.Background())
	if err := sup.StartAll(ctx); err != nil {
		log.Errorf("one or more channels failed to start: %v", err)
	}

	go refreshRoutingPeriodically(ctx, cache, routingSrc)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Infof("shutdown signal received, stopping")

	cancel()
	sup.StopAll()
}

func openSqlite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func parseLevel(s string) zapcore.Level {
	switch strings.ToLower(s) {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func buildRtdb(backend, addr, password string, db int) (rtdb.Rtdb, func()) {
	switch backend {
	case "redis":
		r := rtdb.NewRedis(rtdb.RedisConfig{Addr: addr, Password: password, DB: db})
		return r, func() {}
	default:
		if backend != "memory" {
			log.Warnf("unknown rtdb backend %q, falling back to memory", backend)
		}
		return rtdb.NewMemory(), func() {}
	}
}

func addChannel(sup *supervisor.Supervisor, spec channelSpec, pollInterval time.Duration) {
	cfg := channel.RuntimeConfig{PollInterval: pollInterval}
	switch spec.protocol {
	case "virtual":
		sup.AddChannel(spec.id, channel.ProtocolVirtual, drivers.NewVirtual(spec.id), cfg, trigger.Config{})
	case "modbus":
		drv := drivers.NewModbusTCP(spec.id, spec.addr, spec.unit, nil)
		sup.AddChannel(spec.id, channel.ProtocolModbusTCP, drv, cfg, trigger.Config{})
	}
}

// refreshRoutingPeriodically keeps the Routing Cache from going stale
// across instance/route CRUD that happens while comsrvd is running
// (spec.md §4.7 describes Refresh as callable at any time; this just picks
// a cadence for it).
func refreshRoutingPeriodically(ctx context.Context, cache *routing.Cache, src routing.Source) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := cache.Refresh(ctx, src); err != nil {
				log.Warnf("periodic routing cache refresh failed: %v", err)
			}
		}
	}
}

// serveMetrics starts a Prometheus scrape endpoint backed by a Monitor
// snapshot refreshed on every request, returning a func that shuts the
// listener down.
func serveMetrics(addr string, mon *monitor.Monitor) func() {
	reg := prometheus.NewRegistry()
	exp := monitor.NewPrometheusExporter(mon, reg, "comsrv")

	mux := http.NewServeMux()
	mux.Handle("/metrics", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		exp.Collect()
		promhttp.HandlerFor(reg, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	}))

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("metrics server stopped: %v", err)
		}
	}()
	log.Infof("metrics exposed on %s/metrics", addr)

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
