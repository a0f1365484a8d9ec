// Command merlind is the distributed monitoring mesh daemon: it wires
// together the node mesh (C3), the IPC endpoint to the local monitoring
// engine (C4), the event router (C5), the peer-group partitioner (C6),
// the config-sync arbiter (C7), and the signal-driven supervisor (C8)
// around one loaded daemonconfig.Config.
//
// Flags mirror original_source/daemon.c's own flag set.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	kingpin "gopkg.in/alecthomas/kingpin.v2"

	"github.com/rfelsburg/merlin/internal/daemonconfig"
	"github.com/rfelsburg/merlin/internal/exec"
	"github.com/rfelsburg/merlin/internal/handshake"
	"github.com/rfelsburg/merlin/internal/ipcendpoint"
	"github.com/rfelsburg/merlin/internal/merlinlog"
	"github.com/rfelsburg/merlin/internal/mesh"
	"github.com/rfelsburg/merlin/internal/metric"
	"github.com/rfelsburg/merlin/internal/node"
	"github.com/rfelsburg/merlin/internal/partition"
	"github.com/rfelsburg/merlin/internal/router"
	"github.com/rfelsburg/merlin/internal/supervisor"
	"github.com/rfelsburg/merlin/internal/syncarb"
	"github.com/rfelsburg/merlin/wire"
)

func main() {
	app := kingpin.New("merlind", "Merlin mesh daemon")
	app.HelpFlag.Short('h')
	configPath := app.Flag("config", "Path to the config file").Short('c').String()
	configArg := app.Arg("config-file", "Path to the config file (positional form)").String()
	foreground := app.Flag("foreground", "Run in the foreground instead of daemonizing").Short('d').Bool()
	status := app.Flag("status", "Report whether an instance is running and exit").Short('s').Bool()
	kill := app.Flag("kill", "Signal a running instance to terminate and exit").Short('k').Bool()
	debug := app.Flag("debug", "Enable debug-level logging").Bool()
	metricsAddr := app.Flag("metrics-addr", "Address to serve Prometheus metrics on").Default("127.0.0.1:9696").String()

	kingpin.MustParse(app.Parse(os.Args[1:]))

	path := *configPath
	if path == "" {
		path = *configArg
	}

	switch {
	case *status:
		os.Exit(reportStatus(path))
	case *kill:
		os.Exit(killRunning(path))
	}

	if path == "" {
		fmt.Fprintln(os.Stderr, "No config-file specified")
		os.Exit(1)
	}

	cfg, err := daemonconfig.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Full daemonisation (fork/setsid/reopen std streams) on !*foreground
	// is deliberately out of scope (SPEC_FULL.md §6 Non-goals); -d is
	// accepted for CLI compatibility but every run is effectively
	// foreground.
	_ = foreground

	log := merlinlog.New(*debug)
	if err := writePidfile(cfg.Daemon.Pidfile); err != nil {
		log.Warnf("failed to write pidfile %s: %v", cfg.Daemon.Pidfile, err)
	}
	defer os.Remove(cfg.Daemon.Pidfile)

	if err := run(cfg, log, *metricsAddr); err != nil {
		log.Fatalf("%v", err)
	}
}

func run(cfg *daemonconfig.Config, log merlinlog.Logger, metricsAddr string) error {
	invoker := exec.New()
	ctx, cancel := context.WithCancel(context.Background())

	metrics := metric.NewRegistry(prometheus.DefaultRegisterer)
	invoker.Spawn(func() { serveMetrics(ctx, invoker, metricsAddr, log) })

	var specs []node.Spec
	specs = append(specs, cfg.Peers...)
	specs = append(specs, cfg.Pollers...)
	specs = append(specs, cfg.Masters...)
	table := node.NewTable(specs, func(s node.Spec) *node.Node {
		return node.New(0, s, log, metrics)
	})
	for i, n := range table.Nodes {
		n.Index = i
	}

	ipc := ipcendpoint.New(ipcSocketPath(cfg), log)
	if err := ipc.Listen(); err != nil {
		return fmt.Errorf("binding IPC socket: %w", err)
	}
	defer ipc.Close()

	// The object catalog (hosts/services/hostgroups) is owned by the
	// monitoring engine and arrives over IPC via CTRL_PATHS once the
	// import program has run (SPEC_FULL.md §1 Non-goals: object config
	// grammar). The partitioner is built empty at startup and rebuilt
	// once that catalog is available; wiring the importer's callback to
	// do so is the daemon's job, not this entrypoint's.
	emptyCatalog := partition.Catalog{HostGroups: map[string]partition.HostGroup{}}
	partitioner, err := partition.Build(emptyCatalog, table.Peers(), table.Pollers(), log)
	if err != nil {
		return fmt.Errorf("building peer-group partitioner: %w", err)
	}

	runner := syncarb.NewShellRunner()
	arb := syncarb.New(table, ipc, runner, log)

	validator := handshake.New(ipc.Info, log)

	rtr := router.New(router.Deps{
		Table:              table,
		IPC:                ipc,
		Handshake:          validator,
		PersistenceEnabled: cfg.Database != nil,
		MarkIPCConnected: func() {
			broadcastCtrl(table, wire.CtrlActive)
		},
		ClearEngineInfo: func() {
			ipc.SetInfo(node.Info{})
			broadcastCtrl(table, wire.CtrlInactive)
		},
	}, log)

	meshCfg := mesh.Config{
		ListenAddr: fmt.Sprintf("%s:%d", cfg.Daemon.Address, cfg.Daemon.Port),
		ListenPort: cfg.Daemon.Port,
	}
	reactor := mesh.New(meshCfg, table, rtr, partitioner, ipc, arb, log, metrics)

	sup := supervisor.New(table, ipc.Info, arb, "/tmp/merlind.nodeinfo", log)

	invoker.Spawn(func() { runIPCAcceptLoop(ctx, invoker, ipc, table, rtr) })
	invoker.Spawn(func() {
		if err := reactor.Run(ctx); err != nil {
			log.Errorf("mesh reactor exited: %v", err)
		}
	})

	sup.Run(ctx, cancel)
	invoker.Stop()
	return nil
}

// runIPCAcceptLoop accepts the monitoring engine's connection, feeds
// inbound bytes to the router, and re-accepts on disconnect (spec §4.4),
// mirroring internal/mesh's own accept/read-loop split.
func runIPCAcceptLoop(ctx context.Context, invoker exec.Invoker, ipc *ipcendpoint.Endpoint, table *node.Table, rtr *router.Router) {
	type accepted struct {
		conn net.Conn
	}
	acceptCh := make(chan accepted, 1)
	invoker.Spawn(func() {
		for {
			conn, err := ipc.Listener().Accept()
			if err != nil {
				return
			}
			select {
			case acceptCh <- accepted{conn: conn}:
			case <-ctx.Done():
				conn.Close()
				return
			}
		}
	})

	for {
		select {
		case <-ctx.Done():
			ipc.Listener().Close()
			return
		case a := <-acceptCh:
			ipc.Adopt(a.conn, time.Now())
			feedIPCConn(ctx, ipc, a.conn, table, rtr)
		}
	}
}

func feedIPCConn(ctx context.Context, ipc *ipcendpoint.Endpoint, conn net.Conn, table *node.Table, rtr *router.Router) {
	buf := make([]byte, 32*1024)
	for {
		count, err := conn.Read(buf)
		if count > 0 {
			if ferr := ipc.FeedRecv(buf[:count], func(f wire.Frame) {
				rtr.Dispatch(nil, f)
				if f.Type == wire.TypeCtrl && f.Code == wire.CtrlActive {
					if info, derr := node.DecodeInfo(f.Body); derr == nil {
						ipc.SetInfo(info)
					}
				}
			}); ferr != nil {
				if ipc.OnDisconnect(time.Now()) {
					broadcastCtrl(table, wire.CtrlInactive)
				}
				return
			}
		}
		if err != nil {
			if ipc.OnDisconnect(time.Now()) {
				broadcastCtrl(table, wire.CtrlInactive)
			}
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func broadcastCtrl(table *node.Table, code wire.Code) {
	f := wire.Frame{Type: wire.TypeCtrl, Code: code, Timestamp: uint64(time.Now().Unix())}
	for _, n := range table.Nodes {
		_ = n.Send(f)
	}
}

// serveMetrics exposes internal/metric's registry over HTTP (a mesh
// daemon that is itself a monitoring system component is worth
// monitoring too). Failure to bind is logged, not fatal: metrics are an
// ambient concern, not a precondition for the mesh to function. The
// server is shut down on ctx cancellation so invoker.Stop() can join it
// like every other component's goroutines.
func serveMetrics(ctx context.Context, invoker exec.Invoker, addr string, log merlinlog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	invoker.Spawn(func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	})

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Warnf("metrics listener on %s exited: %v", addr, err)
	}
}

func ipcSocketPath(cfg *daemonconfig.Config) string {
	if cfg.Daemon.Pidfile != "" {
		return cfg.Daemon.Pidfile + ".sock"
	}
	return "/tmp/merlind.sock"
}

func writePidfile(path string) error {
	if path == "" {
		return nil
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644)
}

func readPidfile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(stripNewline(string(data)))
}

func stripNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

// reportStatus implements -s/--status: print whether a pidfile names a
// live process, colorized the way original_source's own status line was
// (green running, red not running), and return the matching exit code.
func reportStatus(path string) int {
	cfg, err := daemonconfig.Load(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("merlind is not running (%v)", err))
		return 1
	}
	pid, err := readPidfile(cfg.Daemon.Pidfile)
	if err == nil && processAlive(pid) {
		fmt.Println(color.GreenString("merlind is running (pid %d)", pid))
		return 0
	}
	fmt.Println(color.RedString("merlind is not running"))
	return 1
}

// killRunning implements -k/--kill: send SIGTERM to the pidfile's pid.
func killRunning(path string) int {
	cfg, err := daemonconfig.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "merlind is not running: %v\n", err)
		return 1
	}
	pid, err := readPidfile(cfg.Daemon.Pidfile)
	if err != nil || !processAlive(pid) {
		fmt.Fprintln(os.Stderr, "merlind is not running")
		return 1
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to signal pid %d: %v\n", pid, err)
		return 1
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		fmt.Fprintf(os.Stderr, "failed to signal pid %d: %v\n", pid, err)
		return 1
	}
	return 0
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
