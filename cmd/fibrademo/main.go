// Command fibrademo is a small, buildable demonstration of every fibra
// operation in one process: it boots an IoManager, listens on a loopback
// TCP port, echoes whatever a client sends back with a one-shot sleep in
// between (exercising the sleep pattern), and times out idle connections
// with a recurring timer. Its accept loop runs on any worker; the demo
// does not pin tasks. Mirrors the shape of the teacher's examples/echo/async_server.go,
// generalized from sonic's callback style to fibra's fiber style.
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/felixge/fgprof"
	"golang.org/x/sys/unix"

	"github.com/fibra-project/fibra"
	"github.com/fibra-project/fibra/fibraconfig"
	"github.com/fibra-project/fibra/fibrahook"
	"github.com/fibra-project/fibra/fibralog"
	"github.com/fibra-project/fibra/fibrametrics"
)

var (
	addr      = flag.String("addr", "127.0.0.1:9090", "address to listen on")
	workers   = flag.Int("workers", 4, "number of scheduler workers")
	debugAddr = flag.String("debug-addr", "", "if set, serve an fgprof handler on this address (e.g. 127.0.0.1:6060)")
	configPath = flag.String("config", "", "optional YAML config file (fiber.stack_size, tcp.connect.timeout)")
)

func main() {
	flag.Parse()

	logSink := fibralog.NewConsoleZerologSink(os.Stdout)
	metrics := fibrametrics.New()

	cfg := fibraconfig.New()
	if *configPath != "" {
		loaded, err := fibraconfig.Load(*configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "fibrademo: loading config:", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	io, err := fibra.NewIoManager(*workers, true)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fibrademo: new io manager:", err)
		os.Exit(1)
	}
	io.SetLogSink(logSink)
	io.SetMetrics(metrics)

	hooks := fibrahook.New(io)

	connectTimeoutMs := fibraconfig.Lookup(cfg, "tcp.connect.timeout", fibraconfig.DefaultTCPConnectTimeoutMs)
	hooks.SetConnectTimeoutMs(int64(connectTimeoutMs))
	cfg.OnChange("tcp.connect.timeout", func(v any) {
		switch ms := v.(type) {
		case int:
			hooks.SetConnectTimeoutMs(int64(ms))
		case int64:
			hooks.SetConnectTimeoutMs(ms)
		}
	})

	stackSize := fibraconfig.Lookup(cfg, "fiber.stack_size", fibraconfig.DefaultFiberStackSize)
	logSink.Log(fibralog.LevelInfo, fmt.Sprintf("fibrademo: configured fiber stack size metadata %d bytes", stackSize))

	if *debugAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/debug/fgprof", fgprof.Handler())
		go func() {
			if err := http.ListenAndServe(*debugAddr, mux); err != nil {
				logSink.Log(fibralog.LevelWarn, fmt.Sprintf("fibrademo: debug listener stopped: %v", err))
			}
		}()
		logSink.Log(fibralog.LevelInfo, fmt.Sprintf("fibrademo: fgprof available at http://%s/debug/fgprof", *debugAddr))
	}

	io.Start()

	acceptFiber := fibra.NewFiber(io.Scheduler, func() {
		runEchoServer(io, hooks, logSink, *addr)
	}, fibra.WithStackSize(stackSize))
	io.ScheduleFiber(acceptFiber, fibra.AnyWorker)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	logSink.Log(fibralog.LevelInfo, "fibrademo: shutting down")
	io.Stop()
	if err := io.Close(); err != nil {
		logSink.Log(fibralog.LevelWarn, fmt.Sprintf("fibrademo: close: %v", err))
	}

	snap := metrics.DispatchLatency()
	logSink.Log(fibralog.LevelInfo, fmt.Sprintf(
		"fibrademo: dispatch latency samples=%d p50=%dms p99=%dms", snap.Count, snap.P50, snap.P99))
}

// runEchoServer listens on addr and spawns one fiber per accepted
// connection. It runs entirely inside a fiber's own goroutine, so every
// hooked call here (Socket/Accept) suspends the fiber rather
// than blocking its worker thread.
func runEchoServer(io *fibra.IoManager, hooks *fibrahook.Hooks, logSink fibralog.Sink, addr string) {
	fd, err := hooks.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		logSink.Log(fibralog.LevelError, fmt.Sprintf("fibrademo: socket: %v", err))
		return
	}
	defer hooks.Close(fd)

	sa, err := resolveTCP4(addr)
	if err != nil {
		logSink.Log(fibralog.LevelError, fmt.Sprintf("fibrademo: resolve %s: %v", addr, err))
		return
	}

	if err := unix.Bind(fd, sa); err != nil {
		logSink.Log(fibralog.LevelError, fmt.Sprintf("fibrademo: bind: %v", err))
		return
	}
	if err := unix.Listen(fd, 128); err != nil {
		logSink.Log(fibralog.LevelError, fmt.Sprintf("fibrademo: listen: %v", err))
		return
	}

	logSink.Log(fibralog.LevelInfo, fmt.Sprintf("fibrademo: listening on %s", addr))

	for {
		cfd, _, err := hooks.Accept(fd)
		if err != nil {
			if io.Stopping() {
				return
			}
			logSink.Log(fibralog.LevelWarn, fmt.Sprintf("fibrademo: accept: %v", err))
			continue
		}

		conn := fibra.NewFiber(io.Scheduler, func() {
			handleConn(io, hooks, logSink, cfd)
		})
		io.ScheduleFiber(conn, fibra.AnyWorker)
	}
}

// handleConn echoes every chunk it reads back to the client, sleeping
// briefly between reads (exercising the sleep pattern) and arming a
// recurring idle timer that closes the connection if nothing arrives for
// five periods in a row (exercising AddTimer/Cancel).
func handleConn(io *fibra.IoManager, hooks *fibrahook.Hooks, logSink fibralog.Sink, fd int) {
	defer hooks.Close(fd)

	const idlePeriodMs = 2000
	const maxIdlePeriods = 5
	idleStrikes := 0

	idleTimer := fibra.NewTimer(io)
	idleTimer.ScheduleRepeating(idlePeriodMs, func() {
		idleStrikes++
		if idleStrikes >= maxIdlePeriods {
			idleTimer.Cancel()
			_ = hooks.Close(fd)
		}
	})
	defer idleTimer.Cancel()

	buf := make([]byte, 4096)
	for {
		n, err := hooks.Read(fd, buf)
		if err != nil {
			if err != unix.EBADF {
				logSink.Log(fibralog.LevelDebug, fmt.Sprintf("fibrademo: conn %d read: %v", fd, err))
			}
			return
		}
		if n == 0 {
			return
		}
		idleStrikes = 0

		hooks.Usleep(1000) // brief yield per echo, exercising the sleep pattern

		if _, err := hooks.Write(fd, buf[:n]); err != nil {
			logSink.Log(fibralog.LevelDebug, fmt.Sprintf("fibrademo: conn %d write: %v", fd, err))
			return
		}
	}
}
