// Command gearsd is a minimal, runnable example wiring global.Runtime to
// a real Redis via adaptors/redishost over a line-based TCP protocol.
// This is not a reimplementation of the host's own RESP command
// dispatcher (§1, out of scope) — it exists purely so the runtime can be
// exercised end-to-end outside of unit tests.
package main

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/r3e-network/gears-runtime/adaptors/redishost"
	"github.com/r3e-network/gears-runtime/internal/global"
	"github.com/r3e-network/gears-runtime/internal/shard"
	"github.com/r3e-network/gears-runtime/pkg/config"
	"github.com/r3e-network/gears-runtime/pkg/logger"
	"github.com/r3e-network/gears-runtime/pkg/metrics"
)

func main() {
	log := logger.NewDefault("gearsd")

	cfg := config.LoadFromEnv()
	if err := cfg.Validate(); err != nil {
		log.WithError(err).Fatal("invalid configuration")
	}

	redisAddr := strings.TrimSpace(os.Getenv("GEARS_REDIS_ADDR"))
	if redisAddr == "" {
		redisAddr = "127.0.0.1:6379"
	}
	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	defer rdb.Close()

	h := redishost.New(rdb, strings.TrimSpace(os.Getenv("GEARS_REPLICATION_CHANNEL")))

	mx := metrics.New()
	rt := global.NewRuntime(cfg, h, h, mx)
	rt.SetACLChecker(h)
	rt.SetReplicator(h)
	rt.StartWatchdog()
	defer rt.StopWatchdog()

	addr := strings.TrimSpace(os.Getenv("GEARS_LISTEN_ADDR"))
	if addr == "" {
		addr = "127.0.0.1:7777"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		log.WithError(err).Fatal("failed to listen")
	}
	defer ln.Close()

	go pollTrackedStreams(rt)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutting down")
		ln.Close()
	}()

	log.WithField("addr", addr).Info("gearsd listening")
	for {
		conn, err := ln.Accept()
		if err != nil {
			log.WithError(err).Info("listener closed")
			return
		}
		go handleConn(rt, log, conn)
	}
}

// pollTrackedStreams drives internal/stream.Engine periodically; a real
// host would call Poll from its own key-space event loop instead.
func pollTrackedStreams(rt *global.Runtime) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for range ticker.C {
		for _, name := range rt.Manager.List() {
			lib := rt.Manager.Get(name)
			if lib == nil {
				continue
			}
			for _, sc := range lib.StreamConsumers {
				for _, streamName := range sc.StreamNames() {
					_ = rt.Streams.Poll(context.Background(), streamName)
				}
			}
		}
	}
}

func handleConn(rt *global.Runtime, log *logger.Logger, conn net.Conn) {
	connID := uuid.New().String()
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), 8*1024*1024)
	w := bufio.NewWriter(conn)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		reply := dispatch(rt, line)
		fmt.Fprintln(w, reply)
		w.Flush()
	}
	if err := scanner.Err(); err != nil {
		log.WithError(err).WithField("conn", connID).Warn("connection read error")
	}
}

func dispatch(rt *global.Runtime, line string) string {
	fields := strings.Fields(line)
	if len(fields) < 2 || !strings.EqualFold(fields[0], "function") {
		return errReply("unknown command")
	}

	switch strings.ToUpper(fields[1]) {
	case "LOAD":
		return cmdLoad(rt, fields[2:], false)
	case "LOADUPGRADE":
		return cmdLoad(rt, fields[2:], true)
	case "CALL":
		return cmdCall(rt, fields[2:])
	case "LIST":
		names := rt.ListLibraries()
		out, _ := json.Marshal(names)
		return "+OK " + string(out)
	case "DEL":
		if len(fields) < 3 {
			return errReply("usage: function del <name>")
		}
		if err := fanOutDelete(rt, fields[2]); err != nil {
			return errReply(err.Error())
		}
		return "+OK"
	case "DEBUG":
		if len(fields) < 3 {
			return errReply("usage: function debug <engine> [args...]")
		}
		out, err := rt.DebugBackend(fields[2], fields[3:])
		if err != nil {
			return errReply(err.Error())
		}
		return "+OK " + out
	default:
		return errReply("unknown function subcommand")
	}
}

func cmdLoad(rt *global.Runtime, args []string, upgrade bool) string {
	if len(args) < 2 {
		return errReply("usage: function load <user> <base64-source>")
	}
	user := args[0]
	src, err := base64.StdEncoding.DecodeString(args[1])
	if err != nil {
		return errReply("source must be base64-encoded")
	}

	name, err := fanOutLoad(rt, user, string(src), upgrade)
	if err != nil {
		return errReply(err.Error())
	}
	return "+OK " + name
}

// fanOutLoad and fanOutDelete route function load/del through the §4.8
// cross-shard task (internal/shard.Coordinator) rather than calling
// global.Runtime's manager methods directly, so a single-node deployment
// exercises the same two-phase path a clustered host would drive with its
// own multi-shard shard.Fanout. A standalone gearsd is always its own
// (and only) shard.
func fanOutLoad(rt *global.Runtime, user, source string, upgrade bool) (string, error) {
	var loaded string
	f := &shard.LocalFanout{
		ShardID: "self",
		PrepareFn: func(ctx context.Context, payload []byte) error {
			lib, err := rt.LoadLibrary(user, source, nil, upgrade)
			if err != nil {
				return err
			}
			loaded = lib.Name
			return nil
		},
		CommitFn: func(ctx context.Context) error { return nil },
		AbortFn: func(ctx context.Context) error {
			if loaded != "" {
				_, _ = rt.DeleteLibrary(loaded)
			}
			return nil
		},
	}
	if err := rt.Shard.Run(context.Background(), f, []byte(source)); err != nil {
		return "", err
	}
	return loaded, nil
}

func fanOutDelete(rt *global.Runtime, name string) error {
	f := &shard.LocalFanout{
		ShardID: "self",
		PrepareFn: func(ctx context.Context, payload []byte) error {
			_, err := rt.DeleteLibrary(name)
			return err
		},
		CommitFn: func(ctx context.Context) error { return nil },
		AbortFn:  func(ctx context.Context) error { return nil },
	}
	return rt.Shard.Run(context.Background(), f, []byte(name))
}

func cmdCall(rt *global.Runtime, args []string) string {
	if len(args) < 3 {
		return errReply("usage: function call <library> <function> <user> [json-args...]")
	}
	libraryName, functionName, user := args[0], args[1], args[2]

	callArgs := make([]interface{}, 0, len(args)-3)
	for _, raw := range args[3:] {
		var v interface{}
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		callArgs = append(callArgs, v)
	}

	res, err := rt.CallFunction(context.Background(), libraryName, functionName, user, callArgs...)
	if err != nil {
		return errReply(err.Error())
	}
	out, err := json.Marshal(res)
	if err != nil {
		return errReply(err.Error())
	}
	return "+OK " + string(out)
}

func errReply(msg string) string {
	return "-ERR " + strconv.Quote(msg)
}
