// Program whirl runs one workload node on the standard streams, speaking the
// newline-delimited JSON protocol of a Maelstrom-style test harness. The
// harness starts one process per node; the workload is chosen by subcommand.
//
// All diagnostics go to stderr; stdout carries only protocol messages.
package main

import (
	"os"
	"path/filepath"
	"time"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/whirlnet/whirl"
	"github.com/whirlnet/whirl/broadcast"
	"github.com/whirlnet/whirl/channel"
	"github.com/whirlnet/whirl/echo"
	"github.com/whirlnet/whirl/kv"
	"github.com/whirlnet/whirl/mlog"
	"github.com/whirlnet/whirl/uniq"
)

var globalFlags struct {
	Debug bool `flag:"debug,Enable debug logging on stderr"`
}

var broadcastFlags struct {
	Gossip    time.Duration `flag:"gossip,default=50ms,Interval between anti-entropy gossip rounds"`
	Fanout    int           `flag:"fanout,default=2,Number of neighbours gossiped to per round"`
	RetryBase time.Duration `flag:"retry-base,default=1s,Initial resend interval for unacknowledged sends"`
	RetryCap  time.Duration `flag:"retry-cap,default=30s,Ceiling on the resend interval"`
	Sweep     time.Duration `flag:"sweep,default=200ms,Interval between resend scans"`
}

var counterFlags struct {
	Service string `flag:"service,default=seq-kv,Peer ID of the key-value service"`
	Key     string `flag:"key,default=counter,Key the counter is stored under"`
}

func main() {
	root := &command.C{
		Name:     filepath.Base(os.Args[0]),
		Help:     "Run a workload node for a Maelstrom-style test harness.",
		SetFlags: command.Flags(flax.MustBind, &globalFlags),
		Commands: []*command.C{
			{
				Name: "echo",
				Help: "Run the echo workload node.",
				Run: func(env *command.Env) error {
					return runNode(echo.Bind())
				},
			},
			{
				Name: "unique-ids",
				Help: "Run the unique-ID generation workload node.",
				Run: func(env *command.Env) error {
					return runNode(uniq.Bind())
				},
			},
			{
				Name:     "broadcast",
				Help:     "Run the broadcast workload node (flooding plus anti-entropy gossip).",
				SetFlags: command.Flags(flax.MustBind, &broadcastFlags),
				Run: func(env *command.Env) error {
					return runNode(broadcast.Bind(broadcast.Config{
						GossipInterval: broadcastFlags.Gossip,
						Fanout:         broadcastFlags.Fanout,
						RetryBase:      broadcastFlags.RetryBase,
						RetryCap:       broadcastFlags.RetryCap,
						SweepInterval:  broadcastFlags.Sweep,
						Logger:         newLogger(),
					}))
				},
			},
			{
				Name:     "counter",
				Help:     "Run the grow-only counter workload node.",
				SetFlags: command.Flags(flax.MustBind, &counterFlags),
				Run: func(env *command.Env) error {
					return runNode(kv.BindCounter(counterFlags.Service, counterFlags.Key, newLogger()))
				},
			},
			{
				Name: "log",
				Help: "Run the single-node replicated-log workload node.",
				Run: func(env *command.Env) error {
					return runNode(mlog.Bind())
				},
			},
			command.VersionCommand(),
			command.HelpCommand(nil),
		},
	}
	command.RunOrFail(root.NewEnv(nil).MergeFlags(true), os.Args[1:])
}

// runNode runs a node on the standard streams until the harness hangs up.
// Any error it returns is protocol fatal and yields a non-zero exit status.
func runNode(bind whirl.BindFunc) error {
	log := newLogger()
	defer log.Sync()
	n := whirl.New(log)
	if err := n.Run(channel.Line(os.Stdin, os.Stdout), bind); err != nil {
		log.Error("node failed", zap.Error(err))
		return err
	}
	return nil
}

// newLogger builds a console logger on stderr. Stdout belongs to the
// protocol and must never receive diagnostics.
func newLogger() *zap.Logger {
	level := zapcore.InfoLevel
	if globalFlags.Debug {
		level = zapcore.DebugLevel
	}
	enc := zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
	return zap.New(zapcore.NewCore(enc, zapcore.Lock(os.Stderr), level))
}
