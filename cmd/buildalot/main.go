package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/alecthomas/kong"
	kongyaml "github.com/alecthomas/kong-yaml"
	kongcompletion "github.com/jotaen/kong-completion"
	"github.com/google/uuid"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// Context carries per-invocation state into every subcommand's Run.
type Context struct {
	RunID string
}

type CLI struct {
	LogFile  string `default:"/tmp/buildalot/log" placeholder:"<log-file-path>" help:"location of log file"`
	LogLevel string `default:"info" placeholder:"<debug|info|warn|error>" help:"the logging level (debug, info, warn, error)"`

	Build   BuildCmd   `cmd:"" default:"withargs" help:"bind, lower, and execute a build plan"`
	Version VersionCmd `cmd:"" help:"print version information about this command"`
}

func (c *CLI) initSlog(runID string) {
	var level slog.Level
	switch c.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	logDir := filepath.Dir(c.LogFile)
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		panic(err)
	}

	rotator := &lumberjack.Logger{
		Filename:   c.LogFile,
		MaxSize:    100,
		MaxBackups: 5,
		MaxAge:     14,
	}

	logger := slog.New(slog.NewJSONHandler(rotator, &slog.HandlerOptions{Level: level})).With("run_id", runID)
	slog.SetDefault(logger)
	slog.Info("slog initialized")
}

const description = `Bind a templated build document, lower it to a dependency-ordered plan of
buildah commands, and execute that plan concurrently.`

func main() {
	var cli CLI

	home, err := os.UserHomeDir()
	if err != nil {
		fmt.Fprintf(os.Stderr, "unable to get home directory: %v\n", err)
		os.Exit(1)
	}

	parser := kong.Must(&cli,
		kong.Configuration(kongyaml.Loader, filepath.Join(home, ".buildalot.yaml")),
		kong.Description(description),
	)
	kongcompletion.Register(parser)

	kctx, err := parser.Parse(os.Args[1:])
	parser.FatalIfErrorf(err)

	runID := uuid.NewString()
	cli.initSlog(runID)

	err = kctx.Run(&Context{RunID: runID})
	kctx.FatalIfErrorf(err)
}
