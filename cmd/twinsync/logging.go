package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/openmined/twinsync/internal/utils"
)

const logTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// stdout logs at INFO unless --verbose lowers it
var logLevel = new(slog.LevelVar)

func stdoutHandler() slog.Handler {
	return tint.NewHandler(os.Stdout, &tint.Options{
		Level:      logLevel,
		TimeFormat: logTimeFormat,
		NoColor:    !isatty.IsTerminal(os.Stdout.Fd()),
	})
}

func setupLogging() {
	slog.SetDefault(slog.New(stdoutHandler()))
}

// attachLogFile adds a DEBUG level text log at path next to stdout. The file
// is truncated for each run. The returned func flushes and closes it and
// restores stdout only logging.
func attachLogFile(path string) (func(), error) {
	if err := utils.EnsureParent(path); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	interceptor := utils.NewLogInterceptor(file)
	fileHandler := slog.NewTextHandler(interceptor, &slog.HandlerOptions{
		Level: slog.LevelDebug,
		// the interceptor stamps every line
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey && len(groups) == 0 {
				return slog.Attr{}
			}
			return a
		},
	})

	slog.SetDefault(slog.New(utils.NewMultiLogHandler(stdoutHandler(), fileHandler)))

	return func() {
		slog.SetDefault(slog.New(stdoutHandler()))
		interceptor.Close()
		file.Close()
	}, nil
}
