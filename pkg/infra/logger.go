package infra

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

var logFile *os.File

// SetupLogger builds the process-wide slog logger from the configured level
// and format, mirroring everything to termsync.log for on-site diagnosis
// (POS venues rarely have log shipping)
func SetupLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	logFile, _ = os.OpenFile("termsync.log", os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	var w io.Writer = os.Stdout
	if logFile != nil {
		w = io.MultiWriter(os.Stdout, logFile)
	}

	opts := &slog.HandlerOptions{Level: lvl}

	var handler slog.Handler
	if strings.ToUpper(format) == "JSON" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}

// CloseLogger flushes and releases the log file opened by SetupLogger
func CloseLogger() {
	if logFile != nil {
		logFile.Close()
		logFile = nil
	}
}
