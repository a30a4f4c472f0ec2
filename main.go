// SPDX-FileCopyrightText: 2025 夕月霞
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"flag"
	"log/slog"
	"path/filepath"

	"grblstream/core"
)

func main() {
	portName := flag.String("port", "COM3", "Serial port name")
	baud := flag.Int("baud", 115200, "Serial port baud rate")
	addr := flag.String("addr", ":9000", "HTTP listen address")
	logDir := flag.String("log-dir", "logs", "Directory for transcript log files (relative to current directory)")
	initFile := flag.String("init-file", "init.txt", "Init file path")
	verbose := flag.Bool("verbose", false, "Verbose logging")
	flag.Parse()

	if verbose != nil && *verbose {
		slog.SetLogLoggerLevel(slog.LevelDebug)
	}

	logDirAbs, err := filepath.Abs(*logDir)
	if err != nil {
		slog.Error("failed to resolve log directory path", "logDir", *logDir, "error", err)
		return
	}
	initFileAbs, err := filepath.Abs(*initFile)
	if err != nil {
		slog.Error("failed to resolve init file path", "initFile", *initFile, "error", err)
		return
	}
	slog.Info("using log directory", "path", logDirAbs)
	slog.Info("using init file", "path", initFileAbs)

	lines := core.NewLineDB()
	history := core.NewHistoryDB()

	initStore, err := core.NewInitStore(initFileAbs)
	if err != nil {
		slog.Error("init file error", "error", err)
		return
	}

	logger := core.NewPayloadLogger(logDirAbs)
	defer logger.Close()

	engine := core.New(func(ev core.Event) {
		history.RecordEvent(ev)
		switch e := ev.(type) {
		case core.EventRead:
			lines.AddLine("up", e.Line)
			logger.AddLine("up", e.Line)
		case core.EventWrite:
			lines.AddLine("down", e.Line)
			logger.AddLine("down", e.Line)
		case core.EventLineSent:
			lines.AddLine("down", e.Line)
			logger.AddJobLine("down", e.Line, e.JobID, e.LineNr)
		case core.EventLog:
			logEvent(e)
		case core.EventError:
			slog.Warn("grbl error", "raw", e.Raw, "command", e.Command, "line_nr", e.LineNr)
		case core.EventAlarm:
			slog.Warn("grbl alarm", "raw", e.Raw)
		}
	})

	if err := engine.Connect(*portName, *baud); err != nil {
		slog.Error("failed to connect to serial port", "port", *portName, "baud", *baud, "error", err)
		return
	}
	defer engine.Disconnect()

	api := &API{
		Engine:  engine,
		Lines:   lines,
		History: history,
		Init:    initStore,
	}

	slog.Info("HTTP server started", "addr", *addr)
	if err := StartHTTPServer(*addr, api); err != nil {
		slog.Error("HTTP server error", "error", err)
	}
}

func logEvent(e core.EventLog) {
	switch e.Level {
	case "debug":
		slog.Debug(e.Message)
	case "warn":
		slog.Warn(e.Message)
	case "error":
		slog.Error(e.Message)
	default:
		slog.Info(e.Message)
	}
}
