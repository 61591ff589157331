// Package klog wires a single slog.Logger for the kernel core: boot-time
// setup mirrors tinyrange-cc's cmd/ccapp logging init (NewTextHandler to a
// configurable writer, level selectable), but kernel code logs only at
// state-transition and boundary events — faults, panics, device
// registration failures — never per-tick or per-dispatch.
package klog

import (
	"io"
	"log/slog"
	"os"
)

var logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

// Init replaces the package logger, writing to w at the given level.
func Init(w io.Writer, level slog.Level) {
	logger = slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// Fault logs a page fault / exception escalation that reached its ceiling
// (e.g. a write-fault on a frame with no handler, or COW fallback failure).
func Fault(msg string, args...any) { logger.Warn(msg, args...) }

// Panic logs an unrecoverable kernel-core invariant violation before the
// caller halts or the process exits.
func Panic(msg string, args...any) { logger.Error(msg, args...) }

// StateChange logs a significant lifecycle transition: thread/process
// creation and termination, address-space teardown, device registration.
func StateChange(msg string, args...any) { logger.Info(msg, args...) }
