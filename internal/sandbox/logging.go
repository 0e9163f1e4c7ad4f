// Copyright 2015 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package sandbox

import (
	"io"
	"log"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// logger is the package-wide structured logger. It defaults to slog's
// standard destination so tests and simple embeddings work without
// configuration; cmd/sandboxfs replaces it with a rotated file sink via
// SetLogger/NewRotatingLogger.
var logger = slog.Default()

// SetLogger replaces the package-wide logger, the way memfs and
// roloopbackfs take a *log.Logger at construction time.
func SetLogger(l *slog.Logger) {
	if l != nil {
		logger = l
	}
}

// NewRotatingLogger builds a slog.Logger backed by a lumberjack rotating
// file, or stderr when path is empty. maxSizeMB/maxBackups/maxAgeDays of
// zero fall back to lumberjack's own defaults.
func NewRotatingLogger(path string, maxSizeMB, maxBackups, maxAgeDays int, debug bool) *slog.Logger {
	var w io.Writer
	if path == "" {
		w = os.Stderr
	} else {
		w = &lumberjack.Logger{
			Filename:   path,
			MaxSize:    maxSizeMB,
			MaxBackups: maxBackups,
			MaxAge:     maxAgeDays,
			Compress:   true,
		}
	}

	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// AsStdLogger bridges a slog.Logger to the *log.Logger shape that
// fuse.MountConfig's DebugLogger/ErrorLogger fields expect, the same way
// samples/mount_roloopbackfs and gcsfuse's cmd/mount.go populate them.
// prefix tags every line from this subsystem (e.g. "fuse" vs.
// "fuse-debug") so the two loggers remain distinguishable once merged into
// one rotated file.
func AsStdLogger(l *slog.Logger, prefix string) *log.Logger {
	return slog.NewLogLogger(l.With("subsystem", prefix).Handler(), slog.LevelDebug)
}
