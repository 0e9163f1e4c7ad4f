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

// Command sandboxfs mounts a FUSE file system that re-exposes a
// collection of host paths under a single tree, reconfigurable while
// mounted.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseutil"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/sandboxfs/sandboxfs/internal/sandbox"
)

// mappingSpec is one entry of a --mapping-file document.
type mappingSpec struct {
	Inner      string `mapstructure:"inner" yaml:"inner" json:"inner"`
	Underlying string `mapstructure:"underlying" yaml:"underlying" json:"underlying"`
	Writable   bool   `mapstructure:"writable" yaml:"writable" json:"writable"`
}

var (
	fMappings      []string
	fMappingFile   string
	fNodeCache     string
	fXattrs        bool
	fTTL           time.Duration
	fAllowOther    bool
	fInputPath     string
	fOutputPath    string
	fDebug         bool
	fLogFile       string
	fLogMaxSizeMB  int
	fLogMaxBackups int
	fLogMaxAgeDays int
)

func main() {
	root := &cobra.Command{
		Use:   "sandboxfs <mount_point>",
		Short: "Mount a reconfigurable sandbox view of the host file system",
		Args:  cobra.ExactArgs(1),
		RunE:  run,
	}

	flags := root.Flags()
	flags.StringArrayVar(&fMappings, "mapping", nil, "inner_path:underlying_path:ro|rw, may be repeated")
	flags.StringVar(&fMappingFile, "mapping-file", "", "YAML/JSON file whose top-level \"mappings\" key holds a list of {inner, underlying, writable} records")
	flags.StringVar(&fNodeCache, "node-cache", "none", "path-identity cache: none, all, or mapped-only")
	flags.BoolVar(&fXattrs, "xattrs", false, "serve real extended attributes instead of ENOSYS")
	flags.DurationVar(&fTTL, "ttl", 60*time.Second, "kernel attribute/entry cache TTL")
	flags.BoolVar(&fAllowOther, "allow_other", false, "allow users other than the mount owner to access the file system")
	flags.StringVar(&fInputPath, "input", "", "reconfiguration request stream (defaults to stdin)")
	flags.StringVar(&fOutputPath, "output", "", "reconfiguration response stream (defaults to stdout)")
	flags.BoolVar(&fDebug, "debug", false, "enable verbose FUSE debug logging")
	flags.StringVar(&fLogFile, "log-file", "", "rotated log destination (defaults to stderr)")
	flags.IntVar(&fLogMaxSizeMB, "log-max-size-mb", 100, "log rotation size threshold")
	flags.IntVar(&fLogMaxBackups, "log-max-backups", 5, "retained rotated log files")
	flags.IntVar(&fLogMaxAgeDays, "log-max-age-days", 28, "retained rotated log age")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	mountPoint := args[0]

	logger := sandbox.NewRotatingLogger(fLogFile, fLogMaxSizeMB, fLogMaxBackups, fLogMaxAgeDays, fDebug)
	sandbox.SetLogger(logger)

	runID := uuid.NewString()
	logger.Info("starting sandboxfs", "run_id", runID, "mount_point", mountPoint)

	mappings, err := loadMappings()
	if err != nil {
		return err
	}

	cache, err := newCache(fNodeCache)
	if err != nil {
		return err
	}

	fs, err := sandbox.New(sandbox.Config{
		Mappings:      mappings,
		Cache:         cache,
		TTL:           fTTL,
		XattrsEnabled: fXattrs,
		Uid:           uint32(os.Getuid()),
		Gid:           uint32(os.Getgid()),
	})
	if err != nil {
		return asFatal(err)
	}

	if err := os.MkdirAll(mountPoint, 0755); err != nil {
		return fmt.Errorf("cannot create mount point %q: %w", mountPoint, err)
	}

	server := fuseutil.NewFileSystemServer(fs)

	cfg := &fuse.MountConfig{
		FSName:      "sandboxfs",
		ErrorLogger: sandbox.AsStdLogger(logger, "fuse"),
		// default_permissions defers permission checks to the kernel against
		// the attributes this file system reports, per spec.md §6; it is
		// always forwarded regardless of any other mount option.
		Options: map[string]string{"default_permissions": ""},
	}
	if fDebug {
		cfg.DebugLogger = sandbox.AsStdLogger(logger, "fuse-debug")
	}
	if fAllowOther {
		cfg.Options["allow_other"] = ""
	}

	mfs, err := fuse.Mount(mountPoint, server, cfg)
	if err != nil {
		return fmt.Errorf("mount failed: %w", err)
	}

	in, out, closeStreams, err := openReconfigStreams()
	if err != nil {
		return err
	}
	defer closeStreams()

	root2, ids, cacheView := fs.Root()
	view := sandbox.NewReconfigurableView(root2, ids, cacheView)

	reconfigDone := make(chan error, 1)
	go func() {
		reconfigDone <- sandbox.RunReconfigLoop(view, in, out)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("caught signal, unmounting", "signal", sig.String())
		if err := fuse.Unmount(mountPoint); err != nil {
			logger.Warn("unmount failed", "error", err)
		}
	}()

	joinErr := mfs.Join(context.Background())

	closeStreams()
	if reconfigErr := <-reconfigDone; reconfigErr != nil {
		logger.Warn("reconfiguration loop exited with error", "error", reconfigErr)
	}

	if joinErr != nil {
		return fmt.Errorf("mount session failed: %w", joinErr)
	}
	logger.Info("sandboxfs unmounted", "run_id", runID)
	return nil
}

// loadMappings merges --mapping-file (applied first) with --mapping
// flags (applied after, so repeated CLI flags can extend a base file),
// per SPEC_FULL.md §C.4.
func loadMappings() ([]*sandbox.Mapping, error) {
	var mappings []*sandbox.Mapping

	if fMappingFile != "" {
		v := viper.New()
		v.SetConfigFile(fMappingFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("cannot read mapping file %q: %w", fMappingFile, err)
		}
		var specs []mappingSpec
		if err := v.UnmarshalKey("mappings", &specs); err != nil {
			return nil, fmt.Errorf("cannot parse mapping file %q: %w", fMappingFile, err)
		}
		for _, s := range specs {
			m, err := sandbox.NewMapping(s.Inner, s.Underlying, s.Writable)
			if err != nil {
				return nil, fmt.Errorf("invalid mapping in %q: %w", fMappingFile, err)
			}
			mappings = append(mappings, m)
		}
	}

	for _, flag := range fMappings {
		m, err := sandbox.ParseMappingFlag(flag)
		if err != nil {
			return nil, err
		}
		mappings = append(mappings, m)
	}

	return mappings, nil
}

func newCache(kind string) (sandbox.Cache, error) {
	switch kind {
	case "none", "":
		return sandbox.NoCache{}, nil
	case "all":
		return sandbox.NewAllCache(), nil
	case "mapped-only":
		return sandbox.NewMappedOnlyCache(), nil
	default:
		return nil, fmt.Errorf("invalid --node-cache %q: must be none, all, or mapped-only", kind)
	}
}

// openReconfigStreams opens --input/--output, defaulting to stdin and
// stdout, and returns a closer that is safe to call more than once.
func openReconfigStreams() (*os.File, *os.File, func(), error) {
	in := os.Stdin
	out := os.Stdout
	var opened []*os.File

	if fInputPath != "" {
		f, err := os.Open(fInputPath)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("cannot open reconfiguration input %q: %w", fInputPath, err)
		}
		in = f
		opened = append(opened, f)
	}
	if fOutputPath != "" {
		f, err := os.OpenFile(fOutputPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("cannot open reconfiguration output %q: %w", fOutputPath, err)
		}
		out = f
		opened = append(opened, f)
	}

	closed := false
	closer := func() {
		if closed {
			return
		}
		closed = true
		for _, f := range opened {
			f.Close()
		}
	}
	return in, out, closer, nil
}

// asFatal logs and translates a *sandbox.FatalError into a process-level
// failure, per spec.md §7: root-construction errors (a root mapping
// target that cannot be stat'ed or is not a directory, a duplicate root
// mapping) are not recoverable.
func asFatal(err error) error {
	if fe, ok := err.(*sandbox.FatalError); ok {
		slog.Default().Error("fatal error constructing sandbox tree", "error", fe.Error())
		return fe
	}
	return err
}
