// Package snapshot copies one target's slice of the source accessioning store
// into its staging database.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mkoziy/genome/release/internal/accession"
	"github.com/mkoziy/genome/release/internal/command"
	"github.com/mkoziy/genome/release/internal/models"
	"github.com/mkoziy/genome/release/internal/releaseerr"
)

// Endpoint is a mongo deployment reachable by the dump and restore tools.
type Endpoint struct {
	URI        string
	Database   string
	User       string
	Password   string
	AuthSource string
}

func (e Endpoint) authArgs() []string {
	if e.User == "" {
		return nil
	}
	args := []string{"--username", e.User, "--password", e.Password}
	if e.AuthSource != "" {
		args = append(args, "--authenticationDatabase", e.AuthSource)
	}
	return args
}

// Database is the staging database handle the snapshotter resets.
type Database interface {
	Name() string
	Drop(ctx context.Context) error
}

// Result describes a completed snapshot.
type Result struct {
	Database    string
	Collections []string
	DumpDir     string
}

// Snapshotter exports filtered collections with mongodump and restores them
// into the staging database with mongorestore.
type Snapshotter struct {
	runner command.Runner
	source Endpoint
	tmpDir string
	logger *slog.Logger
}

// New returns a Snapshotter reading from source and dumping under tmpDir.
func New(runner command.Runner, source Endpoint, tmpDir string, logger *slog.Logger) *Snapshotter {
	return &Snapshotter{runner: runner, source: source, tmpDir: tmpDir, logger: logger}
}

// DumpDir is the local export folder of an assembly.
func (s *Snapshotter) DumpDir(assembly string) string {
	return filepath.Join(s.tmpDir, "dump_"+strings.ReplaceAll(assembly, ".", "_"))
}

// Snapshot drops the staging database, exports the target's slice of each
// collection present in its sources and restores it under the same names.
// On failure the staging database is dropped again and the dump kept.
func (s *Snapshotter) Snapshot(ctx context.Context, t *models.ReleaseTarget, staging Database, dest Endpoint) (*Result, error) {
	op := fmt.Sprintf("snapshot %s", t.Key())
	if t.IsUnmapped() {
		return nil, releaseerr.Newf(releaseerr.KindSnapshot, op, "unmapped targets have no staging slice")
	}
	if err := staging.Drop(ctx); err != nil {
		return nil, releaseerr.New(releaseerr.KindSnapshot, op, err)
	}

	res, err := s.snapshot(ctx, t, staging.Name(), dest)
	if err != nil {
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
		defer cancel()
		if dropErr := staging.Drop(cleanupCtx); dropErr != nil {
			s.logger.Error("could not drop partial staging database", "database", staging.Name(), "error", dropErr)
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, releaseerr.New(releaseerr.KindSnapshot, op, err)
	}
	return res, nil
}

func (s *Snapshotter) snapshot(ctx context.Context, t *models.ReleaseTarget, stagingDB string, dest Endpoint) (*Result, error) {
	dumpDir := s.DumpDir(t.AssemblyAccession)
	if err := os.RemoveAll(dumpDir); err != nil {
		return nil, fmt.Errorf("clear dump dir: %w", err)
	}
	if err := os.MkdirAll(dumpDir, 0o755); err != nil {
		return nil, fmt.Errorf("create dump dir: %w", err)
	}

	res := &Result{Database: stagingDB, DumpDir: dumpDir}
	for _, ns := range accession.Namespaces(t.Sources) {
		query, err := accession.ExtJSONFilter(ns.Kind, t.Taxonomy, t.AssemblyAccession)
		if err != nil {
			return nil, err
		}
		args := []string{
			"--uri", s.source.URI,
			"--db", s.source.Database,
			"--collection", ns.Collection,
			"--query", query,
			"--out", dumpDir,
		}
		cmd := command.Command{
			Tool:    command.Mongodump,
			Args:    append(args, s.source.authArgs()...),
			Secrets: []string{s.source.Password},
		}
		start := time.Now()
		if _, err := s.runner.Run(ctx, cmd); err != nil {
			return nil, fmt.Errorf("export %s: %w", ns.Collection, err)
		}
		s.logger.Info("exported collection", "collection", ns.Collection, "query", query, "duration", time.Since(start))
		res.Collections = append(res.Collections, ns.Collection)
	}

	args := []string{
		"--uri", dest.URI,
		"--nsFrom", s.source.Database + ".*",
		"--nsTo", stagingDB + ".*",
		"--drop",
		"--dir", dumpDir,
	}
	restore := command.Command{
		Tool:    command.Mongorestore,
		Args:    append(args, dest.authArgs()...),
		Secrets: []string{dest.Password},
	}
	if _, err := s.runner.Run(ctx, restore); err != nil {
		return nil, fmt.Errorf("import into %s: %w", stagingDB, err)
	}
	s.logger.Info("restored staging database", "database", stagingDB, "collections", len(res.Collections))

	if err := os.RemoveAll(dumpDir); err != nil {
		s.logger.Warn("could not remove dump dir", "dir", dumpDir, "error", err)
	}
	return res, nil
}
