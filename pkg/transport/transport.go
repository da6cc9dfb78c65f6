// SPDX-License-Identifier: Apache-2.0

// Package transport drives the native pg_dump/pg_restore utilities to move
// one namespace's data and schema between databases, following the
// "shell out to a native tool, capture stderr on failure" pattern used
// throughout the example corpus for migration tooling. It is the engine's
// only dependency on out-of-process tools.
package transport

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"runtime"

	"github.com/shirou/gopsutil/v4/cpu"

	"github.com/pgswap/pgswap/pkg/endpoint"
	"github.com/pgswap/pgswap/pkg/pgerrors"
)

// MaxParallelJobs is the hard ceiling on restore parallelism, regardless
// of available CPU count or an operator-requested job count.
const MaxParallelJobs = 8

// Transport shells out to pg_dump and pg_restore. DumpBin and RestoreBin
// default to the bare binary names, resolved via $PATH.
type Transport struct {
	DumpBin    string
	RestoreBin string
}

// New returns a Transport using the default pg_dump/pg_restore binaries.
func New() *Transport {
	return &Transport{DumpBin: "pg_dump", RestoreBin: "pg_restore"}
}

func (t *Transport) dumpBin() string {
	if t.DumpBin != "" {
		return t.DumpBin
	}
	return "pg_dump"
}

func (t *Transport) restoreBin() string {
	if t.RestoreBin != "" {
		return t.RestoreBin
	}
	return "pg_restore"
}

// Dump produces a binary archive (custom format, "-Fc") of one namespace's
// data and schema from src, into outputPath.
func (t *Transport) Dump(ctx context.Context, src endpoint.Endpoint, namespace, outputPath string) error {
	cmd := exec.CommandContext(ctx, t.dumpBin(),
		"--format=custom",
		"--no-owner",
		"--no-privileges",
		"--schema", namespace,
		"--file", outputPath,
		src.URL())

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return pgerrors.ArchiveError{Tool: t.dumpBin(), Stderr: stderr.String(), Err: err}
	}
	return nil
}

// Restore restores a binary archive produced by Dump into the matching
// namespace inside dst, disabling triggers during load so foreign-key
// dependent data can load out of order. Index entries are filtered out of
// the archive's table of contents before restoring: indexes are rebuilt
// later, once the promoted namespace is live, by
// restore.Restorer.RebuildIndexes, so the restore itself isn't slowed
// down by index builds pg_restore would otherwise throw away moments
// later at swap time. parallelJobs is clamped to
// min(MaxParallelJobs, AvailableCPUCount()).
func (t *Transport) Restore(ctx context.Context, dst endpoint.Endpoint, parallelJobs int, inputPath string) error {
	jobs := ClampParallelJobs(parallelJobs)

	list, err := t.tocWithoutIndexes(ctx, inputPath)
	if err != nil {
		return err
	}
	defer os.Remove(list)

	cmd := exec.CommandContext(ctx, t.restoreBin(),
		"--no-owner",
		"--no-privileges",
		"--disable-triggers",
		"--use-list", list,
		fmt.Sprintf("--jobs=%d", jobs),
		"--dbname", dst.URL(),
		inputPath)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return pgerrors.ArchiveError{Tool: t.restoreBin(), Stderr: stderr.String(), Err: err}
	}
	return nil
}

// indexEntryRe matches a pg_restore --list table-of-contents line for a
// standalone CREATE INDEX entry ("<id>; <tableoid> <oid> INDEX ..."). It
// deliberately doesn't match PK/UNIQUE-backed indexes, which pg_restore
// lists under the "CONSTRAINT" type and restore.RebuildIndexes never
// touches anyway.
var indexEntryRe = regexp.MustCompile(`^\d+;\s+\d+\s+\d+\s+INDEX\s`)

// tocWithoutIndexes runs `pg_restore --list` against the archive and
// writes back a filtered table of contents with every INDEX entry
// dropped, suitable for --use-list; entries absent from a --use-list file
// are simply skipped during restore.
func (t *Transport) tocWithoutIndexes(ctx context.Context, inputPath string) (string, error) {
	cmd := exec.CommandContext(ctx, t.restoreBin(), "--list", inputPath)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", pgerrors.ArchiveError{Tool: t.restoreBin(), Stderr: stderr.String(), Err: err}
	}

	f, err := os.CreateTemp("", "pgswap-toc-*.list")
	if err != nil {
		return "", err
	}
	defer f.Close()

	scanner := bufio.NewScanner(&stdout)
	for scanner.Scan() {
		line := scanner.Text()
		if indexEntryRe.MatchString(line) {
			continue
		}
		fmt.Fprintln(f, line)
	}
	if err := scanner.Err(); err != nil {
		os.Remove(f.Name())
		return "", err
	}

	return f.Name(), nil
}

// ClampParallelJobs applies min(MaxParallelJobs, AvailableCPUCount()) to a
// requested job count.
func ClampParallelJobs(requested int) int {
	avail := AvailableCPUCount()
	max := MaxParallelJobs
	if avail < max {
		max = avail
	}
	if requested <= 0 || requested > max {
		return max
	}
	return requested
}

// AvailableCPUCount returns runtime.NumCPU. gopsutil's cpu.Counts is
// consulted only if that reports a non-positive count, and 1 is returned
// if both fail.
func AvailableCPUCount() int {
	if n := runtime.NumCPU(); n > 0 {
		return n
	}

	counts, err := cpu.Counts(true)
	if err != nil || counts <= 0 {
		return 1
	}
	return counts
}
