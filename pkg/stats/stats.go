// SPDX-License-Identifier: Apache-2.0

// Package stats collects phase timings, counts, warnings and errors for a
// single migration run and renders them into a report format: a header
// with outcome/timings/endpoints/totals, a body that is the log buffer
// verbatim, and a footer terminator.
package stats

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Stats is the statistics object accumulated over one migration run.
type Stats struct {
	mu sync.Mutex

	Start           time.Time
	End             time.Time
	TablesProcessed int
	RecordsMigrated int64
	Warnings        []string
	Errors          []string
	PhaseDurations  map[string]time.Duration
	logBuffer       []string
}

// Collector is the write side of Stats, passed down into every component
// so warnings and errors surface on the one statistics object the engine
// ultimately returns, without every component needing to know about the
// engine's own lifecycle.
type Collector struct {
	stats *Stats
}

// NewCollector creates a fresh Stats object and a Collector over it.
func NewCollector() *Collector {
	return &Collector{stats: &Stats{
		Start:          time.Now(),
		PhaseDurations: make(map[string]time.Duration),
	}}
}

// Stats returns the underlying statistics object. Safe to call while the
// collector is still being written to; callers should treat the result as
// a snapshot.
func (c *Collector) Stats() *Stats {
	c.stats.mu.Lock()
	defer c.stats.mu.Unlock()

	cp := *c.stats
	cp.Warnings = append([]string(nil), c.stats.Warnings...)
	cp.Errors = append([]string(nil), c.stats.Errors...)
	cp.logBuffer = append([]string(nil), c.stats.logBuffer...)
	return &cp
}

// Log appends a line to the log buffer, stamped with an ISO-8601 UTC
// timestamp.
func (c *Collector) Log(line string) {
	c.stats.mu.Lock()
	defer c.stats.mu.Unlock()
	c.stats.logBuffer = append(c.stats.logBuffer, stamp(line))
}

// Warn records a warning: a problem the engine decided not to treat as
// fatal.
func (c *Collector) Warn(msg string) {
	c.stats.mu.Lock()
	defer c.stats.mu.Unlock()
	c.stats.Warnings = append(c.stats.Warnings, msg)
	c.stats.logBuffer = append(c.stats.logBuffer, stamp("WARN "+msg))
}

// RecordError records an error the engine decided not to re-raise, adding
// it to the statistics object's error list without making the run fail by
// itself (the phase handler still decides the overall outcome).
func (c *Collector) RecordError(err error) {
	c.stats.mu.Lock()
	defer c.stats.mu.Unlock()
	c.stats.Errors = append(c.stats.Errors, err.Error())
	c.stats.logBuffer = append(c.stats.logBuffer, stamp("ERROR "+err.Error()))
}

// TablesMigrated increments the count of tables processed and the count
// of records migrated.
func (c *Collector) TablesMigrated(tables int, records int64) {
	c.stats.mu.Lock()
	defer c.stats.mu.Unlock()
	c.stats.TablesProcessed += tables
	c.stats.RecordsMigrated += records
}

// PhaseDuration records the wall-clock duration of one phase.
func (c *Collector) PhaseDuration(phase string, d time.Duration) {
	c.stats.mu.Lock()
	defer c.stats.mu.Unlock()
	c.stats.PhaseDurations[phase] = d
	c.stats.logBuffer = append(c.stats.logBuffer, stamp(fmt.Sprintf("phase %s completed in %s", phase, d)))
}

// Finish marks the run complete and returns the final snapshot.
func (c *Collector) Finish() *Stats {
	c.stats.mu.Lock()
	c.stats.End = time.Now()
	c.stats.mu.Unlock()
	return c.Stats()
}

func stamp(line string) string {
	return fmt.Sprintf("%s %s", time.Now().UTC().Format(time.RFC3339), line)
}

// Render produces the full log-file body: header with outcome, timings,
// endpoint descriptions, totals; body is the log buffer verbatim; footer
// terminator.
func (s *Stats) Render(outcome string, sourceEndpoint, destEndpoint string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "=== pgswap migration report ===\n")
	fmt.Fprintf(&b, "outcome: %s\n", outcome)
	fmt.Fprintf(&b, "source: %s\n", sourceEndpoint)
	fmt.Fprintf(&b, "destination: %s\n", destEndpoint)
	fmt.Fprintf(&b, "started: %s\n", s.Start.UTC().Format(time.RFC3339))
	if !s.End.IsZero() {
		fmt.Fprintf(&b, "ended: %s\n", s.End.UTC().Format(time.RFC3339))
		fmt.Fprintf(&b, "duration: %s\n", s.End.Sub(s.Start))
	}
	fmt.Fprintf(&b, "tables processed: %d\n", s.TablesProcessed)
	fmt.Fprintf(&b, "records migrated: %d\n", s.RecordsMigrated)
	fmt.Fprintf(&b, "warnings: %d\n", len(s.Warnings))
	fmt.Fprintf(&b, "errors: %d\n", len(s.Errors))
	b.WriteString("--- log ---\n")
	for _, line := range s.logBuffer {
		b.WriteString(line)
		b.WriteString("\n")
	}
	b.WriteString("=== end of report ===\n")

	return b.String()
}
