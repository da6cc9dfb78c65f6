// SPDX-License-Identifier: Apache-2.0

package stats_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgswap/pgswap/pkg/stats"
)

func TestCollectorAccumulates(t *testing.T) {
	col := stats.NewCollector()

	col.Log("staged inbound dataset")
	col.Warn("sequence reset failed for widgets_id_seq")
	col.RecordError(assertErr{"dump exited non-zero"})
	col.TablesMigrated(3, 150)
	col.TablesMigrated(2, 50)
	col.PhaseDuration("P1", 2*time.Second)

	s := col.Finish()

	assert.Equal(t, 5, s.TablesProcessed)
	assert.EqualValues(t, 200, s.RecordsMigrated)
	require.Len(t, s.Warnings, 1)
	assert.Equal(t, "sequence reset failed for widgets_id_seq", s.Warnings[0])
	require.Len(t, s.Errors, 1)
	assert.Equal(t, "dump exited non-zero", s.Errors[0])
	assert.Equal(t, 2*time.Second, s.PhaseDurations["P1"])
	assert.False(t, s.End.Before(s.Start))
}

func TestStatsSnapshotIsIndependentOfCollector(t *testing.T) {
	col := stats.NewCollector()
	col.Warn("first warning")

	snap := col.Stats()
	col.Warn("second warning")

	assert.Len(t, snap.Warnings, 1, "snapshot must not observe writes made after it was taken")
}

func TestRenderIncludesCounts(t *testing.T) {
	col := stats.NewCollector()
	col.TablesMigrated(1, 10)
	col.Warn("minor issue")
	s := col.Finish()

	out := s.Render("success", "postgres://src", "postgres://dst")

	assert.Contains(t, out, "outcome: success")
	assert.Contains(t, out, "source: postgres://src")
	assert.Contains(t, out, "destination: postgres://dst")
	assert.Contains(t, out, "tables processed: 1")
	assert.Contains(t, out, "records migrated: 10")
	assert.Contains(t, out, "warnings: 1")
	assert.Contains(t, out, "--- log ---")
	assert.Contains(t, out, "=== end of report ===")
}

func TestStatsMarshalsToJSON(t *testing.T) {
	col := stats.NewCollector()
	col.TablesMigrated(1, 1)
	s := col.Finish()

	payload, err := json.Marshal(s)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(payload, &decoded))
	assert.Contains(t, decoded, "TablesProcessed")
	assert.Contains(t, decoded, "RecordsMigrated")
}

type assertErr struct{ msg string }

func (e assertErr) Error() string { return e.msg }
