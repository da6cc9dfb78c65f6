// SPDX-License-Identifier: Apache-2.0

package transport_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgswap/pgswap/pkg/endpoint"
	"github.com/pgswap/pgswap/pkg/pgerrors"
	"github.com/pgswap/pgswap/pkg/transport"
)

func TestClampParallelJobsCapsAtMaxParallelJobs(t *testing.T) {
	got := transport.ClampParallelJobs(1000)
	assert.LessOrEqual(t, got, transport.MaxParallelJobs)
	assert.Positive(t, got)
}

func TestClampParallelJobsFallsBackToMaxForNonPositiveRequest(t *testing.T) {
	got := transport.ClampParallelJobs(0)
	assert.Equal(t, got, transport.ClampParallelJobs(-5))
	assert.Positive(t, got)
}

func TestClampParallelJobsHonorsAReasonableRequest(t *testing.T) {
	avail := transport.AvailableCPUCount()
	if avail < 2 {
		t.Skip("not enough CPUs visible to exercise a sub-max request")
	}
	got := transport.ClampParallelJobs(1)
	assert.Equal(t, 1, got)
}

func TestAvailableCPUCountIsPositive(t *testing.T) {
	assert.Positive(t, transport.AvailableCPUCount())
}

func TestDumpSurfacesArchiveErrorWhenBinaryMissing(t *testing.T) {
	tr := transport.New()
	tr.DumpBin = "pg_dump_does_not_exist_on_this_machine"

	err := tr.Dump(context.Background(), endpoint.Endpoint{Host: "localhost", Port: 5432, Database: "x", User: "u"}, "public", "/tmp/out.dump")

	require.Error(t, err)
	var archiveErr pgerrors.ArchiveError
	require.ErrorAs(t, err, &archiveErr)
	assert.Equal(t, "pg_dump_does_not_exist_on_this_machine", archiveErr.Tool)
}

func TestRestoreSurfacesArchiveErrorWhenBinaryMissing(t *testing.T) {
	tr := transport.New()
	tr.RestoreBin = "pg_restore_does_not_exist_on_this_machine"

	err := tr.Restore(context.Background(), endpoint.Endpoint{Host: "localhost", Port: 5432, Database: "x", User: "u"}, 2, "/tmp/in.dump")

	require.Error(t, err)
	var archiveErr pgerrors.ArchiveError
	require.ErrorAs(t, err, &archiveErr)
	assert.Equal(t, "pg_restore_does_not_exist_on_this_machine", archiveErr.Tool)
}
