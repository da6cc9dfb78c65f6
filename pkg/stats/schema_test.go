// SPDX-License-Identifier: Apache-2.0

package stats_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgswap/pgswap/pkg/stats"
)

func TestValidatePayloadSchemaAcceptsARealStatsValue(t *testing.T) {
	col := stats.NewCollector()
	col.TablesMigrated(2, 20)
	col.Warn("a warning")
	s := col.Finish()

	payload, err := json.Marshal(s)
	require.NoError(t, err)

	assert.NoError(t, stats.ValidatePayloadSchema(payload))
}

func TestValidatePayloadSchemaRejectsMissingRequiredField(t *testing.T) {
	payload := []byte(`{"TablesProcessed": 1}`)

	err := stats.ValidatePayloadSchema(payload)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "schema validation")
}

func TestValidatePayloadSchemaRejectsNegativeCounts(t *testing.T) {
	payload := []byte(`{"Start": "2026-01-01T00:00:00Z", "TablesProcessed": -1, "RecordsMigrated": 0}`)

	err := stats.ValidatePayloadSchema(payload)

	assert.Error(t, err)
}

func TestValidatePayloadSchemaRejectsMalformedJSON(t *testing.T) {
	err := stats.ValidatePayloadSchema([]byte("{not json"))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "decoding stats payload")
}
