package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueryStateCloneIsDeep(t *testing.T) {
	state := &QueryState{
		QueryID:      "q1",
		UserQuery:    "total revenue by region",
		DatabaseType: DatabaseTypeOracle,
		Intent: &Intent{
			QueryType: "aggregation",
			Tables:    []string{"SALES"},
		},
		Context: &QueryContext{
			Schema: SchemaSnapshot{
				Backend: "oracle",
				Tables: map[string][]ColumnInfo{
					"SALES": {{Name: "REGION", Type: "VARCHAR2"}, {Name: "REVENUE", Type: "NUMBER"}},
				},
			},
		},
		ColumnMappings: map[string]string{"revenue": "REVENUE"},
		ExecutionResult: &ExecutionResult{
			Columns: []string{"REGION", "REVENUE"},
			Rows:    [][]any{{"EMEA", 100}},
		},
		Extras: map[string]any{"note": "x"},
	}
	state.AddThinking("classified as aggregation")
	state.AddMessage("user", "total revenue by region")

	clone := state.Clone()
	require.NotNil(t, clone)

	clone.Intent.Tables[0] = "MUTATED"
	clone.Context.Schema.Tables["SALES"][0].Name = "MUTATED"
	clone.ColumnMappings["revenue"] = "MUTATED"
	clone.ExecutionResult.Rows[0][0] = "MUTATED"
	clone.LLMMetadata.ThinkingSteps[0] = "MUTATED"
	clone.Extras["note"] = "MUTATED"

	assert.Equal(t, "SALES", state.Intent.Tables[0])
	assert.Equal(t, "REGION", state.Context.Schema.Tables["SALES"][0].Name)
	assert.Equal(t, "REVENUE", state.ColumnMappings["revenue"])
	assert.Equal(t, "EMEA", state.ExecutionResult.Rows[0][0])
	assert.Equal(t, "classified as aggregation", state.LLMMetadata.ThinkingSteps[0])
	assert.Equal(t, "x", state.Extras["note"])
}

func TestCloneNilSafe(t *testing.T) {
	var state *QueryState
	assert.Nil(t, state.Clone())

	minimal := &QueryState{QueryID: "q2"}
	clone := minimal.Clone()
	require.NotNil(t, clone)
	assert.Equal(t, "q2", clone.QueryID)
	assert.Nil(t, clone.Intent)
	assert.Nil(t, clone.ExecutionResult)
}

func TestSchemaSnapshotColumnNames(t *testing.T) {
	snap := SchemaSnapshot{
		Tables: map[string][]ColumnInfo{
			"ORDERS": {{Name: "ID"}, {Name: "AMOUNT"}},
		},
	}
	assert.Equal(t, []string{"ID", "AMOUNT"}, snap.ColumnNames("ORDERS"))
	assert.Nil(t, snap.ColumnNames("MISSING"))
}

func TestAddThinkingIsAppendOnly(t *testing.T) {
	state := &QueryState{}
	state.AddThinking("one")
	state.AddThinking("two")
	assert.Equal(t, []string{"one", "two"}, state.LLMMetadata.ThinkingSteps)
}
