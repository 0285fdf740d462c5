package subgraph

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"market-pnl-lab/internal/catalog"
)

func TestBuildQueryByIDEmptyCursor(t *testing.T) {
	got := BuildQuery(catalog.PnlCondition, "", 0)
	want := `{"query":"{conditions(first:1000,orderBy:id,orderDirection:asc){id positionIds}}"}`
	assert.Equal(t, want, got)
}

func TestBuildQueryByIDWithCursor(t *testing.T) {
	got := BuildQuery(catalog.PnlCondition, "0xabc", 0)
	want := `{"query":"{conditions(first:1000,orderBy:id,orderDirection:asc,where:{id_gt:\"0xabc\"}){id positionIds}}"}`
	assert.Equal(t, want, got)
}

func TestBuildQueryTimestampEmptyCursor(t *testing.T) {
	got := BuildQuery(catalog.Split, "", 0)
	want := `{"query":"{splits(first:1000,orderBy:timestamp,orderDirection:asc,where:{timestamp_gte:0},skip:0){id timestamp stakeholder condition amount}}"}`
	assert.Equal(t, want, got)
}

func TestBuildQueryTimestampWithSkip(t *testing.T) {
	got := BuildQuery(catalog.Condition, "1700000000", 2000)
	want := `{"query":"{conditions(first:1000,orderBy:resolutionTimestamp,orderDirection:asc,where:{resolutionTimestamp_gte:1700000000},skip:2000){id questionId oracle outcomeSlotCount resolutionTimestamp payoutNumerators payoutDenominator}}"}`
	assert.Equal(t, want, got)
}

func TestBuildIDInQuery(t *testing.T) {
	got := BuildIDInQuery([]string{"0xa", "0xb"}, "id positionIds")
	want := `{"query":"{conditions(first:2,where:{id_in:[\"0xa\",\"0xb\"]}){id positionIds}}"}`
	assert.Equal(t, want, got)
}

func TestEscapeJSON(t *testing.T) {
	assert.Equal(t, `a\"b`, EscapeJSON(`a"b`))
	assert.Equal(t, `a\\b`, EscapeJSON(`a\b`))
	assert.Equal(t, `a\nb`, EscapeJSON("a\nb"))
	assert.Equal(t, "plain", EscapeJSON("plain"))
}
