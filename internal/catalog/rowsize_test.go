package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEstimateRowSize(t *testing.T) {
	tests := []struct {
		name string
		ddl  string
		want int
	}{
		{
			name: "condition",
			ddl:  Condition.DDL,
			// id 66 + questionId 66 + oracle 42 + outcomeSlotCount 4 +
			// resolutionTimestamp 8 + payoutNumerators 32 +
			// payoutDenominator 8 + positionIds 32 + base 8
			want: 266,
		},
		{
			name: "order fill with trailing index statement",
			ddl:  EnrichedOrderFilled.DDL,
			// id 66 + timestamp 8 + maker 42 + taker 42 + market 32 +
			// side 32 + size 32 + price 8 + base 8
			want: 270,
		},
		{
			name: "split",
			ddl:  Split.DDL,
			// id 66 + timestamp 8 + stakeholder 42 + condition 32 +
			// amount 32 + base 8
			want: 188,
		},
		{
			name: "minimum floor",
			ddl:  "CREATE TABLE t (\n  x BOOLEAN\n)",
			want: 16,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, EstimateRowSize(tt.ddl))
		})
	}
}
