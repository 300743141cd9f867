package operation

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOperation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		code      uint16
		want      Operation
		name      string
		isControl bool
	}{
		{code: 1, want: Ping(), name: "Ping", isControl: true},
		{code: 2, want: GoAway(), name: "GoAway", isControl: true},
		{code: 3, want: FetchPartitionEntries(), name: "FetchPartitionEntries"},
		{code: 0, want: Unknown(), name: "Unknown"},
		{code: 999, want: Unknown(), name: "Unknown"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			re := require.New(t)

			op := NewOperation(tt.code)
			re.Equal(tt.want, op)
			re.Equal(tt.name, op.String())
			re.Equal(tt.isControl, op.IsControl())
		})
	}
}
