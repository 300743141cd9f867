package codec

import (
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestFetchRequest(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		req  *FetchRequest
	}{
		{
			name: "empty",
			req:  &FetchRequest{Store: "users"},
		},
		{
			name: "normal",
			req: &FetchRequest{
				Store: "users",
				ReplicaPartitions: []ReplicaPartitions{
					{ReplicaType: 0, Partitions: []int32{5, 7}},
					{ReplicaType: 1, Partitions: []int32{5}},
				},
				SkipRecords: 3,
			},
		},
		{
			name: "replica type without partitions",
			req: &FetchRequest{
				Store:             "users",
				ReplicaPartitions: []ReplicaPartitions{{ReplicaType: 2}},
			},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			re := require.New(t)

			got, err := DecodeFetchRequest(AppendFetchRequest(nil, tt.req))
			re.NoError(err)
			re.Equal(tt.req, got)
		})
	}
}

func TestDecodeFetchRequest(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	b := AppendFetchRequest(nil, &FetchRequest{Store: "users", SkipRecords: 2})
	b = protowire.AppendTag(b, 15, protowire.BytesType)
	b = protowire.AppendString(b, "ignored")
	got, err := DecodeFetchRequest(b)
	re.NoError(err)
	re.Equal(&FetchRequest{Store: "users", SkipRecords: 2}, got)

	_, err = DecodeFetchRequest(b[:len(b)-1])
	re.ErrorContains(err, "decode fetch request")
}

func TestError(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	msg, err := DecodeError(AppendError(nil, "boom"))
	re.NoError(err)
	re.Equal("boom", msg)

	_, err = DecodeError([]byte{0xff})
	re.Error(err)
}
