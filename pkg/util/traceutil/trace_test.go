package traceutil

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestTraceID(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	ctx := context.Background()
	re.Equal("", TraceID(ctx))

	tCtx1 := SetTraceID(ctx, "fetch-1")
	re.Equal("fetch-1", TraceID(tCtx1))

	tCtx2 := SetTraceID(ctx, "")
	re.Equal("", TraceID(tCtx2))
}

func TestEnsureTraceID(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	ctx := EnsureTraceID(context.Background())
	_, err := uuid.Parse(TraceID(ctx))
	re.NoError(err)

	// an existing id is kept
	kept := EnsureTraceID(SetTraceID(context.Background(), "fetch-2"))
	re.Equal("fetch-2", TraceID(kept))
}

func TestTraceLogField(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	re.Equal(zap.Skip(), TraceLogField(context.Background()))
	re.Equal(zap.String("trace-id", "fetch-3"), TraceLogField(SetTraceID(context.Background(), "fetch-3")))
}
