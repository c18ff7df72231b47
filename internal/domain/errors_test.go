package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDomainErrorFormat(t *testing.T) {
	err := NewDomainError("ShardManager.GetWriteShard", ErrShardAllSealed, "scope=user hash=abc")
	want := "ShardManager.GetWriteShard: scope=user hash=abc: shard: all shards sealed"
	assert.Equal(t, want, err.Error())
}

func TestDomainErrorFormatNoDetail(t *testing.T) {
	err := NewDomainError("VectorStore.Insert", ErrStoreIDExists, "")
	want := "VectorStore.Insert: store: id already exists"
	assert.Equal(t, want, err.Error())
}

func TestDomainErrorUnwrap(t *testing.T) {
	err := NewDomainError("VectorStore.GetByID", ErrStoreNotFound, "mem_x")
	assert.True(t, errors.Is(err, ErrStoreNotFound))
}

func TestDomainErrorAs(t *testing.T) {
	err := NewDomainError("Embedding.Embed", ErrEmbedTimeout, "")
	var de *DomainError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, "Embedding.Embed", de.Op)
}

// --- TransportError / PartialFailureError ---

func TestTransportError_WrapsSentinel(t *testing.T) {
	err := &TransportError{Code: 503}
	assert.True(t, errors.Is(err, ErrEmbedTransport))
	assert.Contains(t, err.Error(), "503")
}

func TestPartialFailureError_WrapsSentinel(t *testing.T) {
	err := &PartialFailureError{Details: "3 rows failed"}
	assert.True(t, errors.Is(err, ErrMigrationPartialFailure))
	assert.Contains(t, err.Error(), "3 rows failed")
}

// --- ErrorCode tests ---

func TestErrorCodeOf_DirectSentinel(t *testing.T) {
	assert.Equal(t, CodeStoreNotFound, ErrorCodeOf(ErrStoreNotFound))
	assert.Equal(t, CodeShardAllSealed, ErrorCodeOf(ErrShardAllSealed))
	assert.Equal(t, CodeLockPortConflict, ErrorCodeOf(ErrLockPortConflict))
}

func TestErrorCodeOf_DomainError(t *testing.T) {
	err := NewDomainError("Store.Insert", ErrStoreIDExists, "mem_x")
	assert.Equal(t, CodeStoreIDExists, ErrorCodeOf(err))
}

func TestErrorCodeOf_WrappedError(t *testing.T) {
	wrapped := fmt.Errorf("context: %w", ErrShardMissing)
	assert.Equal(t, CodeShardMissing, ErrorCodeOf(wrapped))
}

func TestErrorCodeOf_WrappedTypedError(t *testing.T) {
	wrapped := fmt.Errorf("request failed: %w", &TransportError{Code: 500})
	assert.Equal(t, CodeEmbedTransport, ErrorCodeOf(wrapped))
}

func TestErrorCodeOf_UnknownError(t *testing.T) {
	assert.Equal(t, CodeUnknown, ErrorCodeOf(fmt.Errorf("some random error")))
}

func TestErrorCodeOf_Nil(t *testing.T) {
	assert.Equal(t, CodeUnknown, ErrorCodeOf(nil))
}

func TestDomainError_Code(t *testing.T) {
	err := NewDomainError("Migration.Run", ErrMigrationAlreadyRunning, "")
	assert.Equal(t, CodeMigrationAlreadyRunning, err.Code())
}

func TestDomainError_CodeUnknownSentinel(t *testing.T) {
	err := NewDomainError("Op", fmt.Errorf("custom"), "detail")
	assert.Equal(t, CodeUnknown, err.Code())
}

func TestAllSentinelsHaveCodes(t *testing.T) {
	require.NotEmpty(t, errorCodeMap)
	for sentinel, code := range errorCodeMap {
		assert.NotEmpty(t, code, "sentinel %v has empty code", sentinel)
		assert.NotEqual(t, CodeUnknown, code, "sentinel %v maps to UNKNOWN", sentinel)
	}
}

// --- NewSubSystemError tests ---

func TestNewSubSystemError_Format(t *testing.T) {
	err := NewSubSystemError("shard", "Run", ErrShardMissing, "shard-123")
	assert.Equal(t, "Run: shard-123: shard: missing", err.Error())
}

func TestNewSubSystemError_SubSystemField(t *testing.T) {
	err := NewSubSystemError("shard", "Run", ErrShardMissing, "shard-123")
	assert.Equal(t, "shard", err.SubSystem)
}

func TestNewSubSystemError_Unwrap(t *testing.T) {
	err := NewSubSystemError("embedding", "Warmup", ErrEmbedModelLoad, "")
	assert.True(t, errors.Is(err, ErrEmbedModelLoad))
}

// --- WrapOp tests ---

func TestWrapOp_Nil(t *testing.T) {
	assert.Nil(t, WrapOp("anything", nil))
}

func TestWrapOp_Format(t *testing.T) {
	err := WrapOp("Store.GetByID", ErrStoreNotFound)
	assert.Equal(t, "Store.GetByID: store: not found", err.Error())
}

func TestWrapOp_PreservesIs(t *testing.T) {
	err := WrapOp("Store.GetByID", ErrStoreNotFound)
	assert.True(t, errors.Is(err, ErrStoreNotFound))
}

func TestWrapOp_PreservesErrorCode(t *testing.T) {
	err := WrapOp("Store.GetByID", ErrStoreNotFound)
	assert.Equal(t, CodeStoreNotFound, ErrorCodeOf(err))
}

func TestWrapOp_Chain(t *testing.T) {
	inner := WrapOp("inner", ErrStoreIO)
	outer := WrapOp("outer", inner)
	assert.Equal(t, "outer: inner: store: io error", outer.Error())
	assert.True(t, errors.Is(outer, ErrStoreIO))
}

// --- IsRetryableError tests ---

func TestIsRetryableError_Transport(t *testing.T) {
	assert.True(t, IsRetryableError(ErrEmbedTransport))
}

func TestIsRetryableError_StoreIO(t *testing.T) {
	assert.True(t, IsRetryableError(ErrStoreIO))
}

func TestIsRetryableError_Wrapped(t *testing.T) {
	err := fmt.Errorf("embed call: %w", ErrEmbedTransport)
	assert.True(t, IsRetryableError(err))
}

func TestIsRetryableError_DomainError(t *testing.T) {
	err := NewDomainError("Embedding.Embed", ErrEmbedTransport, "openai")
	assert.True(t, IsRetryableError(err))
}

func TestIsRetryableError_NotRetryable(t *testing.T) {
	assert.False(t, IsRetryableError(ErrStoreNotFound))
	assert.False(t, IsRetryableError(ErrEmbedTimeout))
	assert.False(t, IsRetryableError(fmt.Errorf("random error")))
}

func TestIsRetryableError_Nil(t *testing.T) {
	assert.False(t, IsRetryableError(nil))
}
