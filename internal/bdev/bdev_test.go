package bdev

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMallocOpenReadWrite(t *testing.T) {
	resetMallocRegistry()
	ctx := context.Background()

	dev, err := Open(ctx, "malloc:///m0?size_mb=1&blk_size=512", nil)
	require.NoError(t, err)
	defer dev.Close(ctx)

	assert.Equal(t, uint32(512), dev.BlockSize())
	assert.Equal(t, uint64(2048), dev.NumBlocks())

	pattern := bytes.Repeat([]byte{0xA5}, 512)
	n, ioErr := dev.Write(ctx, 0, pattern)
	require.Nil(t, ioErr)
	assert.Equal(t, 512, n)

	out := make([]byte, 512)
	n, ioErr = dev.Read(ctx, 0, out)
	require.Nil(t, ioErr)
	assert.Equal(t, 512, n)
	assert.Equal(t, pattern, out)
}

func TestMallocReadPastEndIsMediaError(t *testing.T) {
	resetMallocRegistry()
	ctx := context.Background()

	dev, err := Open(ctx, "malloc:///m1?size_mb=1&blk_size=512", nil)
	require.NoError(t, err)
	defer dev.Close(ctx)

	out := make([]byte, 512)
	_, ioErr := dev.Read(ctx, dev.NumBlocks()*512, out)
	require.NotNil(t, ioErr)
	assert.Equal(t, ErrMedia, ioErr.Kind)
}

func TestMallocSharedByName(t *testing.T) {
	resetMallocRegistry()
	ctx := context.Background()

	a, err := Open(ctx, "malloc:///shared?size_mb=1", nil)
	require.NoError(t, err)
	defer a.Close(ctx)

	b, err := Open(ctx, "malloc:///shared?size_mb=1", nil)
	require.NoError(t, err)
	defer b.Close(ctx)

	pattern := bytes.Repeat([]byte{0x5A}, 512)
	_, ioErr := a.Write(ctx, 0, pattern)
	require.Nil(t, ioErr)

	out := make([]byte, 512)
	_, ioErr = b.Read(ctx, 0, out)
	require.Nil(t, ioErr)
	assert.Equal(t, pattern, out)
}

func TestOpenUnknownSchemeFails(t *testing.T) {
	_, err := Open(context.Background(), "ftp://x/y", nil)
	assert.Error(t, err)
}

func TestOpenBdevSchemeRejected(t *testing.T) {
	_, err := Open(context.Background(), "bdev:///22ca10d3-4f2b-4b95-9814-9181c025cc1a", nil)
	assert.Error(t, err)
}

func TestIOErrorRetryable(t *testing.T) {
	retryable := &IOError{Kind: ErrNvmeStatus, NvmeStatus: nvmeStatusAbortedByRequest}
	assert.True(t, retryable.Retryable())

	notRetryable := &IOError{Kind: ErrNvmeStatus, NvmeStatus: 0xFFFF}
	assert.False(t, notRetryable.Retryable())

	transport := &IOError{Kind: ErrTransport}
	assert.False(t, transport.Retryable())
}
