package keystore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeS3 struct {
	mu    sync.Mutex
	body  string
	etag  string
	err   error
	calls int
}

func (f *fakeS3) set(body, etag string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.body, f.etag, f.err = body, etag, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &s3.GetObjectOutput{
		Body: io.NopCloser(bytes.NewReader([]byte(f.body))),
		ETag: aws.String(f.etag),
	}, nil
}

func TestS3Store_LoadAndRefresh(t *testing.T) {
	ctx := context.Background()
	fake := &fakeS3{}
	fake.set(sampleCatalog, `"v1"`)

	rec := &reloadRecorder{}
	store, err := NewS3Store(ctx, fake, "keys", "catalog.yaml", WithLogger(quietLogger()), WithReloadHook(rec.record))
	require.NoError(t, err)

	cur, err := store.CurrentEncryptionKey(ctx)
	require.NoError(t, err)
	assert.Equal(t, "data-1", cur.ID)

	// Same ETag: nothing is swapped and the hook is not called.
	require.NoError(t, store.Refresh(ctx))
	_, called := rec.last()
	assert.False(t, called)

	fake.set(rotatedCatalog(), `"v2"`)
	require.NoError(t, store.Refresh(ctx))
	cur, err = store.CurrentEncryptionKey(ctx)
	require.NoError(t, err)
	assert.Equal(t, "data-2", cur.ID)

	ev, ok := rec.last()
	require.True(t, ok)
	assert.Equal(t, "s3", ev.Store)
	assert.True(t, ev.Rotated())
}

func TestS3Store_NotFound(t *testing.T) {
	fake := &fakeS3{err: &smithy.GenericAPIError{Code: "NoSuchKey", Message: "The specified key does not exist."}}
	_, err := NewS3Store(context.Background(), fake, "keys", "catalog.yaml")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCatalogNotFound))
}

func TestS3Store_RefreshFailureKeepsKeys(t *testing.T) {
	ctx := context.Background()
	fake := &fakeS3{}
	fake.set(sampleCatalog, `"v1"`)
	store, err := NewS3Store(ctx, fake, "keys", "catalog.yaml", WithLogger(quietLogger()))
	require.NoError(t, err)

	fake.mu.Lock()
	fake.err = errors.New("connection reset")
	fake.mu.Unlock()
	assert.Error(t, store.Refresh(ctx))

	cur, err := store.CurrentEncryptionKey(ctx)
	require.NoError(t, err)
	assert.Equal(t, "data-1", cur.ID)

	// An invalid catalog is rejected the same way.
	fake.set("keys: [", `"v3"`)
	assert.Error(t, store.Refresh(ctx))
	cur, err = store.CurrentEncryptionKey(ctx)
	require.NoError(t, err)
	assert.Equal(t, "data-1", cur.ID)
}

func TestS3Store_RunStopsWithContext(t *testing.T) {
	fake := &fakeS3{}
	fake.set(sampleCatalog, `"v1"`)
	store, err := NewS3Store(context.Background(), fake, "keys", "catalog.yaml", WithLogger(quietLogger()))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		store.Run(ctx, 5*time.Millisecond)
		close(done)
	}()
	cancel()
	<-done
}
