package blobstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_PutGetDelete(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, err := s.Get(ctx, "missing")
	require.Error(t, err)

	require.NoError(t, s.Put(ctx, "a/b.json", []byte(`{"x":1}`)))

	got, err := s.Get(ctx, "a/b.json")
	require.NoError(t, err)
	assert.Equal(t, `{"x":1}`, string(got))

	require.NoError(t, s.Delete(ctx, "a/b.json"))
	_, err = s.Get(ctx, "a/b.json")
	require.Error(t, err)
}

func TestMemoryStore_ListByPrefix(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.Put(ctx, "c1/session_context.json", []byte("{}")))
	require.NoError(t, s.Put(ctx, "c1/patient_patient_1_context.json", []byte("{}")))
	require.NoError(t, s.Put(ctx, "c2/session_context.json", []byte("{}")))

	paths, err := s.List(ctx, "c1/")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"c1/session_context.json", "c1/patient_patient_1_context.json"}, paths)
}

func TestMemoryStore_Copy(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.Put(ctx, "src.json", []byte("payload")))
	require.NoError(t, s.Copy(ctx, "src.json", "dst.json"))

	got, err := s.Get(ctx, "dst.json")
	require.NoError(t, err)
	assert.Equal(t, "payload", string(got))

	// Retrying a copy must not corrupt the destination.
	require.NoError(t, s.Copy(ctx, "src.json", "dst.json"))
	got, err = s.Get(ctx, "dst.json")
	require.NoError(t, err)
	assert.Equal(t, "payload", string(got))
}

func TestMemoryStore_CopyMissingSource(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	err := s.Copy(ctx, "missing.json", "dst.json")
	assert.Error(t, err)
}
