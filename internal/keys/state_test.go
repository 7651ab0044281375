package keys

import (
	"context"
	"testing"

	"github.com/jaydenbeard/relaysession/internal/protoerr"
	"github.com/stretchr/testify/require"
)

func TestNewRandomGeneratesPreKeyBatch(t *testing.T) {
	s, err := NewRandom(1)
	require.NoError(t, err)
	require.Len(t, s.PreKeys, PreKeyBatchSize)
	require.Equal(t, s.SignedPreKey.ID, s.ID)
}

func TestConsumePreKeyOnceThenNotFound(t *testing.T) {
	s, err := NewRandom(1)
	require.NoError(t, err)

	id := s.PreKeys[0].ID
	_, err = s.ConsumePreKey(id)
	require.NoError(t, err)

	_, err = s.ConsumePreKey(id)
	require.ErrorIs(t, err, protoerr.ErrPreKeyNotFound)
}

func TestSignedPreKeyByIDMismatch(t *testing.T) {
	s, err := NewRandom(1)
	require.NoError(t, err)

	_, err = s.FindSignedPreKeyByID(s.ID + 1)
	require.ErrorIs(t, err, protoerr.ErrIDMismatch)

	spk, err := s.FindSignedPreKeyByID(s.ID)
	require.NoError(t, err)
	require.Equal(t, s.ID, spk.ID)
}

func TestCounterMonotonicity(t *testing.T) {
	s, err := NewRandom(1)
	require.NoError(t, err)

	first, err := s.BumpWriteCounter()
	require.NoError(t, err)
	require.Equal(t, uint64(0), first)

	second, err := s.BumpWriteCounter()
	require.NoError(t, err)
	require.Equal(t, uint64(1), second)
}

func TestCounterOverflowIsFatal(t *testing.T) {
	s, err := NewRandom(1)
	require.NoError(t, err)
	s.WriteCounter = ^uint64(0)

	_, err = s.BumpWriteCounter()
	require.ErrorIs(t, err, protoerr.ErrCounterOverflow)
}

func TestTrustOnFirstUse(t *testing.T) {
	s, err := NewRandom(1)
	require.NoError(t, err)

	addr := SessionAddress{UserID: "alice", DeviceID: 1}
	var idA, idB [32]byte
	idA[0] = 0xAA
	idB[0] = 0xBB

	require.True(t, s.IsTrusted(addr, idA)) // no pin yet

	s.TrustIdentity(addr, idA)
	require.True(t, s.IsTrusted(addr, idA))
	require.False(t, s.IsTrusted(addr, idB))
}

func TestFileStoreSaveLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	handle, err := NewPreferencesHandle(t.TempDir())
	require.NoError(t, err)
	store := NewFileStore(handle)

	s, err := NewRandom(42)
	require.NoError(t, err)
	_, err = s.BumpWriteCounter()
	require.NoError(t, err)

	require.NoError(t, s.Save(ctx, store, "correct horse battery staple 42"))

	loaded, err := Load(ctx, store, 42, "correct horse battery staple 42")
	require.NoError(t, err)
	require.Equal(t, s.ID, loaded.ID)
	require.Equal(t, s.IdentityKeyPair.KeyPair.Public, loaded.IdentityKeyPair.KeyPair.Public)
	require.Equal(t, uint64(1), loaded.WriteCounter)
	require.Len(t, loaded.PreKeys, PreKeyBatchSize)
}

func TestLoadWrongPassphraseFails(t *testing.T) {
	ctx := context.Background()
	handle, err := NewPreferencesHandle(t.TempDir())
	require.NoError(t, err)
	store := NewFileStore(handle)

	s, err := NewRandom(42)
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, store, "the right passphrase"))

	_, err = Load(ctx, store, 42, "the wrong passphrase")
	require.Error(t, err)
}

func TestLoadMissingIDAllocatesFresh(t *testing.T) {
	ctx := context.Background()
	handle, err := NewPreferencesHandle(t.TempDir())
	require.NoError(t, err)
	store := NewFileStore(handle)

	loaded, err := Load(ctx, store, 7, "irrelevant, nothing stored yet")
	require.NoError(t, err)
	require.Equal(t, uint32(7), loaded.ID)
	require.Len(t, loaded.PreKeys, PreKeyBatchSize)
}
