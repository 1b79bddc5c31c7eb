package storage

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTokenGeneratedOnceAndReused(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	defer s.Close()

	token1, err := s.LoadOrCreateKeymanagerToken()
	require.NoError(t, err)
	require.Len(t, token1, 64)

	token2, err := s.LoadOrCreateKeymanagerToken()
	require.NoError(t, err)
	require.Equal(t, token1, token2)
}

func TestRemoteKeyRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.PutRemoteKey(RemoteKeyEntry{PubkeyHex: "0xabc", SignerURL: "https://signer.example"}))
	entries, err := s.ListRemoteKeys()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "0xabc", entries[0].PubkeyHex)

	require.NoError(t, s.DeleteRemoteKey("0xabc"))
	entries, err = s.ListRemoteKeys()
	require.NoError(t, err)
	require.Empty(t, entries)
}
