package guard

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/torcore/tor-core/storage"
)

func sampleGuard(seed byte) *Guard {
	var ed [32]byte
	ed[0] = seed
	return &Guard{
		Identity:       Identity{Ed25519: ed, HasEd25519: true},
		Address:        "10.0.0.1",
		ORPort:         9001,
		Bandwidth:      5000,
		FirstSampled:   time.Unix(1700000000, 0).UTC(),
		HasConfirmedAt: true,
		ConfirmedAt:    time.Unix(1700000100, 0).UTC(),
		HasLastTried:   true,
		LastTried:      time.Unix(1700000200, 0).UTC(),
		Confirm:        Confirmed,
		Work:           Working,
		Listing:        Listed,
	}
}

func TestEncodeDecodeGuardRoundTrip(t *testing.T) {
	g := sampleGuard(1)
	got, err := decodeGuard(encodeGuard(g))
	require.NoError(t, err)
	require.Equal(t, g, got)
}

func TestEncodeDecodeGuardWithRSAAndDisabled(t *testing.T) {
	var rsa [20]byte
	rsa[0] = 7
	g := &Guard{
		Identity:          Identity{RSA: rsa, HasRSA: true},
		Address:           "198.51.100.2",
		ORPort:            443,
		Bandwidth:         100,
		FirstSampled:      time.Unix(1600000000, 0).UTC(),
		Disabled:          true,
		DisabledReason:    "unreachable beyond retention",
		HasUncertainSince: true,
		UncertainSince:    time.Unix(1600000500, 0).UTC(),
		Confirm:           Unconfirmed,
		Work:              Unreachable,
		Listing:           Uncertain,
	}
	got, err := decodeGuard(encodeGuard(g))
	require.NoError(t, err)
	require.Equal(t, g, got)
}

func TestDecodeGuardRejectsUnknownVersion(t *testing.T) {
	data := encodeGuard(sampleGuard(2))
	data[0] = recordVersion + 1
	_, err := decodeGuard(data)
	require.Error(t, err)
}

func TestDecodeGuardRejectsTruncatedRecord(t *testing.T) {
	data := encodeGuard(sampleGuard(3))
	_, err := decodeGuard(data[:len(data)-3])
	require.Error(t, err)
}

func TestSaveLoadSampleRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := storage.OpenFileStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	sample := NewSample()
	sample.Add(sampleGuard(1))
	sample.Add(sampleGuard(2))

	ctx := context.Background()
	require.NoError(t, SaveSample(ctx, store, sample))

	loaded, err := LoadSample(ctx, store)
	require.NoError(t, err)
	require.Equal(t, sample.Len(), loaded.Len())

	for _, g := range sample.All() {
		got := loaded.Find(g.Identity)
		require.NotNil(t, got)
		require.Equal(t, g, got)
	}
}

func TestGuardKeyDistinguishesIdentityKinds(t *testing.T) {
	var ed [32]byte
	ed[0] = 9
	edKey, err := guardKey(Identity{Ed25519: ed, HasEd25519: true})
	require.NoError(t, err)
	require.Contains(t, string(edKey), "ed25519-")

	var rsa [20]byte
	rsa[0] = 9
	rsaKey, err := guardKey(Identity{RSA: rsa, HasRSA: true})
	require.NoError(t, err)
	require.Contains(t, string(rsaKey), "rsa-")

	require.NotEqual(t, edKey, rsaKey)
}
