package dispatch

import (
	"testing"

	"github.com/jaydenbeard/relaysession/internal/group"
	"github.com/jaydenbeard/relaysession/internal/keys"
	"github.com/jaydenbeard/relaysession/internal/primitives"
	"github.com/jaydenbeard/relaysession/internal/session"
	"github.com/stretchr/testify/require"
)

// stubFetcher hands back a fixed bundle built from a responder's KeysState.
type stubFetcher struct {
	bundle session.PreKeyBundle
}

func (f stubFetcher) FetchBundle(keys.SessionAddress) (session.PreKeyBundle, error) {
	return f.bundle, nil
}

func bundleFrom(t *testing.T, responder *keys.State) session.PreKeyBundle {
	t.Helper()
	oneTime := responder.PreKeys[0]
	oneTimeID := oneTime.ID
	sig := primitives.XEdDSASign(responder.IdentityKeyPair.Signing, responder.SignedPreKey.KeyPair.Public[:], nil)
	return session.PreKeyBundle{
		IdentityPub:        responder.IdentityKeyPair.KeyPair.Public,
		IdentitySigningPub: responder.IdentityKeyPair.Signing.Public,
		SignedPreKeyPub:    responder.SignedPreKey.KeyPair.Public,
		SignedPreKeyID:     responder.SignedPreKey.ID,
		SignedPreKeySig:    sig,
		OneTimePreKeyPub:   &oneTime.KeyPair.Public,
		OneTimePreKeyID:    &oneTimeID,
	}
}

func TestProcessOutboundThenInboundPreKeyMessage(t *testing.T) {
	alice, err := keys.NewRandom(1)
	require.NoError(t, err)
	bob, err := keys.NewRandom(2)
	require.NoError(t, err)

	addrBob := keys.SessionAddress{UserID: "bob", DeviceID: 1}
	addrAlice := keys.SessionAddress{UserID: "alice", DeviceID: 1}

	fetcher := stubFetcher{bundle: bundleFrom(t, bob)}

	raw, kind, err := ProcessOutbound(alice, fetcher, addrBob, []byte("hello bob"))
	require.NoError(t, err)
	require.Equal(t, KindPreKeyMessage, kind)

	pt, err := ProcessInbound(bob, addrAlice, KindPreKeyMessage, raw)
	require.NoError(t, err)
	require.Equal(t, "hello bob", string(pt))
}

func TestProcessInboundDuplicatePreKeyIDRejected(t *testing.T) {
	alice, err := keys.NewRandom(1)
	require.NoError(t, err)
	bob, err := keys.NewRandom(2)
	require.NoError(t, err)

	addrBob := keys.SessionAddress{UserID: "bob", DeviceID: 1}
	addrAlice := keys.SessionAddress{UserID: "alice", DeviceID: 1}
	fetcher := stubFetcher{bundle: bundleFrom(t, bob)}

	raw, _, err := ProcessOutbound(alice, fetcher, addrBob, []byte("first"))
	require.NoError(t, err)
	_, err = ProcessInbound(bob, addrAlice, KindPreKeyMessage, raw)
	require.NoError(t, err)

	// Build a second initial message from a fresh alice session re-using the
	// same exhausted one-time pre-key id deliberately (simulating a replay).
	alice2, err := keys.NewRandom(3)
	require.NoError(t, err)
	raw2, _, err := ProcessOutbound(alice2, fetcher, addrBob, []byte("second"))
	require.NoError(t, err)

	_, err = ProcessInbound(bob, keys.SessionAddress{UserID: "alice2", DeviceID: 1}, KindPreKeyMessage, raw2)
	require.Error(t, err)
}

func TestGroupOutboundInboundRoundTrip(t *testing.T) {
	senderState, err := keys.NewRandom(1)
	require.NoError(t, err)
	recipientState, err := keys.NewRandom(2)
	require.NoError(t, err)

	name := keys.SenderKeyName{GroupID: "group-1", Sender: keys.SessionAddress{UserID: "alice", DeviceID: 1}}

	sk, dist, isNew, err := ProcessOutboundGroup(senderState, name)
	require.NoError(t, err)
	require.True(t, isNew)

	ProcessInboundGroupDistribution(recipientState, name, dist)

	msg, err := group.Encrypt(sk, []byte("group message"))
	require.NoError(t, err)

	pt, err := ProcessInboundGroupMessage(recipientState, name, msg)
	require.NoError(t, err)
	require.Equal(t, "group message", string(pt))
}
