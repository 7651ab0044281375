package group

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSenderKeyRoundTrip(t *testing.T) {
	senderState, dist, err := CreateSenderKey(1)
	require.NoError(t, err)

	recipientRecord := &Record{}
	ReceiveDistribution(recipientRecord, dist)

	msg, err := Encrypt(senderState, []byte("group hello"))
	require.NoError(t, err)

	pt, err := Decrypt(recipientRecord, msg)
	require.NoError(t, err)
	require.Equal(t, "group hello", string(pt))
}

func TestSenderKeyOutOfOrderDelivery(t *testing.T) {
	senderState, dist, err := CreateSenderKey(1)
	require.NoError(t, err)

	recipientRecord := &Record{}
	ReceiveDistribution(recipientRecord, dist)

	first, err := Encrypt(senderState, []byte("one"))
	require.NoError(t, err)
	second, err := Encrypt(senderState, []byte("two"))
	require.NoError(t, err)

	pt, err := Decrypt(recipientRecord, second)
	require.NoError(t, err)
	require.Equal(t, "two", string(pt))
	require.Len(t, recipientRecord.States[0].MessageKeys, 1)

	pt, err = Decrypt(recipientRecord, first)
	require.NoError(t, err)
	require.Equal(t, "one", string(pt))
	require.Len(t, recipientRecord.States[0].MessageKeys, 0)
}

func TestSenderKeyDuplicateRejected(t *testing.T) {
	senderState, dist, err := CreateSenderKey(1)
	require.NoError(t, err)

	recipientRecord := &Record{}
	ReceiveDistribution(recipientRecord, dist)

	msg, err := Encrypt(senderState, []byte("once"))
	require.NoError(t, err)

	_, err = Decrypt(recipientRecord, msg)
	require.NoError(t, err)
	_, err = Decrypt(recipientRecord, msg)
	require.Error(t, err)
}

func TestSenderKeyTamperedSignatureRejected(t *testing.T) {
	senderState, dist, err := CreateSenderKey(1)
	require.NoError(t, err)

	recipientRecord := &Record{}
	ReceiveDistribution(recipientRecord, dist)

	msg, err := Encrypt(senderState, []byte("tamper me"))
	require.NoError(t, err)
	msg.Signature[0] ^= 0xFF

	_, err = Decrypt(recipientRecord, msg)
	require.Error(t, err)
}

func TestSenderKeyUnknownKeyIDRejected(t *testing.T) {
	senderState, _, err := CreateSenderKey(1)
	require.NoError(t, err)

	recipientRecord := &Record{} // never received any distribution

	msg, err := Encrypt(senderState, []byte("nope"))
	require.NoError(t, err)

	_, err = Decrypt(recipientRecord, msg)
	require.Error(t, err)
}

func TestSenderKeyStateCapEviction(t *testing.T) {
	recipientRecord := &Record{}
	for i := uint32(0); i < uint32(MaxStates)+3; i++ {
		_, dist, err := CreateSenderKey(i)
		require.NoError(t, err)
		ReceiveDistribution(recipientRecord, dist)
	}
	require.Len(t, recipientRecord.States, MaxStates)
	// Most recent generation should be at the front.
	require.Equal(t, uint32(MaxStates)+2, recipientRecord.States[0].KeyID)
}
