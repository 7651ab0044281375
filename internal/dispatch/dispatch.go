// Package dispatch implements process_inbound/process_outbound
// (SPEC_FULL.md §6): routing an opaque plaintext to the pairwise session
// layer or the group sender-key layer by message kind, consulting
// internal/keys for session/sender-key lookups, pre-key consumption, and
// trust-on-first-use identity pinning. This is the only package under
// internal/ that imports both internal/keys and internal/session/internal/group — those
// stay pure value-type packages with no knowledge of the store that owns
// them (SPEC_FULL.md §3).
package dispatch

import (
	"fmt"

	"github.com/jaydenbeard/relaysession/internal/group"
	"github.com/jaydenbeard/relaysession/internal/keys"
	"github.com/jaydenbeard/relaysession/internal/primitives"
	"github.com/jaydenbeard/relaysession/internal/protoerr"
	"github.com/jaydenbeard/relaysession/internal/session"
)

// Kind discriminates the shape of an inbound/outbound frame — a tagged sum
// in place of an inheritance chain of message kinds (SPEC_FULL.md §9).
type Kind int

const (
	KindMessage Kind = iota
	KindPreKeyMessage
	KindSenderKeyMessage
	KindSenderKeyDistribution
)

// BundleFetcher resolves a fresh pre-key bundle for addr when no session
// exists yet and the caller is initiating (the X3DH "fetch bundle" network
// suspension point, SPEC_FULL.md §5).
type BundleFetcher interface {
	FetchBundle(addr keys.SessionAddress) (session.PreKeyBundle, error)
}

// ProcessOutbound encrypts plaintext for addr, initiating a new session via
// a fetched bundle if none exists yet.
func ProcessOutbound(state *keys.State, fetcher BundleFetcher, addr keys.SessionAddress, plaintext []byte) (frame []byte, kind Kind, err error) {
	if sess, ok := state.FindSession(addr); ok {
		ct, err := session.Encrypt(sess, plaintext)
		if err != nil {
			return nil, 0, fmt.Errorf("dispatch: process outbound: %w", err)
		}
		return ct, KindMessage, nil
	}

	bundle, err := fetcher.FetchBundle(addr)
	if err != nil {
		return nil, 0, fmt.Errorf("dispatch: process outbound: fetch bundle: %w", err)
	}
	if !state.IsTrusted(addr, bundle.IdentityPub) {
		return nil, 0, protoerr.ErrUntrustedIdentity
	}

	raw, sess, err := session.BuildInitialMessage(
		state.IdentityKeyPair.KeyPair,
		state.IdentityKeyPair.KeyPair.Public,
		state.ID,
		bundle,
		plaintext,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("dispatch: process outbound: %w", err)
	}

	state.TrustIdentity(addr, bundle.IdentityPub)
	state.PutSession(addr, sess)
	return raw, KindPreKeyMessage, nil
}

// ProcessInbound decrypts an inbound frame of the given kind for addr,
// completing X3DH as responder and consuming the named one-time pre-key
// exactly once if kind is KindPreKeyMessage. Only KindMessage and
// KindPreKeyMessage are handled here; any other kind, including the group
// kinds, is rejected with ErrInvalidVersion. Group traffic goes through
// ProcessInboundGroupDistribution and ProcessInboundGroupMessage.
func ProcessInbound(state *keys.State, addr keys.SessionAddress, kind Kind, raw []byte) ([]byte, error) {
	switch kind {
	case KindMessage:
		sess, ok := state.FindSession(addr)
		if !ok {
			return nil, protoerr.ErrNoValidSessions
		}
		pt, err := session.Decrypt(sess, raw)
		if err != nil {
			return nil, fmt.Errorf("dispatch: process inbound: %w", err)
		}
		return pt, nil

	case KindPreKeyMessage:
		return processInboundPreKeyMessage(state, addr, raw)

	default:
		return nil, fmt.Errorf("dispatch: process inbound: %w", protoerr.ErrInvalidVersion)
	}
}

func processInboundPreKeyMessage(state *keys.State, addr keys.SessionAddress, raw []byte) ([]byte, error) {
	frame, err := session.DecodePreKeyMessageFrame(raw)
	if err != nil {
		return nil, fmt.Errorf("dispatch: process inbound: %w", err)
	}

	signedPreKey, err := state.FindSignedPreKeyByID(frame.SignedPreKeyID)
	if err != nil {
		return nil, fmt.Errorf("dispatch: process inbound: %w", err)
	}

	var oneTimePreKey *primitives.KeyPair
	if frame.PreKeyID != nil {
		pk, err := state.ConsumePreKey(*frame.PreKeyID)
		if err != nil {
			return nil, fmt.Errorf("dispatch: process inbound: %w", err)
		}
		oneTimePreKey = &pk.KeyPair
	}

	if !state.IsTrusted(addr, frame.IdentityPub) {
		return nil, protoerr.ErrUntrustedIdentity
	}

	sess, pt, err := session.ProcessPreKeyMessage(
		raw,
		state.IdentityKeyPair.KeyPair,
		state.IdentityKeyPair.KeyPair.Public,
		signedPreKey.KeyPair,
		oneTimePreKey,
	)
	if err != nil {
		return nil, fmt.Errorf("dispatch: process inbound: %w", err)
	}

	state.TrustIdentity(addr, frame.IdentityPub)
	state.PutSession(addr, sess)
	return pt, nil
}

// ProcessOutboundGroup returns the local sender-key state for name,
// creating one (and its distribution message, to be broadcast over every
// recipient's pairwise session) if this device has never sent to the
// group before.
func ProcessOutboundGroup(state *keys.State, name keys.SenderKeyName) (senderState *group.SenderKeyState, dist group.DistributionMessage, isNew bool, err error) {
	rec, ok := state.FindSenderKey(name)
	if ok && len(rec.States) > 0 && rec.States[0].SigningPrivate != nil {
		return rec.States[0], group.DistributionMessage{}, false, nil
	}

	newState, dist, err := group.CreateSenderKey(1)
	if err != nil {
		return nil, group.DistributionMessage{}, false, fmt.Errorf("dispatch: process outbound group: %w", err)
	}
	if rec == nil {
		rec = &group.Record{}
	}
	rec.States = append([]*group.SenderKeyState{newState}, rec.States...)
	state.PutSenderKey(name, rec)
	return newState, dist, true, nil
}

// ProcessInboundGroupDistribution stores a sender-key distribution message
// received over a pairwise session.
func ProcessInboundGroupDistribution(state *keys.State, name keys.SenderKeyName, dist group.DistributionMessage) {
	rec, ok := state.FindSenderKey(name)
	if !ok {
		rec = &group.Record{}
	}
	group.ReceiveDistribution(rec, dist)
	state.PutSenderKey(name, rec)
}

// ProcessInboundGroupMessage decrypts a group ciphertext against the
// sender's stored sender-key record.
func ProcessInboundGroupMessage(state *keys.State, name keys.SenderKeyName, msg group.Message) ([]byte, error) {
	rec, ok := state.FindSenderKey(name)
	if !ok {
		return nil, protoerr.ErrInvalidKeyID
	}
	pt, err := group.Decrypt(rec, msg)
	if err != nil {
		return nil, fmt.Errorf("dispatch: process inbound group message: %w", err)
	}
	return pt, nil
}
