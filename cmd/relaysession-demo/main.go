// Command relaysession-demo bootstraps two devices, pairs them, and runs a
// pairwise X3DH handshake followed by a round of Double Ratchet messages and
// a group sender-key broadcast, logging each step the way the teacher's
// cmd/* entrypoints log server lifecycle events.
package main

import (
	"context"
	"crypto/ed25519"
	"log"

	"github.com/jaydenbeard/relaysession/internal/config"
	"github.com/jaydenbeard/relaysession/internal/dispatch"
	"github.com/jaydenbeard/relaysession/internal/group"
	"github.com/jaydenbeard/relaysession/internal/keys"
	"github.com/jaydenbeard/relaysession/internal/metrics"
	"github.com/jaydenbeard/relaysession/internal/pairing"
	"github.com/jaydenbeard/relaysession/internal/primitives"
	"github.com/jaydenbeard/relaysession/internal/session"
	"github.com/prometheus/client_golang/prometheus"
)

// fixedBundleFetcher hands back a single pre-key bundle built up front, in
// place of a network round trip to a real key server.
type fixedBundleFetcher struct {
	bundle session.PreKeyBundle
}

func (f fixedBundleFetcher) FetchBundle(keys.SessionAddress) (session.PreKeyBundle, error) {
	return f.bundle, nil
}

func bundleFromState(responder *keys.State) session.PreKeyBundle {
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

func main() {
	cfg := config.Load()
	log.Printf("relaysession-demo starting, device id %d, store backend %s", cfg.DeviceID, cfg.StoreBackend)

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	primary, err := keys.NewRandom(1)
	if err != nil {
		log.Fatalf("allocate primary device state: %v", err)
	}
	companion, err := keys.NewRandom(2)
	if err != nil {
		log.Fatalf("allocate companion device state: %v", err)
	}

	log.Printf("running companion pairing handshake")
	primaryFSM := pairing.New()
	companionSigning, companionVerify, err := ed25519.GenerateKey(nil)
	if err != nil {
		log.Fatalf("generate companion signing key: %v", err)
	}

	primaryAdv := pairing.Advertisement{
		RefCode:       "DEMO-REF-CODE",
		EphemeralPub:  primary.EphemeralKeyPair.Public,
		PrimaryPubKey: companionVerify,
	}
	if err := primaryFSM.SendAdvertisement(primaryAdv); err != nil {
		log.Fatalf("send advertisement: %v", err)
	}

	companionIdentity := pairing.CompanionIdentity{
		CompanionJID:     "companion-device",
		CompanionPubKey:  companion.IdentityKeyPair.KeyPair.Public,
		PrimarySignature: ed25519.Sign(companionSigning, companion.IdentityKeyPair.KeyPair.Public[:]),
	}
	if err := primaryFSM.ReceiveCompanionIdentity(companionIdentity); err != nil {
		log.Fatalf("receive companion identity: %v", err)
	}
	if _, err := primaryFSM.Complete(); err != nil {
		log.Fatalf("complete pairing: %v", err)
	}
	log.Printf("pairing reached state: %s", primaryFSM.State)

	addrCompanion := keys.SessionAddress{UserID: "companion-device", DeviceID: 1}
	addrPrimary := keys.SessionAddress{UserID: "primary-device", DeviceID: 1}
	fetcher := fixedBundleFetcher{bundle: bundleFromState(companion)}

	log.Printf("sending initial pre-key message")
	frame, kind, err := dispatch.ProcessOutbound(primary, fetcher, addrCompanion, []byte("hello from primary"))
	if err != nil {
		log.Fatalf("process outbound: %v", err)
	}
	m.RatchetSteps.WithLabelValues("initiator").Inc()

	plaintext, err := dispatch.ProcessInbound(companion, addrPrimary, kind, frame)
	if err != nil {
		log.Fatalf("process inbound: %v", err)
	}
	m.RatchetSteps.WithLabelValues("responder").Inc()
	log.Printf("companion decrypted: %q", plaintext)

	log.Printf("sending follow-up ratchet message")
	frame2, kind2, err := dispatch.ProcessOutbound(primary, fetcher, addrCompanion, []byte("second message"))
	if err != nil {
		log.Fatalf("process outbound (2): %v", err)
	}
	plaintext2, err := dispatch.ProcessInbound(companion, addrPrimary, kind2, frame2)
	if err != nil {
		log.Fatalf("process inbound (2): %v", err)
	}
	log.Printf("companion decrypted: %q", plaintext2)

	log.Printf("broadcasting a group sender-key message")
	groupName := keys.SenderKeyName{GroupID: "demo-group", Sender: addrPrimary}
	senderState, dist, isNew, err := dispatch.ProcessOutboundGroup(primary, groupName)
	if err != nil {
		log.Fatalf("process outbound group: %v", err)
	}
	log.Printf("sender-key created fresh: %v", isNew)

	dispatch.ProcessInboundGroupDistribution(companion, groupName, dist)
	groupMsg, err := group.Encrypt(senderState, []byte("group broadcast"))
	if err != nil {
		log.Fatalf("encrypt group message: %v", err)
	}
	groupPlaintext, err := dispatch.ProcessInboundGroupMessage(companion, groupName, groupMsg)
	if err != nil {
		log.Fatalf("process inbound group message: %v", err)
	}
	m.RatchetSteps.WithLabelValues("group-sender").Inc()
	log.Printf("companion decrypted group message: %q", groupPlaintext)

	log.Printf("sealing primary device state under the keystore passphrase, file store at %s", cfg.FileStoreDir)
	handle, err := keys.NewPreferencesHandle(cfg.FileStoreDir)
	if err != nil {
		log.Fatalf("open preferences handle: %v", err)
	}
	store := keys.NewFileStore(handle)
	ctx := context.Background()
	if err := primary.Save(ctx, store, config.CurrentPassphrase()); err != nil {
		log.Fatalf("save primary device state: %v", err)
	}
	if _, err := keys.Load(ctx, store, primary.ID, config.CurrentPassphrase()); err != nil {
		log.Fatalf("reload primary device state: %v", err)
	}
	log.Printf("sealed state round-tripped successfully")

	log.Printf("demo complete")
}
