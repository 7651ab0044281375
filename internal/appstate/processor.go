package appstate

import (
	"context"
	"fmt"

	"github.com/jaydenbeard/relaysession/internal/protoerr"
)

// KeyResolver looks up the expanded mutation keys for a key id, reporting
// whether that key is currently known.
type KeyResolver func(keyID []byte) (ExpandedKeys, bool)

// Processor drives the recoverable C5 flow SPEC_FULL.md §4.5.1 describes
// for a patch that names an app_state_key the caller hasn't received yet:
// park it in dlq instead of failing outright, then replay every parked
// patch for a key in version order once HandleKeyArrived reports it known.
type Processor struct {
	DLQ        DeadLetterQueue
	ResolveKey KeyResolver
}

// NewProcessor builds a Processor over an existing dead-letter queue and
// key resolver (typically backed by a keys.State).
func NewProcessor(dlq DeadLetterQueue, resolveKey KeyResolver) *Processor {
	return &Processor{DLQ: dlq, ResolveKey: resolveKey}
}

// Process applies patch against state/indexMap if patch.KeyID is already
// known. If it isn't, the patch is buffered and Process returns a
// *protoerr.MissingKeyError so the caller can request the key out-of-band;
// once it arrives, HandleKeyArrived replays everything buffered for it.
func (p *Processor) Process(ctx context.Context, state *LTHashState, indexMap IndexValueMap, collection string, patch Patch) ([][]byte, error) {
	keys, ok := p.ResolveKey(patch.KeyID)
	if !ok {
		if err := p.DLQ.Buffer(ctx, patch.KeyID, NewBufferedPatch(collection, patch)); err != nil {
			return nil, fmt.Errorf("appstate: process patch: buffer: %w", err)
		}
		return nil, &protoerr.MissingKeyError{KeyID: patch.KeyID}
	}
	return ApplyPatch(state, indexMap, keys, patch)
}

// StateLookup resolves the LTHash state and index map a buffered patch's
// collection should be applied against.
type StateLookup func(collection string) (*LTHashState, IndexValueMap, bool)

// HandleKeyArrived drains every patch buffered against keyID — in patch
// version order, regardless of the order they were buffered — and applies
// each via ApplyPatch. A patch whose collection isn't (yet) tracked by
// lookup is reported in skipped rather than dropped, so the caller can
// decide whether to re-buffer it.
func (p *Processor) HandleKeyArrived(ctx context.Context, keyID []byte, lookup StateLookup) (applied [][]byte, skipped []BufferedPatch, err error) {
	pending, err := p.DLQ.Drain(ctx, keyID)
	if err != nil {
		return nil, nil, fmt.Errorf("appstate: handle key arrived: drain: %w", err)
	}

	keys, ok := p.ResolveKey(keyID)
	if !ok {
		return nil, pending, fmt.Errorf("appstate: handle key arrived: key %x resolved no patches but is not itself resolvable", keyID)
	}

	for _, bp := range pending {
		state, indexMap, ok := lookup(bp.Collection)
		if !ok {
			skipped = append(skipped, bp)
			continue
		}
		actions, err := ApplyPatch(state, indexMap, keys, bp.Patch)
		if err != nil {
			return applied, skipped, fmt.Errorf("appstate: handle key arrived: apply buffered patch (collection %s, version %d): %w", bp.Collection, bp.Patch.Version, err)
		}
		applied = append(applied, actions...)
	}
	return applied, skipped, nil
}
