package dispatch

import (
	"context"
	"fmt"

	"github.com/jaydenbeard/relaysession/internal/appstate"
	"github.com/jaydenbeard/relaysession/internal/keys"
)

// resolveAppStateKey adapts keys.State's lookup to appstate.KeyResolver,
// expanding the raw key material once per call.
func resolveAppStateKey(state *keys.State) appstate.KeyResolver {
	return func(keyID []byte) (appstate.ExpandedKeys, bool) {
		k, ok := state.FindAppStateKey(keyID)
		if !ok {
			return appstate.ExpandedKeys{}, false
		}
		expanded, err := appstate.ExpandKeys(k.KeyData)
		if err != nil {
			return appstate.ExpandedKeys{}, false
		}
		return expanded, true
	}
}

// ProcessInboundAppStatePatch applies an inbound app-state patch for
// collection against state's LTHash accumulator, allocating a fresh one if
// this is the collection's first patch. If patch.KeyID isn't yet held by
// state, the patch is parked in dlq and a *protoerr.MissingKeyError is
// returned (SPEC_FULL.md §4.5.1's recoverable missing-key path) — call
// ProcessAppStateKeyArrived once the key is learned to replay it.
func ProcessInboundAppStatePatch(ctx context.Context, state *keys.State, dlq appstate.DeadLetterQueue, collection string, patch appstate.Patch) ([][]byte, error) {
	hashState, ok := state.FindHashState(collection)
	if !ok {
		hashState = &appstate.LTHashState{}
		state.PutHashState(collection, hashState)
	}
	indexMap, ok := state.FindHashIndex(collection)
	if !ok {
		indexMap = make(appstate.IndexValueMap)
		state.PutHashIndex(collection, indexMap)
	}

	proc := appstate.NewProcessor(dlq, resolveAppStateKey(state))
	actions, err := proc.Process(ctx, hashState, indexMap, collection, patch)
	if err != nil {
		return nil, err
	}
	return actions, nil
}

// ProcessAppStateKeyArrived replays, in version order, every patch dlq has
// buffered against a newly-learned app_state_key keyID, across every
// collection state already tracks a hash accumulator for.
func ProcessAppStateKeyArrived(ctx context.Context, state *keys.State, dlq appstate.DeadLetterQueue, keyID []byte) (applied [][]byte, skipped []appstate.BufferedPatch, err error) {
	proc := appstate.NewProcessor(dlq, resolveAppStateKey(state))

	applied, skipped, err = proc.HandleKeyArrived(ctx, keyID, func(collection string) (*appstate.LTHashState, appstate.IndexValueMap, bool) {
		hashState, ok := state.FindHashState(collection)
		if !ok {
			return nil, nil, false
		}
		indexMap, ok := state.FindHashIndex(collection)
		if !ok {
			return nil, nil, false
		}
		return hashState, indexMap, true
	})
	if err != nil {
		return applied, skipped, fmt.Errorf("dispatch: process app state key arrived: %w", err)
	}
	return applied, skipped, nil
}
