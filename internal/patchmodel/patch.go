package patchmodel

import (
	"encoding/json"
	"fmt"

	jsonpatch "github.com/evanphx/json-patch/v5"
	mattbairdjsonpatch "github.com/mattbaird/jsonpatch"
)

// GeneratePatch computes the minimal RFC 6902 patch transforming pre
// into post (forward) along with its inverse (reverse), such that
// Apply(forward, pre) == post and Apply(reverse, post) == pre.
//
// pre and post must both be JSON objects.
func GeneratePatch(pre, post json.RawMessage) (forward, reverse json.RawMessage, err error) {
	if !IsJSONObject(pre) {
		return nil, nil, fmt.Errorf("patchmodel: pre state: %w", ErrNotObject)
	}
	if !IsJSONObject(post) {
		return nil, nil, fmt.Errorf("patchmodel: post state: %w", ErrNotObject)
	}

	fwd, err := createPatch(pre, post)
	if err != nil {
		return nil, nil, fmt.Errorf("patchmodel: generate forward patch: %w", err)
	}
	rev, err := createPatch(post, pre)
	if err != nil {
		return nil, nil, fmt.Errorf("patchmodel: generate reverse patch: %w", err)
	}
	return fwd, rev, nil
}

// createPatch wraps mattbaird/jsonpatch's CreatePatch, whose signature
// takes two []byte and returns a []JsonPatchOperation.
func createPatch(a, b json.RawMessage) (json.RawMessage, error) {
	ops, err := mattbairdjsonpatch.CreatePatch(a, b)
	if err != nil {
		return nil, err
	}
	out, err := json.Marshal(ops)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ForCreate returns the forward/reverse patch pair for a create event:
// forward is the full initial content, reverse is nil since there is
// no prior state to restore.
func ForCreate(content json.RawMessage) (forward, reverse json.RawMessage) {
	return content, nil
}

// ForDelete returns the forward/reverse patch pair for a delete event:
// forward is nil since there is no post-state, reverse is the full
// pre-delete content.
func ForDelete(content json.RawMessage) (forward, reverse json.RawMessage) {
	return nil, content
}

// Apply applies a forward or reverse RFC 6902 patch to content, returning
// the resulting document. A nil or empty patch returns content unchanged.
func Apply(patch, content json.RawMessage) (json.RawMessage, error) {
	if len(patch) == 0 || string(patch) == "null" {
		return content, nil
	}
	decoded, err := jsonpatch.DecodePatch(patch)
	if err != nil {
		return nil, fmt.Errorf("patchmodel: decode patch: %w", err)
	}
	result, err := decoded.Apply(content)
	if err != nil {
		return nil, fmt.Errorf("patchmodel: apply patch: %w", err)
	}
	if !IsJSONObject(result) {
		return nil, fmt.Errorf("patchmodel: result: %w", ErrNotObject)
	}
	return result, nil
}
