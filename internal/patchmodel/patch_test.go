package patchmodel

import (
	"encoding/json"
	"testing"
)

func TestContentHashStable(t *testing.T) {
	a := json.RawMessage(`{"b":2,"a":1}`)
	b := json.RawMessage(`{"a":1,"b":2}`)

	hashA, err := ContentHash(a)
	if err != nil {
		t.Fatalf("ContentHash(a) failed: %v", err)
	}
	hashB, err := ContentHash(b)
	if err != nil {
		t.Fatalf("ContentHash(b) failed: %v", err)
	}

	if hashA != hashB {
		t.Fatalf("expected key-order-independent hash, got %s != %s", hashA, hashB)
	}
}

func TestContentHashRejectsNonObject(t *testing.T) {
	if _, err := ContentHash(json.RawMessage(`[1,2,3]`)); err == nil {
		t.Fatalf("expected error for array content")
	}
}

func TestPatchRoundTrip(t *testing.T) {
	pre := json.RawMessage(`{"title":"Hello","body":"World"}`)
	post := json.RawMessage(`{"title":"Hello","body":"Mars"}`)

	forward, reverse, err := GeneratePatch(pre, post)
	if err != nil {
		t.Fatalf("GeneratePatch failed: %v", err)
	}

	got, err := Apply(forward, pre)
	if err != nil {
		t.Fatalf("apply forward failed: %v", err)
	}
	gotHash, _ := ContentHash(got)
	postHash, _ := ContentHash(post)
	if gotHash != postHash {
		t.Fatalf("forward patch did not reach post state: %s != %s", got, post)
	}

	back, err := Apply(reverse, post)
	if err != nil {
		t.Fatalf("apply reverse failed: %v", err)
	}
	backHash, _ := ContentHash(back)
	preHash, _ := ContentHash(pre)
	if backHash != preHash {
		t.Fatalf("reverse patch did not reach pre state: %s != %s", back, pre)
	}
}

func TestCreateAndDeletePatches(t *testing.T) {
	content := json.RawMessage(`{"title":"Note"}`)

	fwd, rev := ForCreate(content)
	if rev != nil {
		t.Fatalf("create reverse patch should be nil, got %s", rev)
	}
	if string(fwd) != string(content) {
		t.Fatalf("create forward patch should equal content")
	}

	fwd, rev = ForDelete(content)
	if fwd != nil {
		t.Fatalf("delete forward patch should be nil, got %s", fwd)
	}
	if string(rev) != string(content) {
		t.Fatalf("delete reverse patch should equal prior content")
	}
}
