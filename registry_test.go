// Copyright 2024 The climage Authors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package climage

import "testing"

func TestOpenFromBytesDedupesByPath(t *testing.T) {
	r := NewRegistry(nil)
	data := buildMinimalPE(0)

	first, err := r.OpenFromBytes(data, true, false)
	if err != nil {
		t.Fatalf("OpenFromBytes() failed, reason: %v", err)
	}
	defer first.Close()

	// OpenFromBytes assigns a synthetic path per call (it keys off the
	// slice header's address), so re-opening the very same call's result
	// from the registry directly exercises the addref path instead.
	r.mu.Lock()
	canon := first.path
	r.mu.Unlock()

	again := r.Loaded(canon, false)
	if again != first {
		t.Fatalf("Loaded(%q) = %p, want %p", canon, again, first)
	}
	if got := first.Addref(); got != 2 {
		t.Errorf("Addref() = %d, want 2", got)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("Close() failed, reason: %v", err)
	}
	if first.closed {
		t.Errorf("image closed while refcount was still positive")
	}
}

func TestOpenFromBytesRejectsEmptyBuffer(t *testing.T) {
	r := NewRegistry(nil)
	if _, err := r.OpenFromBytes(nil, true, false); err != ErrInvalidPESize {
		t.Errorf("OpenFromBytes(nil) = %v, want ErrInvalidPESize", err)
	}
}

func TestCloseTearsDownOnLastRef(t *testing.T) {
	r := NewRegistry(nil)
	img, err := r.OpenFromBytes(buildMinimalPE(0), true, false)
	if err != nil {
		t.Fatalf("OpenFromBytes() failed, reason: %v", err)
	}

	path := img.path
	if err := img.Close(); err != nil {
		t.Fatalf("Close() failed, reason: %v", err)
	}
	if !img.closed {
		t.Errorf("image not marked closed after its last reference dropped")
	}
	if r.Loaded(path, false) != nil {
		t.Errorf("registry still reports the image as loaded after Close")
	}
}

func TestRegistryPartitionsRefOnlyFromOwned(t *testing.T) {
	r := NewRegistry(nil)
	owned, err := r.OpenFromBytes(buildMinimalPE(0), true, false)
	if err != nil {
		t.Fatalf("OpenFromBytes(refOnly=false) failed, reason: %v", err)
	}
	defer owned.Close()

	refOnly, err := r.OpenFromBytes(buildMinimalPE(0), true, true)
	if err != nil {
		t.Fatalf("OpenFromBytes(refOnly=true) failed, reason: %v", err)
	}
	defer refOnly.Close()

	if r.Loaded(owned.path, true) != nil {
		t.Errorf("an owned image leaked into the ref-only partition")
	}
	if r.Loaded(refOnly.path, false) != nil {
		t.Errorf("a ref-only image leaked into the owned partition")
	}
}

func TestRebuildGUIDIndexDropsClosedImageOnly(t *testing.T) {
	r := NewRegistry(nil)
	a, err := r.OpenFromBytes(buildMinimalPE(0), true, false)
	if err != nil {
		t.Fatalf("OpenFromBytes() failed, reason: %v", err)
	}
	b, err := r.OpenFromBytes(buildMinimalPE(0), true, false)
	if err != nil {
		t.Fatalf("OpenFromBytes() failed, reason: %v", err)
	}
	a.guid = [16]byte{1}
	a.hasGUID = true
	b.guid = [16]byte{2}
	b.hasGUID = true

	r.mu.Lock()
	r.register(a, false)
	r.register(b, false)
	r.mu.Unlock()

	if err := a.Close(); err != nil {
		t.Fatalf("Close(a) failed, reason: %v", err)
	}
	if r.LoadedByGUID(a.rawGUIDHex(), false) != nil {
		t.Errorf("closed image's GUID entry was not rebuilt away")
	}
	if r.LoadedByGUID(b.rawGUIDHex(), false) != b {
		t.Errorf("surviving image's GUID entry was dropped by the rebuild")
	}
	_ = b.Close()
}
