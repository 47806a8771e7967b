// Copyright 2024 The climage Authors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package climage

// CacheKind identifies one of the opaque per-image caches the core owns
// the lifecycle of but never the semantics of.
type CacheKind int

// Recognized cache kinds. Collaborators outside this package are expected
// to type-assert the interface{} they stored back to their own type.
const (
	CacheMethod CacheKind = iota
	CacheClass
	CacheField
	CacheWrapper
	CacheSignature
)

// imageCache is a black-box cache registry parameterized by cache kind.
type imageCache struct {
	handles map[CacheKind]interface{}
}

func newImageCache() *imageCache {
	return &imageCache{handles: make(map[CacheKind]interface{})}
}

// Get returns the handle for kind, creating it via new if absent.
func (c *imageCache) Get(kind CacheKind, new func() interface{}) interface{} {
	if h, ok := c.handles[kind]; ok {
		return h
	}
	h := new()
	c.handles[kind] = h
	return h
}

// destroy drops every cache handle. Handles that implement io.Closer-style
// cleanup are the collaborator's responsibility before calling destroy;
// the core only owns their lifetime, not their teardown semantics.
func (c *imageCache) destroy() {
	for k := range c.handles {
		delete(c.handles, k)
	}
}
