// Copyright 2024 The climage Authors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package climage

// NewDynamicImage constructs a runtime-emitted image: it shares the Image object shape but is built directly by a
// reflection-emit collaborator rather than by parsing bytes, and carries
// additional owned storage released on Close. name is a synthetic
// identity (e.g. "RefEmit_InMemoryManifestModule").
func NewDynamicImage(name string, opts *Options) *Image {
	img := newEmptyImage(newRawBufferFromBytes(nil, false), name, opts, false)
	img.dynamic = &DynamicExtra{
		TokenToTable: make(map[uint32]TableIndex),
		BlobCache:    make(map[string][]byte),
	}
	img.Is32 = true
	return img
}

// destroyDynamic releases the additional storage a dynamic image owns.
// Close's normal teardown path calls this before the generic raw-buffer
// release since a dynamic image's "raw buffer" is an empty placeholder,
// not parsed bytes.
func (img *Image) destroyDynamic() {
	if img.dynamic == nil {
		return
	}
	img.dynamic.TokenToTable = nil
	img.dynamic.BlobCache = nil
	img.dynamic.Strings = nil
	img.dynamic.UserStrings = nil
	img.dynamic.Blob = nil
	img.dynamic.GUIDs = nil
	img.dynamic.Code = nil
	img.dynamic.Resources = nil
	img.dynamic.GenericParam = nil
	img.dynamic.StrongName = nil
	img.dynamic = nil
}
