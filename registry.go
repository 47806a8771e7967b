// Copyright 2024 The climage Authors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package climage

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Registry is the process-wide deduplicating image registry: four maps
// partitioned by the ref-only flag, guarded by a single mutex, plus a
// fifth pair that indexes by assembly display name when it differs from
// the path.
type Registry struct {
	mu sync.Mutex

	byPath        map[string]*Image
	byPathRefOnly map[string]*Image
	byGUID        map[string]*Image
	byGUIDRefOnly map[string]*Image
	byName        map[string]*Image
	byNameRefOnly map[string]*Image

	opts *Options
}

// NewRegistry constructs an empty registry with the given default parse
// options (nil is equivalent to &Options{}), reading envDebugAssemblyUnload
// once and storing it on those options so
// every Close sees it without re-reading the environment.
func NewRegistry(opts *Options) *Registry {
	o := opts.copy()
	_, o.retainOnClose = os.LookupEnv(envDebugAssemblyUnload)
	return &Registry{
		byPath:        make(map[string]*Image),
		byPathRefOnly: make(map[string]*Image),
		byGUID:        make(map[string]*Image),
		byGUIDRefOnly: make(map[string]*Image),
		byName:        make(map[string]*Image),
		byNameRefOnly: make(map[string]*Image),
		opts:          o,
	}
}

func canonicalPath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		// A not-yet-existing or in-memory path still canonicalizes via
		// Abs+Clean; only a genuine stat failure on an existing path is
		// an I/O error worth surfacing.
		if os.IsNotExist(err) {
			return filepath.Clean(abs), nil
		}
		return "", err
	}
	return resolved, nil
}

func (r *Registry) pathMap(refOnly bool) map[string]*Image {
	if refOnly {
		return r.byPathRefOnly
	}
	return r.byPath
}

func (r *Registry) guidMap(refOnly bool) map[string]*Image {
	if refOnly {
		return r.byGUIDRefOnly
	}
	return r.byGUID
}

func (r *Registry) nameMap(refOnly bool) map[string]*Image {
	if refOnly {
		return r.byNameRefOnly
	}
	return r.byName
}

// Open implements the cache-miss open protocol:
//
//  1. canonicalize path
//  2. lock, look up by path; on hit, addref and return under lock
//  3. on miss, unlock, parse outside the critical section
//  4. re-lock, look up again; on a race, discard the fresh parse and
//     return the winner with an added reference
//  5. otherwise insert under path, assembly name, and GUID; unlock
func (r *Registry) Open(path string, refOnly bool) (*Image, error) {
	canon, err := canonicalPath(path)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if existing, ok := r.pathMap(refOnly)[canon]; ok {
		existing.Addref()
		r.mu.Unlock()
		return existing, nil
	}
	r.mu.Unlock()

	buf, err := newRawBufferFromFile(canon)
	if err != nil {
		return nil, err
	}
	img := newEmptyImage(buf, canon, r.opts, refOnly)
	if err := img.load(); err != nil {
		_ = img.destroy()
		return nil, err
	}

	return r.publish(canon, img, refOnly)
}

// publish performs step 4-5 of the open protocol: re-check under lock,
// and either discard the freshly parsed image (outside the lock, since
// destroy does I/O) or publish it.
func (r *Registry) publish(canon string, img *Image, refOnly bool) (*Image, error) {
	r.mu.Lock()
	if existing, ok := r.pathMap(refOnly)[canon]; ok {
		existing.Addref()
		r.mu.Unlock()
		_ = img.destroy()
		return existing, nil
	}

	img.registry = r
	r.register(img, refOnly)
	r.mu.Unlock()
	return img, nil
}

// register inserts img under path, assembly name (if distinct), and GUID.
// Caller must hold r.mu.
func (r *Registry) register(img *Image, refOnly bool) {
	r.pathMap(refOnly)[img.path] = img
	if img.assemblyName != "" && img.assemblyName != img.path {
		r.nameMap(refOnly)[img.assemblyName] = img
	}
	if img.hasGUID {
		r.guidMap(refOnly)[img.rawGUIDHex()] = img
	}
}

// unregister removes img from every map it was published under and
// rebuilds the GUID map, since other images may share its GUID.
func (r *Registry) unregister(img *Image) {
	r.mu.Lock()
	defer r.mu.Unlock()

	pm := r.pathMap(img.refOnly)
	if pm[img.path] == img {
		delete(pm, img.path)
	}
	nm := r.nameMap(img.refOnly)
	if img.assemblyName != "" && nm[img.assemblyName] == img {
		delete(nm, img.assemblyName)
	}
	r.rebuildGUIDIndex(img.refOnly)
}

// rebuildGUIDIndex recomputes the GUID map for the given partition from
// the surviving path-indexed images.
// Caller must hold r.mu.
func (r *Registry) rebuildGUIDIndex(refOnly bool) {
	gm := r.guidMap(refOnly)
	for k := range gm {
		delete(gm, k)
	}
	for _, img := range r.pathMap(refOnly) {
		if img.hasGUID {
			gm[img.rawGUIDHex()] = img
		}
	}
}

// OpenFromBytes opens an in-memory image. The
// synthetic path is "data-<address>"; when copy is false the caller's
// slice must outlive the image.
func (r *Registry) OpenFromBytes(data []byte, copy, refOnly bool) (*Image, error) {
	if len(data) == 0 {
		return nil, ErrInvalidPESize
	}
	buf := newRawBufferFromBytes(data, copy)
	path := fmt.Sprintf("data-%p", &data)

	img := newEmptyImage(buf, path, r.opts, refOnly)
	if err := img.load(); err != nil {
		_ = img.destroy()
		return nil, err
	}
	return r.publish(path, img, refOnly)
}

// OpenPEOnly parses only the PE envelope, skipping the CLI parser and the
// registry entirely.
func OpenPEOnly(path string, opts *Options) (*Image, error) {
	buf, err := newRawBufferFromFile(path)
	if err != nil {
		return nil, err
	}
	o := opts.copy()
	o.CareAboutCLI = false
	img := newEmptyImage(buf, path, o, true)
	if err := img.load(); err != nil {
		_ = img.destroy()
		return nil, err
	}
	return img, nil
}

// Loaded returns the already-open image for path without parsing, or nil.
// In-memory images are found under their synthetic "data-<address>" name.
func (r *Registry) Loaded(path string, refOnly bool) *Image {
	canon, err := canonicalPath(path)
	r.mu.Lock()
	defer r.mu.Unlock()
	pm := r.pathMap(refOnly)
	if img, ok := pm[path]; ok {
		return img
	}
	if err != nil {
		return nil
	}
	return pm[canon]
}

// LoadedByGUID returns the already-open image for guid without parsing.
func (r *Registry) LoadedByGUID(guid string, refOnly bool) *Image {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.guidMap(refOnly)[guid]
}

// LoadedByName returns the already-open image registered under assembly
// display name, if any.
func (r *Registry) LoadedByName(name string, refOnly bool) *Image {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nameMap(refOnly)[name]
}
