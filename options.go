// Copyright 2024 The climage Authors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package climage

import (
	"os"

	"github.com/climage/climage/log"
)

// envDebugAssemblyUnload is the one recognized environment variable
//: when present, Close retains the Image object instead
// of freeing it, to aid use-after-free diagnosis.
const envDebugAssemblyUnload = "MONO_DEBUG_ASSEMBLY_UNLOAD"

// Options configures how an image is opened and parsed.
type Options struct {
	// CareAboutCLI runs the CLI parser after the PE envelope. When
	// false, Open behaves like open_pe_only: no CLI header, no metadata
	// root, no heaps.
	CareAboutCLI bool

	// RefOnly is carried on Options but not read by the registry:
	// Registry.Open and Registry.OpenFromBytes take the ref-only flag as
	// their refOnly argument.
	RefOnly bool

	// CopyBytes is carried on Options but not read by the registry:
	// Registry.OpenFromBytes takes the ownership choice as its copy
	// argument.
	CopyBytes bool

	// DisableCertValidation skips PKCS#7 SignedData decoding of the
	// certificate directory, leaving only presence/size information.
	DisableCertValidation bool

	// Logger overrides the default stderr logger.
	Logger log.Logger

	// retainOnClose mirrors envDebugAssemblyUnload; populated once by
	// NewRegistry so each Close doesn't re-read the environment.
	retainOnClose bool
}

func (o *Options) logger() *log.Helper {
	if o == nil || o.Logger == nil {
		return log.NewHelper(log.NewFilter(log.NewStdLogger(os.Stderr), log.FilterLevel(log.LevelWarn)))
	}
	return log.NewHelper(o.Logger)
}

func (o *Options) copy() *Options {
	if o == nil {
		return &Options{}
	}
	dup := *o
	return &dup
}
