// Copyright 2024 The climage Authors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package climage

import (
	"errors"
	"os"
)

// isErrnoError reports whether err originates from the filesystem layer
// (os.Open/os.Stat/mmap) rather than from format validation.
func isErrnoError(err error) bool {
	var pathErr *os.PathError
	return errors.As(err, &pathErr)
}
