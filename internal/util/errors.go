// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by the license
// that can be found in the LICENSE file.
package util

import "fmt"

// Wrapf wraps *errp with a message built from format and args, if *errp is
// non-nil. It is meant to be called as:
//
//	defer util.Wrapf(&err, "doingThing(%q)", arg)
//
// so that any named error return gets annotated with the calling function's
// context on the way out, without disturbing errors.Is/As unwrapping.
func Wrapf(errp *error, format string, args ...any) {
	if errp == nil || *errp == nil {
		return
	}
	*errp = fmt.Errorf(format+": %w", append(args, *errp)...)
}
