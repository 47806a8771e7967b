// Copyright 2024 The climage Authors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package climage

// Semantic warnings: recorded on the Image and
// logged, but never fatal to the open.
const (
	anoPEHeaderOverlapDOSHeader = "PE header overlaps with DOS header"
	anoUnknownStreamName        = "unrecognized metadata stream name, skipped"
	anoUncompressedMetadata     = "tables stream is #- (uncompressed metadata)"
	anoValidMaskAboveTable44    = "valid_mask has a bit set above table 44, ignored"
	anoRichHeaderDanSNotFound   = "rich header found but DanS signature missing"
	anoReservedDataDirectory    = "reserved data directory entry is non-zero"
)

// addAnomaly records a non-fatal warning both on the Image (for callers
// that inspect Anomalies after Open returns) and through the logger.
func (img *Image) addAnomaly(msg string) {
	img.Anomalies = append(img.Anomalies, msg)
	if img.opts != nil {
		img.opts.logger().Warnf("%s: %s", img.Name(), msg)
	}
}
