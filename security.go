// Copyright 2024 The climage Authors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package climage

import (
	"encoding/binary"
	"encoding/hex"

	"go.mozilla.org/pkcs7"
)

// WIN_CERTIFICATE revision values.
const (
	WinCertRevision1_0 = 0x0100
	WinCertRevision2_0 = 0x0200
)

// WIN_CERTIFICATE certificate type values.
const (
	WinCertTypeX509           = 0x0001
	WinCertTypePKCSSignedData = 0x0002
)

// WinCertificate is the WIN_CERTIFICATE header preceding the certificate
// blob in the certificate data directory.
type WinCertificate struct {
	Length          uint32
	Revision        uint16
	CertificateType uint16
}

// CertInfo is the informational subset of the signer's X.509 certificate
// the loader surfaces; it is not a trust decision. This never verifies the
// signature against a trust anchor, it only notes the certificate table's
// presence and decodes its envelope.
type CertInfo struct {
	Issuer       string
	Subject      string
	SerialNumber string
}

// Certificate is the parsed certificate directory.
type Certificate struct {
	Header WinCertificate
	Raw    []byte
	Info   CertInfo
	Signed bool // true when Raw parsed as a well-formed PKCS#7 SignedData
}

// parseCertificateDirectory reads the first WIN_CERTIFICATE entry referenced
// by the certificate data directory; any further entries are not read. Unlike every other directory, the
// directory's VirtualAddress is a plain file offset, not an RVA — the
// certificate table is deliberately excluded from the in-memory image map.
func (img *Image) parseCertificateDirectory(fileOffset, size uint32) error {
	header := WinCertificate{}
	headerSize := uint32(binary.Size(header))

	if err := img.buf.structUnpack(&header, fileOffset, headerSize); err != nil {
		return ErrOutsideBoundary
	}
	if header.Length == 0 || fileOffset+header.Length > img.buf.Len() {
		return ErrOutsideBoundary
	}

	content, err := img.buf.ReadBytes(fileOffset+headerSize, header.Length-headerSize)
	if err != nil {
		return err
	}

	cert := Certificate{Header: header, Raw: content}
	img.Certificates = cert
	img.HasCertificate = true
	img.IsSigned = true

	if img.opts.DisableCertValidation || header.CertificateType != WinCertTypePKCSSignedData {
		return nil
	}

	p7, err := pkcs7.Parse(content)
	if err != nil {
		// Presence is still noted; decoding the envelope is best-effort.
		img.opts.logger().Warnf("certificate directory present but not decodable PKCS#7: %v", err)
		return nil
	}
	img.Certificates.Signed = true
	if len(p7.Signers) > 0 {
		for _, c := range p7.Certificates {
			if c.SerialNumber == nil || p7.Signers[0].IssuerAndSerialNumber.SerialNumber.Cmp(c.SerialNumber) != 0 {
				continue
			}
			img.Certificates.Info.SerialNumber = hex.EncodeToString(c.SerialNumber.Bytes())
			img.Certificates.Info.Issuer = c.Issuer.CommonName
			img.Certificates.Info.Subject = c.Subject.CommonName
			break
		}
	}
	return nil
}
