// Package cms produces the CMS (RFC 5652) SignedData that conveys the
// cryptographic signature over a CodeDirectory. The envelope is built
// directly on encoding/asn1; SignerInfo signing is delegated to a
// signing identity, so smartcard-backed keys work unchanged.
package cms

import (
	"bytes"
	"context"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/appsworld/go-codesign/pkg/codesign/identity"
	cstypes "github.com/appsworld/go-codesign/pkg/codesign/types"
	"zombiezen.com/go/log"
)

var (
	OIDData                   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 1}
	OIDSignedData             = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 2}
	OIDAttributeContentType   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 3}
	OIDAttributeMessageDigest = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 4}
	OIDAttributeSigningTime   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 5}
	OIDAttributeTimestampToken = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 2, 14}

	OIDDigestAlgorithmSHA1   = asn1.ObjectIdentifier{1, 3, 14, 3, 2, 26}
	OIDDigestAlgorithmSHA256 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}
	OIDDigestAlgorithmSHA384 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 2}
	OIDDigestAlgorithmSHA512 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 3}
)

var ErrSigningFailed = identity.ErrSigningFailed

func digestOID(ht cstypes.HashType) (asn1.ObjectIdentifier, error) {
	switch ht {
	case cstypes.HASHTYPE_SHA1:
		return OIDDigestAlgorithmSHA1, nil
	case cstypes.HASHTYPE_SHA256, cstypes.HASHTYPE_SHA256_TRUNCATED:
		return OIDDigestAlgorithmSHA256, nil
	case cstypes.HASHTYPE_SHA384:
		return OIDDigestAlgorithmSHA384, nil
	case cstypes.HASHTYPE_SHA512:
		return OIDDigestAlgorithmSHA512, nil
	default:
		return nil, fmt.Errorf("no digest algorithm OID for %s: %w", ht, cstypes.ErrUnsupportedHash)
	}
}

type contentInfo struct {
	ContentType asn1.ObjectIdentifier
	Content     asn1.RawValue `asn1:"explicit,optional,tag:0"`
}

type signedData struct {
	Version                    int                        `asn1:"default:1"`
	DigestAlgorithmIdentifiers []pkix.AlgorithmIdentifier `asn1:"set"`
	ContentInfo                contentInfo
	Certificates               rawCertificates `asn1:"optional,tag:0"`
	CRLs                       []pkix.CertificateList `asn1:"optional,tag:1"`
	SignerInfos                []signerInfo `asn1:"set"`
}

type rawCertificates struct {
	Raw asn1.RawContent
}

type attribute struct {
	Type  asn1.ObjectIdentifier
	Value asn1.RawValue `asn1:"set"`
}

type issuerAndSerial struct {
	IssuerName   asn1.RawValue
	SerialNumber *big.Int
}

type signerInfo struct {
	Version                   int `asn1:"default:1"`
	IssuerAndSerialNumber     issuerAndSerial
	DigestAlgorithm           pkix.AlgorithmIdentifier
	AuthenticatedAttributes   []attribute `asn1:"optional,omitempty,tag:0"`
	DigestEncryptionAlgorithm pkix.AlgorithmIdentifier
	EncryptedDigest           []byte
	UnauthenticatedAttributes []attribute `asn1:"optional,omitempty,tag:1"`
}

type attributes struct {
	types  []asn1.ObjectIdentifier
	values []any
}

// Add adds the attribute, maintaining insertion order
func (as *attributes) Add(attrType asn1.ObjectIdentifier, value any) {
	as.types = append(as.types, attrType)
	as.values = append(as.values, value)
}

type sortableAttribute struct {
	SortKey   []byte
	Attribute attribute
}

// forMarshaling DER-sorts the attribute SET the way RFC 5652 wants.
func (as *attributes) forMarshaling() ([]attribute, error) {
	sortables := make([]sortableAttribute, len(as.types))
	for i := range sortables {
		asn1Value, err := asn1.Marshal(as.values[i])
		if err != nil {
			return nil, err
		}
		attr := attribute{
			Type:  as.types[i],
			Value: asn1.RawValue{Tag: 17, IsCompound: true, Bytes: asn1Value}, // 17 == SET tag
		}
		encoded, err := asn1.Marshal(attr)
		if err != nil {
			return nil, err
		}
		sortables[i] = sortableAttribute{SortKey: encoded, Attribute: attr}
	}
	sort.Slice(sortables, func(i, j int) bool {
		return bytes.Compare(sortables[i].SortKey, sortables[j].SortKey) < 0
	})
	attrs := make([]attribute, len(sortables))
	for i, s := range sortables {
		attrs[i] = s.Attribute
	}
	return attrs, nil
}

// marshalAttributes encodes the attribute SET as it is signed: with the
// explicit SET OF tag rather than the implicit [0] used inside SignerInfo.
func marshalAttributes(attrs []attribute) ([]byte, error) {
	encoded, err := asn1.Marshal(struct {
		A []attribute `asn1:"set"`
	}{A: attrs})
	if err != nil {
		return nil, err
	}
	// Remove the leading sequence octets
	var raw asn1.RawValue
	if _, err := asn1.Unmarshal(encoded, &raw); err != nil {
		return nil, err
	}
	return raw.Bytes, nil
}

// marshalCertificates concatenates the raw certificates in the implicit
// [0] wrapper. The tag and length must be pre-encoded into RawContent
// or asn1.Marshal would strip the wrapper.
func marshalCertificates(certs []*x509.Certificate) (rawCertificates, error) {
	var buf bytes.Buffer
	for _, cert := range certs {
		buf.Write(cert.Raw)
	}
	val := asn1.RawValue{Bytes: buf.Bytes(), Class: 2, Tag: 0, IsCompound: true}
	b, err := asn1.Marshal(val)
	if err != nil {
		return rawCertificates{}, err
	}
	return rawCertificates{Raw: b}, nil
}

// SignRequest describes one CMS signing operation.
type SignRequest struct {
	// Message is the framed CodeDirectory being signed. The content is
	// embedded attached; Apple accepts attached or detached.
	Message []byte

	// HashType selects the CMS digest algorithm; it follows the
	// CodeDirectory's hash kind.
	HashType cstypes.HashType

	Identity identity.Identity

	// TimestampURL is the RFC 3161 server. Empty or "none" disables
	// timestamping.
	TimestampURL string

	// Now is the signingTime source; nil means time.Now.
	Now func() time.Time
}

// Sign produces the SignedData DER. Timestamp failures degrade to an
// envelope without the unsigned token attribute; every other failure is
// fatal.
func Sign(ctx context.Context, req SignRequest) ([]byte, error) {
	if req.Identity == nil {
		return nil, fmt.Errorf("%w: no signing identity", ErrSigningFailed)
	}
	digOID, err := digestOID(req.HashType)
	if err != nil {
		return nil, err
	}
	messageDigest, err := req.HashType.Digest(req.Message)
	if err != nil {
		return nil, err
	}

	now := time.Now
	if req.Now != nil {
		now = req.Now
	}

	attrs := &attributes{}
	attrs.Add(OIDAttributeContentType, OIDData)
	attrs.Add(OIDAttributeMessageDigest, messageDigest)
	attrs.Add(OIDAttributeSigningTime, now().UTC())
	signedAttrs, err := attrs.forMarshaling()
	if err != nil {
		return nil, fmt.Errorf("failed to marshal signed attributes: %v", err)
	}
	attrBytes, err := marshalAttributes(signedAttrs)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal signed attributes: %v", err)
	}

	signature, sigOID, err := req.Identity.Sign(ctx, attrBytes)
	if err != nil {
		return nil, err
	}

	cert := req.Identity.Certificate()
	si := signerInfo{
		Version: 1,
		IssuerAndSerialNumber: issuerAndSerial{
			IssuerName:   asn1.RawValue{FullBytes: cert.RawIssuer},
			SerialNumber: cert.SerialNumber,
		},
		DigestAlgorithm:           pkix.AlgorithmIdentifier{Algorithm: digOID},
		AuthenticatedAttributes:   signedAttrs,
		DigestEncryptionAlgorithm: pkix.AlgorithmIdentifier{Algorithm: sigOID},
		EncryptedDigest:           signature,
	}

	if url := req.TimestampURL; url != "" && url != "none" {
		token, err := requestTimestampToken(ctx, url, signature)
		if err != nil {
			log.Warnf(ctx, "timestamp server %s unavailable, omitting timestamp token: %v", url, err)
		} else {
			unsigned := &attributes{}
			unsigned.Add(OIDAttributeTimestampToken, asn1.RawValue{FullBytes: token})
			si.UnauthenticatedAttributes, err = unsigned.forMarshaling()
			if err != nil {
				return nil, fmt.Errorf("failed to marshal timestamp attribute: %v", err)
			}
		}
	}

	content, err := asn1.Marshal(req.Message)
	if err != nil {
		return nil, err
	}
	certs, err := marshalCertificates(req.Identity.CertificateChain())
	if err != nil {
		return nil, err
	}

	sd := signedData{
		Version:                    1,
		DigestAlgorithmIdentifiers: []pkix.AlgorithmIdentifier{{Algorithm: digOID}},
		ContentInfo: contentInfo{
			ContentType: OIDData,
			Content:     asn1.RawValue{Class: 2, Tag: 0, Bytes: content, IsCompound: true},
		},
		Certificates: certs,
		SignerInfos:  []signerInfo{si},
	}
	inner, err := asn1.Marshal(sd)
	if err != nil {
		return nil, err
	}
	outer := contentInfo{
		ContentType: OIDSignedData,
		Content:     asn1.RawValue{Class: 2, Tag: 0, Bytes: inner, IsCompound: true},
	}
	return asn1.Marshal(outer)
}

// SignedDataInfo is the parsed summary of a SignedData envelope, enough
// for display and for checking what was signed.
type SignedDataInfo struct {
	Content       []byte
	Certificates  []*x509.Certificate
	MessageDigest []byte
	SigningTime   time.Time
	HasTimestamp  bool
}

var errNotSignedData = errors.New("not a CMS SignedData structure")

// Parse reads back a SignedData produced by Sign (or by Apple's tools,
// within the envelope shapes used here).
func Parse(der []byte) (*SignedDataInfo, error) {
	var outer contentInfo
	if _, err := asn1.Unmarshal(der, &outer); err != nil {
		return nil, fmt.Errorf("failed to parse CMS content info: %v", err)
	}
	if !outer.ContentType.Equal(OIDSignedData) {
		return nil, errNotSignedData
	}
	var sd signedData
	if _, err := asn1.Unmarshal(outer.Content.Bytes, &sd); err != nil {
		return nil, fmt.Errorf("failed to parse SignedData: %v", err)
	}

	info := &SignedDataInfo{}
	if len(sd.ContentInfo.Content.Bytes) > 0 {
		if _, err := asn1.Unmarshal(sd.ContentInfo.Content.Bytes, &info.Content); err != nil {
			return nil, fmt.Errorf("failed to parse attached content: %v", err)
		}
	}
	if len(sd.Certificates.Raw) > 0 {
		var val asn1.RawValue
		if _, err := asn1.Unmarshal(sd.Certificates.Raw, &val); err != nil {
			return nil, err
		}
		certs, err := x509.ParseCertificates(val.Bytes)
		if err != nil {
			return nil, err
		}
		info.Certificates = certs
	}
	for _, si := range sd.SignerInfos {
		for _, attr := range si.AuthenticatedAttributes {
			switch {
			case attr.Type.Equal(OIDAttributeMessageDigest):
				if _, err := asn1.Unmarshal(attr.Value.Bytes, &info.MessageDigest); err != nil {
					return nil, fmt.Errorf("failed to parse messageDigest attribute: %v", err)
				}
			case attr.Type.Equal(OIDAttributeSigningTime):
				if _, err := asn1.Unmarshal(attr.Value.Bytes, &info.SigningTime); err != nil {
					return nil, fmt.Errorf("failed to parse signingTime attribute: %v", err)
				}
			}
		}
		for _, attr := range si.UnauthenticatedAttributes {
			if attr.Type.Equal(OIDAttributeTimestampToken) {
				info.HasTimestamp = true
			}
		}
	}
	return info, nil
}
