package cms

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultTimestampURL is Apple's public RFC 3161 responder.
const DefaultTimestampURL = "http://timestamp.apple.com/ts01"

// timestampTimeout bounds the round trip to the timestamp server. On
// expiry the token is omitted from the envelope rather than failing the
// signing operation.
const timestampTimeout = 30 * time.Second

var ErrTimestampUnreachable = errors.New("timestamp server unreachable")

type messageImprint struct {
	HashAlgorithm pkix.AlgorithmIdentifier
	HashedMessage []byte
}

// timeStampReq is an RFC 3161 TimeStampReq, fields we don't send omitted.
type timeStampReq struct {
	Version        int
	MessageImprint messageImprint
	CertReq        bool
}

type pkiStatusInfo struct {
	Status       int
	StatusString asn1.RawValue `asn1:"optional"`
	FailInfo     asn1.BitString `asn1:"optional"`
}

type timeStampResp struct {
	Status         pkiStatusInfo
	TimeStampToken asn1.RawValue `asn1:"optional"`
}

const (
	pkiStatusGranted         = 0
	pkiStatusGrantedWithMods = 1
)

// requestTimestampToken obtains an RFC 3161 token over the SHA-256 of
// the CMS signature value. The returned bytes are the DER TimeStampToken
// (a ContentInfo), ready to embed as an unsigned attribute.
func requestTimestampToken(ctx context.Context, url string, signature []byte) ([]byte, error) {
	imprint := sha256.Sum256(signature)
	reqDER, err := asn1.Marshal(timeStampReq{
		Version: 1,
		MessageImprint: messageImprint{
			HashAlgorithm: pkix.AlgorithmIdentifier{
				Algorithm:  OIDDigestAlgorithmSHA256,
				Parameters: asn1.NullRawValue,
			},
			HashedMessage: imprint[:],
		},
		CertReq: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode TimeStampReq: %v", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timestampTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqDER))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTimestampUnreachable, err)
	}
	httpReq.Header.Set("Content-Type", "application/timestamp-query")

	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTimestampUnreachable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: HTTP %s", ErrTimestampUnreachable, resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTimestampUnreachable, err)
	}

	var tsResp timeStampResp
	if _, err := asn1.Unmarshal(body, &tsResp); err != nil {
		return nil, fmt.Errorf("%w: failed to parse TimeStampResp: %v", ErrTimestampUnreachable, err)
	}
	if s := tsResp.Status.Status; s != pkiStatusGranted && s != pkiStatusGrantedWithMods {
		return nil, fmt.Errorf("%w: server returned PKI status %d", ErrTimestampUnreachable, s)
	}
	if len(tsResp.TimeStampToken.FullBytes) == 0 {
		return nil, fmt.Errorf("%w: response carries no token", ErrTimestampUnreachable)
	}
	return tsResp.TimeStampToken.FullBytes, nil
}
