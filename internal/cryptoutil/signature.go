package cryptoutil

import (
	"context"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/keithlinneman/packgate/internal/xerrors"
)

const (
	// DefaultSignatureTolerance bounds how old a signed timestamp may be.
	DefaultSignatureTolerance = 5 * time.Minute

	signatureScheme = "v1"
)

var (
	ErrMalformedSignature = errors.New("malformed signature header")
	ErrSignatureExpired   = errors.New("signature timestamp outside tolerance")
	ErrSignatureMismatch  = errors.New("signature mismatch")
)

// MACVerifier checks a MAC over message.
type MACVerifier interface {
	VerifyMAC(ctx context.Context, message, mac []byte) error
}

// SignatureHeader is a parsed "t=<unix>,v1=<hex>[,v1=<hex>...]" header.
// Multiple v1 entries appear while a secret is being rotated.
type SignatureHeader struct {
	Timestamp  time.Time
	Signatures [][]byte
}

// ParseSignatureHeader parses a timestamped signature header. Unknown
// schemes are skipped.
func ParseSignatureHeader(header string) (SignatureHeader, error) {
	var out SignatureHeader
	if strings.TrimSpace(header) == "" {
		return out, xerrors.Wrap(ErrMalformedSignature, "empty header")
	}
	haveTS := false
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			sec, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return out, xerrors.Wrapf(ErrMalformedSignature, "timestamp %q", v)
			}
			out.Timestamp = time.Unix(sec, 0).UTC()
			haveTS = true
		case signatureScheme:
			sig, err := hex.DecodeString(v)
			if err != nil {
				continue
			}
			out.Signatures = append(out.Signatures, sig)
		}
	}
	if !haveTS {
		return out, xerrors.Wrap(ErrMalformedSignature, "missing timestamp")
	}
	if len(out.Signatures) == 0 {
		return out, xerrors.Wrapf(ErrMalformedSignature, "no %s signatures", signatureScheme)
	}
	return out, nil
}

// SignedPayload is the byte string a header signature covers.
func SignedPayload(ts time.Time, payload []byte) []byte {
	prefix := strconv.FormatInt(ts.Unix(), 10) + "."
	out := make([]byte, 0, len(prefix)+len(payload))
	out = append(out, prefix...)
	return append(out, payload...)
}

// SignPayload builds a header for payload under key. Used by tests and
// local tooling that replays events.
func SignPayload(key, payload []byte, ts time.Time) string {
	mac := HMACSHA256Hex(key, SignedPayload(ts, payload))
	return "t=" + strconv.FormatInt(ts.Unix(), 10) + "," + signatureScheme + "=" + mac
}

// PayloadVerifier checks timestamped signature headers against a MACVerifier.
type PayloadVerifier struct {
	MAC       MACVerifier
	Tolerance time.Duration
	Now       func() time.Time
}

// Verify reports whether header carries a valid, fresh signature over
// payload. Verifier errors other than a mismatch are returned as-is so
// callers can tell a bad signature from an unreachable key service.
func (v *PayloadVerifier) Verify(ctx context.Context, payload []byte, header string) error {
	h, err := ParseSignatureHeader(header)
	if err != nil {
		return err
	}
	now := time.Now
	if v.Now != nil {
		now = v.Now
	}
	tol := v.Tolerance
	if tol <= 0 {
		tol = DefaultSignatureTolerance
	}
	age := now().Sub(h.Timestamp)
	if age > tol || age < -tol {
		return xerrors.Wrapf(ErrSignatureExpired, "age %s", age.Round(time.Second))
	}

	msg := SignedPayload(h.Timestamp, payload)
	var lastErr error
	for _, sig := range h.Signatures {
		err := v.MAC.VerifyMAC(ctx, msg, sig)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrSignatureMismatch) {
			return err
		}
		lastErr = err
	}
	return lastErr
}
