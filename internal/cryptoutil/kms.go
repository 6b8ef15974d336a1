package cryptoutil

import (
	"context"
	"errors"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	kmstypes "github.com/aws/aws-sdk-go-v2/service/kms/types"

	"github.com/keithlinneman/packgate/internal/xerrors"
)

// kmsMacAPI is the subset of the KMS API needed to verify a MAC.
// Extracted as an interface to enable unit testing without live AWS credentials.
type kmsMacAPI interface {
	VerifyMac(ctx context.Context, params *kms.VerifyMacInput, optFns ...func(*kms.Options)) (*kms.VerifyMacOutput, error)
}

// KMSMacVerifier verifies HMAC-SHA256 MACs with a KMS HMAC key, so the
// webhook secret never leaves KMS.
type KMSMacVerifier struct {
	client kmsMacAPI
	keyARN string
}

func NewKMSMacVerifier(client *kms.Client, keyARN string) *KMSMacVerifier {
	return &KMSMacVerifier{client: client, keyARN: keyARN}
}

func (v *KMSMacVerifier) VerifyMAC(ctx context.Context, message, mac []byte) error {
	if v.client == nil {
		return xerrors.New("kms client is not configured")
	}
	out, err := v.client.VerifyMac(ctx, &kms.VerifyMacInput{
		KeyId:        aws.String(v.keyARN),
		MacAlgorithm: kmstypes.MacAlgorithmSpecHmacSha256,
		Message:      message,
		Mac:          mac,
	})
	if err != nil {
		// KMS reports a wrong MAC as an error rather than MacValid=false
		var invalid *kmstypes.KMSInvalidMacException
		if errors.As(err, &invalid) {
			return ErrSignatureMismatch
		}
		return xerrors.Wrapf(err, "kms verify mac with %s", v.keyARN)
	}
	if !out.MacValid {
		return ErrSignatureMismatch
	}
	return nil
}
