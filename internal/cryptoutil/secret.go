package cryptoutil

import (
	"context"
	"crypto/hmac"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/keithlinneman/packgate/internal/xerrors"
)

// SecretSource yields a shared secret.
type SecretSource interface {
	Secret(ctx context.Context) ([]byte, error)
}

// StaticSecret is a SecretSource backed by a configured value.
type StaticSecret []byte

func (s StaticSecret) Secret(context.Context) ([]byte, error) {
	if len(s) == 0 {
		return nil, xerrors.New("secret is empty")
	}
	return s, nil
}

// ssmParamGetter is the subset of the SSM API needed to read a parameter.
// Extracted as an interface to enable unit testing without live AWS credentials.
type ssmParamGetter interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// DefaultSecretRefresh is how long an SSM-sourced secret is reused before
// it is fetched again.
const DefaultSecretRefresh = 5 * time.Minute

// SSMSecret reads a SecureString parameter and caches it for Refresh. If a
// refresh fails the previous value keeps being served.
type SSMSecret struct {
	client  ssmParamGetter
	name    string
	refresh time.Duration
	now     func() time.Time

	mu        sync.Mutex
	value     []byte
	fetchedAt time.Time
}

func NewSSMSecret(client *ssm.Client, name string, refresh time.Duration) *SSMSecret {
	return newSSMSecret(client, name, refresh)
}

func newSSMSecret(client ssmParamGetter, name string, refresh time.Duration) *SSMSecret {
	if refresh <= 0 {
		refresh = DefaultSecretRefresh
	}
	return &SSMSecret{client: client, name: name, refresh: refresh, now: time.Now}
}

func (s *SSMSecret) Secret(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.value != nil && s.now().Sub(s.fetchedAt) < s.refresh {
		return s.value, nil
	}

	v, err := s.fetch(ctx)
	if err != nil {
		if s.value != nil {
			return s.value, nil
		}
		return nil, err
	}
	s.value = v
	s.fetchedAt = s.now()
	return s.value, nil
}

func (s *SSMSecret) fetch(ctx context.Context) ([]byte, error) {
	if s.client == nil {
		return nil, xerrors.New("ssm client is not configured")
	}
	out, err := s.client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(s.name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return nil, xerrors.Wrapf(err, "get SSM parameter %s", s.name)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return nil, xerrors.Newf("SSM parameter %s has no value", s.name)
	}
	v := strings.TrimSpace(*out.Parameter.Value)
	if v == "" {
		return nil, xerrors.Newf("SSM parameter %s is empty", s.name)
	}
	return []byte(v), nil
}

// HMACVerifier verifies HMAC-SHA256 MACs with a locally held secret.
type HMACVerifier struct {
	Secret SecretSource
}

func (v *HMACVerifier) VerifyMAC(ctx context.Context, message, mac []byte) error {
	key, err := v.Secret.Secret(ctx)
	if err != nil {
		return xerrors.Wrap(err, "load hmac secret")
	}
	if !hmac.Equal(HMACSHA256(key, message), mac) {
		return ErrSignatureMismatch
	}
	return nil
}
