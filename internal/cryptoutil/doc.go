// Package cryptoutil provides the verification primitives used on the
// webhook and auth paths.
//
// It supports:
//   - Timestamped payload signatures in the "t=<unix>,v1=<hex>" header form
//   - HMAC-SHA256 verification against a local secret or a KMS HMAC key
//   - Secrets sourced from static config or SSM SecureString parameters
//   - Constant-time comparison of hex-encoded digests
package cryptoutil
