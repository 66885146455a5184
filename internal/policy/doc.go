// Package policy loads the admission policy: the limiter-wide default rules
// and the operations the gateway guards, each with its own rules.
//
// A policy is a YAML document read from a local file, an SSM parameter or
// an S3 object. S3 policies can carry a detached KMS signature that is
// checked before the document is parsed. Policies are applied once at
// startup, since an operation's first binding is final.
package policy
