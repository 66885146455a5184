// Package cryptoutil verifies detached signatures over policy documents
// with AWS KMS asymmetric keys, and hashes documents for identification.
//
// Verification is local: the public key is fetched from KMS once and
// cached. ECDSA P-256 and P-384 and RSA-PSS (SHA-256) keys are supported,
// RSA PKCS#1 v1.5 only when explicitly allowed.
package cryptoutil
