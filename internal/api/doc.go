// Package api provides the authenticated REST client for the broker.
//
// Every request is signed per-attempt (fresh timestamp and nonce) via the
// auth package. The broker returns error envelopes in the body, sometimes
// with a 200 status, so responses are checked for an error envelope before
// decoding.
package api
