// Package security authenticates workflow engine callbacks and records
// security-relevant events.
//
// # Callback signatures
//
// The engine signs every callback body with HMAC-SHA256 over the exact raw
// bytes it sends, using a shared secret, and puts "sha256=<hex digest>" in a
// header (X-Signature by default). SignatureVerifier recomputes the digest
// and compares it in constant time:
//
//	v := security.NewSignatureVerifier()
//	if r := v.Check(rawBody, req.Header.Get("X-Signature"), secret); r != security.RejectNone {
//	    // 401
//	}
//
// The body must not be parsed or re-encoded before verification; a
// re-serialized payload can differ byte for byte and will not match.
//
// # Audit events
//
// Components report events through an AuditSink. Sinks are best effort:
// Emit swallows panics, and the shipped sinks never return errors to the
// caller. Available sinks write to the logger, publish on the message bus,
// batch to an HTTP collector, append to a JSONL file, or sign each event
// with an Ed25519 key for tamper evidence.
package security
