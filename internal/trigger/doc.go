// Package trigger exposes signed HTTP endpoints that run trigger macros.
//
// Each endpoint maps a URL path to a trigger number. A POST with a valid
// HMAC-SHA256 signature over its body starts sys/trigger<N>.g on the Trigger
// channel and answers 202 Accepted before the macro finishes.
//
// # Security Model
//
//   - signatures are compared with crypto/subtle
//   - bodies are capped per endpoint
//   - signature failures always answer a generic 403
//   - request logging never includes payloads
//
// # Configuration
//
//	triggers:
//	  enabled: true
//	  listen: "127.0.0.1:8081"
//	  endpoints:
//	    - path: /trigger/door
//	      trigger: 3
//	      secret: ${DOOR_TRIGGER_SECRET}
//	      signature_header: X-Signature-256
//	      max_body_size: 64KB
//
// # Responses
//
//   - 202 Accepted: the trigger macro was started
//   - 403 Forbidden: invalid or missing signature
//   - 404 Not Found: unknown path
//   - 409 Conflict: a trigger macro is still running
//   - 413 Payload Too Large: body exceeds max_body_size
package trigger
