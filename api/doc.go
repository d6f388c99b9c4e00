// Package api defines the wire types of the BatchFlow HTTP API.
//
// BatchFlow exposes its batching engine over HTTP so that callers in any
// language can share one deduplication window:
//
//   - POST /v1/fetch            submit one logical request and wait for its result
//   - GET  /v1/batch/stats      engine, deduplication and scheduler counters
//   - GET  /v1/batch/report     efficiency summary, history and recommendations
//   - POST /v1/batch/flush      force the current window to dispatch
//   - POST /v1/batch/clear      reject everything queued with CLIENT_QUEUE
//   - POST /v1/batch/reset      zero the counters and drop analytics history
//
// Health endpoints (/health, /healthz, /ready, /version) are unauthenticated.
//
// All responses use the envelope written by handlers.WriteSuccess and
// handlers.WriteError:
//
//	{"success": true, "data": {...}, "timestamp": "..."}
//	{"success": false, "error": {"code": "SERVER", "message": "..."}, "timestamp": "..."}
package api
