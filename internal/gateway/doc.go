// Package gateway wires one notary-connect process together.
//
// # Components
//
// New builds, in order: the SQLite conversation store, the channel
// credential store (SQLite or Redis), the operator directory and JWT
// verifier, the media store, the auto-responder, the channel connector with
// its Matrix transport, the conversation router and the realtime hub. Run
// starts the router, connects the channel and serves until its context ends.
//
// # HTTP API
//
//	GET  /health                     liveness
//	GET  /health/ready               200 only while the channel is connected
//	POST /api/login                  {username, password} -> {token, operator}
//	GET  /ws                         operator WebSocket (token in header or ?token=)
//	POST /api/media                  multipart "file" -> {url}
//	GET  /media/{name}               uploaded files
//	GET  /api/channel/status         channel snapshot
//	POST /api/channel/restart        admin
//	POST /api/channel/pause          admin
//	POST /api/channel/resume         admin
//	POST /api/channel/logout         admin, disconnect and purge credentials
//	GET  /api/audit                  admin, audit log (actor, action, since, limit)
//	GET  /api/channel/sso-callback   homeserver SSO redirect target
//
// Admin identities join the WebSocket as observers: they see every status
// change, login payload and message, but cannot act on conversations.
//
// # gRPC
//
// The gRPC listener only carries grpc.health.v1.Health. Service "channel" is
// SERVING while the channel is connected and NOT_SERVING otherwise.
//
// # Tailscale
//
// With tailscale.enabled the gateway joins the tailnet through tsnet and
// listens on :80 (HTTP) and :50051 (gRPC) there instead of the configured
// addresses.
package gateway
