// Package signaling implements the WebSocket surface for matchmaking and
// peer-to-peer handshake relaying.
//
// One WebSocket connection is one client identity for its lifetime. The
// server assigns an opaque id on connect, brokers matches and invite rooms
// through the match package, and forwards handshake payloads between
// paired clients verbatim. Payloads are opaque blobs; the server never
// inspects them beyond a free-form kind discriminator used for logging.
package signaling
