// Package remote binds cache.RemoteTier to HTTP. Client is the RemoteTier a
// build host uses to reach a shared cache peer; NewApp builds the Fiber
// application that peer runs on top of its own cache.Manager and Store.
//
// Handles travel base64url-encoded in the path. Blob downloads and multipart
// uploads may be zstd-compressed, negotiated with the X-Buildcache-Encoding
// header so intermediaries never try to decode the payload themselves.
package remote
