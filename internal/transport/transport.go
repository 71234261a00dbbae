// Package transport defines the HTTP boundary the engine uses to fetch
// peer descriptors and post messages to a next hop, plus a net/http-
// backed reference implementation.
package transport

import "context"

// DescriptorFetcher retrieves a peer's /remailer-conf.txt.
type DescriptorFetcher interface {
	Fetch(ctx context.Context, addr string) ([]byte, error)
}

// PeerPoster delivers a message body to a peer's collector endpoint.
type PeerPoster interface {
	Post(ctx context.Context, addr string, body []byte) (status int, err error)
}
