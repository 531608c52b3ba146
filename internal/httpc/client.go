// Package httpc provides the shared HTTP client. http.DefaultClient
// has no timeout, which is unacceptable for a program that talks to a
// backend over mobile-grade networks.
package httpc

import (
	"net"
	"net/http"
	"time"
)

const (
	requestTimeout = 30 * time.Second
	dialTimeout    = 10 * time.Second
)

// Client is the shared HTTP client for backend API calls.
var Client = NewClient(requestTimeout)

// NewClient builds an HTTP client with the given overall request
// timeout and the standard transport settings.
func NewClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   dialTimeout,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:        20,
			MaxIdleConnsPerHost: 4,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
	}
}
