package identity

import (
	"net"
	"net/http"
	"time"

	cloudflarebp "github.com/DaRealFreak/cloudflare-bp-go"
)

// NewTransport builds the round tripper every request of a session goes
// through: a pooled *http.Transport honoring `config`, optionally wrapped by
// the cloudflare bypass, wrapped by a decoder for the encodings the identity
// advertises.
func NewTransport(config TransportConfig) http.RoundTripper {
	base := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   time.Second * 30,
			KeepAlive: time.Second * 30,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		DisableKeepAlives:     !config.KeepAlive,
		MaxIdleConns:          100,
		MaxConnsPerHost:       config.MaxConnsPerHost,
		MaxIdleConnsPerHost:   config.MaxIdleConnsPerHost,
		IdleConnTimeout:       config.IdleConnTimeout,
		TLSHandshakeTimeout:   config.TLSHandshakeTimeout,
		ExpectContinueTimeout: time.Second,
		// Accept-Encoding is set explicitly, decoding happens in decodingTransport
		DisableCompression: true,
	}

	var rt http.RoundTripper = base
	if config.CloudflareBypass {
		rt = cloudflarebp.AddCloudFlareByPass(rt)
	}
	return &decodingTransport{inner: rt}
}
