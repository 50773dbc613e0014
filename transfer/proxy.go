package transfer

import (
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"golang.org/x/net/http/httpproxy"
)

// ProxyConfig is the outbound HTTP proxy a worker must use for a transfer.
//
// It travels with the Unit because the worker's environment may differ from
// the controller's; a worker never falls back to its own process proxy settings.
type ProxyConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	// NoProxy is a comma separated list of hosts excluded from proxying, in the NO_PROXY format.
	NoProxy string `json:"no_proxy,omitempty"`
}

// URL returns the proxy URL, or nil when no proxy host is configured.
func (p *ProxyConfig) URL() *url.URL {
	if p == nil || p.Host == "" {
		return nil
	}

	host := p.Host
	if p.Port > 0 {
		host = net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
	}

	u := &url.URL{Scheme: "http", Host: host}
	if p.Username != "" {
		u.User = url.UserPassword(p.Username, p.Password)
	}

	return u
}

// proxyFunc returns the per-request proxy selector for an http.Transport.
func (p *ProxyConfig) proxyFunc() func(*http.Request) (*url.URL, error) {
	proxyURL := p.URL()
	if proxyURL == nil {
		return nil
	}

	cfg := &httpproxy.Config{
		HTTPProxy:  proxyURL.String(),
		HTTPSProxy: proxyURL.String(),
		NoProxy:    p.NoProxy,
	}
	fn := cfg.ProxyFunc()

	return func(req *http.Request) (*url.URL, error) {
		return fn(req.URL)
	}
}

// newTransport builds a dedicated HTTP transport for one transfer client.
func newTransport(p *ProxyConfig) policy.Transporter {
	var tr *http.Transport
	if base, ok := http.DefaultTransport.(*http.Transport); ok {
		tr = base.Clone()
	} else {
		tr = &http.Transport{
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		}
	}

	// never inherit HTTP_PROXY and friends from the worker process
	tr.Proxy = p.proxyFunc()

	return &http.Client{Transport: tr}
}
