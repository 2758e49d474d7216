package spotify

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"

	"golang.org/x/net/proxy"

	"github.com/xeptore/quefi/config"
)

// NewHTTPClient returns the client used for every Spotify request, routed
// through the configured SOCKS5 proxy when one is set.
func NewHTTPClient(conf config.Proxy) (*http.Client, error) {
	if !conf.Enabled() {
		return &http.Client{}, nil //nolint:exhaustruct
	}

	var auth *proxy.Auth
	if len(conf.Username) > 0 {
		auth = &proxy.Auth{User: conf.Username, Password: conf.Password}
	}

	addr := net.JoinHostPort(conf.Host, strconv.Itoa(conf.Port))
	dialer, err := proxy.SOCKS5("tcp", addr, auth, proxy.Direct)
	if nil != err {
		return nil, fmt.Errorf("failed to create socks5 proxy dialer: %v", err)
	}

	contextDialer, ok := dialer.(proxy.ContextDialer)
	if !ok {
		return nil, errors.New("socks5 proxy dialer does not support dialing with context")
	}

	transport := http.DefaultTransport.(*http.Transport).Clone() //nolint:forcetypeassert
	transport.Proxy = nil
	transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
		return contextDialer.DialContext(ctx, network, addr)
	}

	return &http.Client{Transport: transport}, nil //nolint:exhaustruct
}
