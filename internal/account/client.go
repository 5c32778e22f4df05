package account

import (
	"compress/flate"
	"compress/gzip"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/andybalholm/brotli"
	xproxy "golang.org/x/net/proxy"
)

// BearerToken is the fixed guest-equivalent authorization carried on every
// API request.
const BearerToken = "Bearer AAAAAAAAAAAAAAAAAAAAANRILgAAAAAAnNwIzUejRCOuH5E6I8xnZz4puTs%3D1Zv7ttfk8LF81IUq16cHjhLTvJu4FA33AGWWjCpTnA"

const (
	transportRetries = 2
	maxRedirects     = 10
	requestTimeout   = 45 * time.Second
)

// Session carries mutable header and cookie state across requests, the way a
// logged-in browser session would. It is safe for concurrent use.
type Session struct {
	mu      sync.Mutex
	headers map[string]string
	cookies map[string]string
	base    http.RoundTripper
}

// NewSession creates a session over the given transport with initial header
// and cookie material.
func NewSession(base http.RoundTripper, headers, cookies map[string]string) *Session {
	s := &Session{
		headers: map[string]string{},
		cookies: map[string]string{},
		base:    base,
	}
	for k, v := range headers {
		s.headers[strings.ToLower(k)] = v
	}
	for k, v := range cookies {
		s.cookies[k] = v
	}
	return s
}

// SetHeader sets a default header applied to every request.
func (s *Session) SetHeader(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.headers[strings.ToLower(key)] = value
}

// Cookie returns a session cookie value, or "".
func (s *Session) Cookie(name string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cookies[name]
}

// Headers returns a copy of the session's default headers.
func (s *Session) Headers() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.headers))
	for k, v := range s.headers {
		out[k] = v
	}
	return out
}

// Cookies returns a copy of the session's cookies.
func (s *Session) Cookies() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.cookies))
	for k, v := range s.cookies {
		out[k] = v
	}
	return out
}

// RoundTrip applies session headers and cookies, retries transport-level
// failures of requests without a body (requests with a body are sent once),
// decompresses the body, and captures Set-Cookie responses.
func (s *Session) RoundTrip(req *http.Request) (*http.Response, error) {
	s.mu.Lock()
	for k, v := range s.headers {
		if req.Header.Get(k) == "" {
			req.Header.Set(k, v)
		}
	}
	if len(s.cookies) > 0 && req.Header.Get("Cookie") == "" {
		pairs := make([]string, 0, len(s.cookies))
		for k, v := range s.cookies {
			pairs = append(pairs, k+"="+v)
		}
		req.Header.Set("Cookie", strings.Join(pairs, "; "))
	}
	s.mu.Unlock()

	if req.Header.Get("Accept-Encoding") == "" {
		req.Header.Set("Accept-Encoding", "gzip, deflate, br")
	}

	var resp *http.Response
	var err error
	for attempt := 0; ; attempt++ {
		resp, err = s.base.RoundTrip(req)
		if err == nil || attempt >= transportRetries || req.Body != nil {
			break
		}
	}
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	for _, c := range resp.Cookies() {
		s.cookies[c.Name] = c.Value
	}
	s.mu.Unlock()

	return decompress(resp)
}

// decompress swaps the body for a decoding reader when the server compressed
// it. Handles gzip, deflate and brotli.
func decompress(resp *http.Response) (*http.Response, error) {
	switch resp.Header.Get("Content-Encoding") {
	case "gzip":
		r, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, err
		}
		resp.Body = struct {
			io.Reader
			io.Closer
		}{r, resp.Body}
	case "deflate":
		resp.Body = struct {
			io.Reader
			io.Closer
		}{flate.NewReader(resp.Body), resp.Body}
	case "br":
		resp.Body = struct {
			io.Reader
			io.Closer
		}{brotli.NewReader(resp.Body), resp.Body}
	default:
		return resp, nil
	}
	resp.Header.Del("Content-Encoding")
	resp.ContentLength = -1
	return resp, nil
}

// Client is an HTTP client bound to one account's session.
type Client struct {
	*http.Client
	Session *Session
}

// ClientOptions tweak client construction.
type ClientOptions struct {
	// Proxy overrides the TWS_PROXY env var and the account's stored proxy.
	Proxy string

	// Timeout overrides the default per-request timeout.
	Timeout time.Duration
}

// Client hydrates an HTTP client pre-configured with the account's session:
// persisted cookies, persisted headers, then the fixed overrides.
func (a *Account) Client(opts ClientOptions) (*Client, error) {
	transport, err := newTransport(resolveProxy(opts.Proxy, a.Proxy))
	if err != nil {
		return nil, err
	}

	session := NewSession(transport, a.Headers, a.Cookies)

	session.SetHeader("user-agent", a.UserAgent)
	session.SetHeader("content-type", "application/json")
	session.SetHeader("authorization", BearerToken)
	session.SetHeader("x-twitter-active-user", "yes")
	session.SetHeader("x-twitter-client-language", "en")

	if ct0 := session.Cookie("ct0"); ct0 != "" {
		session.SetHeader("x-csrf-token", ct0)
	}

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = requestTimeout
	}

	return &Client{
		Client: &http.Client{
			Transport: session,
			Timeout:   timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return fmt.Errorf("max redirects (%d) reached", maxRedirects)
				}
				return nil
			},
		},
		Session: session,
	}, nil
}

// resolveProxy picks the proxy by precedence: explicit arg, environment,
// persisted account proxy.
func resolveProxy(explicit, persisted string) string {
	if explicit != "" {
		return explicit
	}
	if env := os.Getenv("TWS_PROXY"); env != "" {
		return env
	}
	return persisted
}

// newTransport builds the underlying transport, dialing through the proxy
// when one is configured. socks5:// proxies dial via x/net/proxy; http(s)://
// use the standard CONNECT path.
func newTransport(proxyURL string) (*http.Transport, error) {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        20,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		DisableCompression:  true, // decompression handled in Session (including brotli)
	}

	if proxyURL == "" {
		return transport, nil
	}

	u, err := url.Parse(proxyURL)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy URL %q: %w", proxyURL, err)
	}

	switch u.Scheme {
	case "socks5", "socks5h":
		var auth *xproxy.Auth
		if u.User != nil {
			pass, _ := u.User.Password()
			auth = &xproxy.Auth{User: u.User.Username(), Password: pass}
		}
		dialer, err := xproxy.SOCKS5("tcp", u.Host, auth, xproxy.Direct)
		if err != nil {
			return nil, fmt.Errorf("socks5 proxy %q: %w", proxyURL, err)
		}
		if cd, ok := dialer.(xproxy.ContextDialer); ok {
			transport.DialContext = cd.DialContext
		}
	default:
		transport.Proxy = http.ProxyURL(u)
	}
	return transport, nil
}
