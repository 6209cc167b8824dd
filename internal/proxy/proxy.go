// Package proxy implements the egress gateway sandboxed code reaches the
// network through. Sandboxes have no direct connectivity; the harness net
// shim forwards every request here, where it is audited, checked against a
// host allowlist, rate limited, and only then relayed.
package proxy

import (
	"context"
	"crypto/subtle"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// Gateway is the audited egress relay. It runs on the host; sandboxes are
// handed its address as the only reachable endpoint.
type Gateway struct {
	server       *http.Server
	client       *http.Client
	limiter      *rate.Limiter
	allowedHosts map[string]struct{}
	secret       string // shared secret sandboxes must present, "" disables the check
	addr         string
}

// Options configures the gateway.
type Options struct {
	Port         int
	AllowedHosts []string // empty list means deny everything
	Secret       string
	RatePerSec   float64 // forwarded requests per second across all sandboxes
	Burst        int
}

// New creates a Gateway listening on 127.0.0.1:<port>.
func New(opts Options) *Gateway {
	if opts.RatePerSec <= 0 {
		opts.RatePerSec = 10
	}
	if opts.Burst <= 0 {
		opts.Burst = 20
	}

	allowed := make(map[string]struct{}, len(opts.AllowedHosts))
	for _, h := range opts.AllowedHosts {
		allowed[h] = struct{}{}
	}

	g := &Gateway{
		client: &http.Client{
			Timeout: 15 * time.Second,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				// Redirects could escape the allowlist.
				return http.ErrUseLastResponse
			},
		},
		limiter:      rate.NewLimiter(rate.Limit(opts.RatePerSec), opts.Burst),
		allowedHosts: allowed,
		secret:       opts.Secret,
		addr:         fmt.Sprintf("127.0.0.1:%d", opts.Port),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/forward", g.handleForward)

	g.server = &http.Server{
		Addr:              g.addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return g
}

// Addr returns the address sandboxes should be pointed at.
func (g *Gateway) Addr() string {
	return "http://" + g.addr + "/forward"
}

// handleForward relays one request named by the url query parameter. Every
// attempt is logged before any policy decision, so denied requests are
// audited too.
func (g *Gateway) handleForward(w http.ResponseWriter, r *http.Request) {
	rawURL := r.URL.Query().Get("url")
	execID := r.Header.Get("X-Execution-Id")

	logger := log.With().
		Str("execution_id", execID).
		Str("method", r.Method).
		Str("target", rawURL).
		Logger()
	logger.Info().Msg("egress request")

	if g.secret != "" {
		presented := r.Header.Get("X-Gateway-Secret")
		if subtle.ConstantTimeCompare([]byte(presented), []byte(g.secret)) != 1 {
			logger.Warn().Msg("egress denied: bad gateway secret")
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
	}

	target, err := url.Parse(rawURL)
	if err != nil || (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
		logger.Warn().Msg("egress denied: malformed target")
		http.Error(w, "malformed target url", http.StatusBadRequest)
		return
	}

	if _, ok := g.allowedHosts[target.Hostname()]; !ok {
		logger.Warn().Str("host", target.Hostname()).Msg("egress denied: host not allowed")
		http.Error(w, "host not allowed", http.StatusForbidden)
		return
	}

	if !g.limiter.Allow() {
		logger.Warn().Msg("egress denied: rate limited")
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	outReq, err := http.NewRequestWithContext(r.Context(), r.Method, rawURL, io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "building upstream request", http.StatusBadRequest)
		return
	}
	if ct := r.Header.Get("Content-Type"); ct != "" {
		outReq.Header.Set("Content-Type", ct)
	}

	resp, err := g.client.Do(outReq)
	if err != nil {
		logger.Warn().Err(err).Msg("egress upstream failed")
		http.Error(w, "upstream unreachable", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.WriteHeader(resp.StatusCode)
	written, _ := io.Copy(w, io.LimitReader(resp.Body, 4<<20))

	logger.Info().
		Int("status", resp.StatusCode).
		Int64("bytes", written).
		Msg("egress response")
}

// Start begins listening. The server runs in a background goroutine.
func (g *Gateway) Start() error {
	ln, err := net.Listen("tcp", g.addr)
	if err != nil {
		return fmt.Errorf("egress gateway listen: %w", err)
	}
	go func() {
		_ = g.server.Serve(ln) // returns on Close/Shutdown
	}()
	return nil
}

// Close gracefully shuts down the gateway.
func (g *Gateway) Close(ctx context.Context) error {
	return g.server.Shutdown(ctx)
}
