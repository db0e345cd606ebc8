// Package debug serves the optional pprof endpoint for live profiling of a
// running dispatch daemon.
package debug

import (
	"context"
	"errors"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"sync"
	"time"

	logx "tgblast/pkg/logx"
)

// Config controls the pprof HTTP listener. Bind to loopback unless a token
// is set; profiling endpoints expose heap contents.
type Config struct {
	Enabled bool
	Addr    string
	Token   string
}

type Pprof struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger

	ln  net.Listener
	srv *http.Server
}

func NewPprof(cfg Config, log logx.Logger) *Pprof {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Pprof{cfg: cfg, log: log}
}

// Reconfigure applies cfg, starting or stopping the listener as needed. Safe
// to call from the hot-reload path.
func (p *Pprof) Reconfigure(ctx context.Context, cfg Config) {
	p.mu.Lock()
	prev := p.cfg
	running := p.srv != nil
	p.cfg = cfg
	p.mu.Unlock()

	switch {
	case !cfg.Enabled && running:
		p.Stop(ctx)
	case cfg.Enabled && !running:
		p.Start()
	case cfg.Enabled && running && (prev.Addr != cfg.Addr || prev.Token != cfg.Token):
		p.Stop(ctx)
		p.Start()
	}
}

func (p *Pprof) Start() {
	p.mu.Lock()
	cfg := p.cfg
	already := p.srv != nil
	p.mu.Unlock()
	if already || !cfg.Enabled {
		return
	}

	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		addr = "127.0.0.1:6060"
	}
	if cfg.Token == "" && !isLoopback(addr) {
		p.log.Error("pprof refused to start: non-loopback addr requires a token", logx.String("addr", addr))
		return
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		p.log.Error("pprof listen failed", logx.String("addr", addr), logx.Err(err))
		return
	}

	mux := http.NewServeMux()
	wrap := func(h http.HandlerFunc) http.HandlerFunc { return withToken(cfg.Token, h) }
	mux.HandleFunc("/debug/pprof/", wrap(hpprof.Index))
	mux.HandleFunc("/debug/pprof/cmdline", wrap(hpprof.Cmdline))
	mux.HandleFunc("/debug/pprof/profile", wrap(hpprof.Profile))
	mux.HandleFunc("/debug/pprof/symbol", wrap(hpprof.Symbol))
	mux.HandleFunc("/debug/pprof/trace", wrap(hpprof.Trace))

	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	p.mu.Lock()
	p.ln = ln
	p.srv = srv
	p.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			p.log.Error("pprof server stopped with error", logx.Err(err))
		}
	}()
	p.log.Info("pprof started", logx.String("addr", ln.Addr().String()))
}

func (p *Pprof) Stop(ctx context.Context) {
	p.mu.Lock()
	srv := p.srv
	ln := p.ln
	p.srv = nil
	p.ln = nil
	p.mu.Unlock()
	if srv == nil {
		return
	}
	if ln != nil {
		_ = ln.Close()
	}
	_ = srv.Shutdown(ctx)
	p.log.Info("pprof stopped")
}

func withToken(token string, h http.HandlerFunc) http.HandlerFunc {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("token") == tok {
			h(w, r)
			return
		}
		const bearer = "Bearer "
		if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, bearer) &&
			strings.TrimSpace(strings.TrimPrefix(ah, bearer)) == tok {
			h(w, r)
			return
		}
		w.Header().Set("WWW-Authenticate", "Bearer")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}
}

func isLoopback(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil || h == "" {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
