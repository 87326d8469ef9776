package httpapi

import (
	"crypto/sha256"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/wizardbeardstudio/open-audit-ledger/internal/platform/clock"
	"github.com/wizardbeardstudio/open-audit-ledger/internal/platform/logging"
	"github.com/wizardbeardstudio/open-audit-ledger/internal/platform/observability"
)

const (
	maxGuardActivities = 1024
	IngestTokenHeader  = "X-Ingest-Token"
)

type AccessActivity struct {
	Timestamp  time.Time `json:"timestamp"`
	SourceIP   string    `json:"sourceIp"`
	SourcePort string    `json:"sourcePort,omitempty"`
	Path       string    `json:"path"`
	Method     string    `json:"method"`
	Allowed    bool      `json:"allowed"`
	Reason     string    `json:"reason,omitempty"`
}

// IngestGuard admits internal ingest calls only from trusted networks.
// X-Forwarded-For is honoured only when the direct peer is itself trusted.
type IngestGuard struct {
	clock   clock.Clock
	metrics *observability.Metrics
	logger  *slog.Logger
	trusted []*net.IPNet

	tokenHash []byte

	mu       sync.Mutex
	logs     []AccessActivity
	accepted map[[sha256.Size]byte]struct{}
}

func NewIngestGuard(cidrs []string, clk clock.Clock, metrics *observability.Metrics, logger *slog.Logger) (*IngestGuard, error) {
	trusted := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		_, ipnet, err := net.ParseCIDR(c)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted cidr %q: %w", c, err)
		}
		trusted = append(trusted, ipnet)
	}
	if len(trusted) == 0 {
		for _, c := range []string{"127.0.0.1/32", "::1/128"} {
			_, ipnet, _ := net.ParseCIDR(c)
			trusted = append(trusted, ipnet)
		}
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &IngestGuard{
		clock:   clk,
		metrics: metrics,
		logger:  logging.OrDiscard(logger).With("component", "ingest_guard"),
		trusted: trusted,
	}, nil
}

// RequireToken makes every ingest call present a token matching the bcrypt
// hash. Tokens that matched once are remembered by digest.
func (g *IngestGuard) RequireToken(hash string) error {
	hash = strings.TrimSpace(hash)
	if hash == "" {
		return nil
	}
	if _, err := bcrypt.Cost([]byte(hash)); err != nil {
		return fmt.Errorf("invalid ingest token hash: %w", err)
	}
	g.mu.Lock()
	g.tokenHash = []byte(hash)
	g.accepted = map[[sha256.Size]byte]struct{}{}
	g.mu.Unlock()
	return nil
}

func (g *IngestGuard) tokenOK(r *http.Request) bool {
	g.mu.Lock()
	hash := g.tokenHash
	g.mu.Unlock()
	if hash == nil {
		return true
	}
	token := strings.TrimSpace(r.Header.Get(IngestTokenHeader))
	if token == "" {
		return false
	}
	digest := sha256.Sum256([]byte(token))
	g.mu.Lock()
	_, seen := g.accepted[digest]
	g.mu.Unlock()
	if seen {
		return true
	}
	if bcrypt.CompareHashAndPassword(hash, []byte(token)) != nil {
		return false
	}
	g.mu.Lock()
	g.accepted[digest] = struct{}{}
	g.mu.Unlock()
	return true
}

func (g *IngestGuard) sourceIP(r *http.Request) (string, string) {
	host, port, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err != nil {
		host, port = strings.TrimSpace(r.RemoteAddr), ""
	}
	if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" && g.isTrusted(host) {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first), ""
	}
	return host, port
}

func (g *IngestGuard) isTrusted(ipStr string) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, n := range g.trusted {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func (g *IngestGuard) record(r *http.Request, ip, port string, allowed bool, reason string) {
	entry := AccessActivity{
		Timestamp:  g.clock.Now().UTC(),
		SourceIP:   ip,
		SourcePort: port,
		Path:       r.URL.Path,
		Method:     r.Method,
		Allowed:    allowed,
		Reason:     reason,
	}
	g.mu.Lock()
	g.logs = append(g.logs, entry)
	if len(g.logs) > maxGuardActivities {
		g.logs = g.logs[len(g.logs)-maxGuardActivities:]
	}
	g.mu.Unlock()
	outcome := "allowed"
	if !allowed {
		outcome = "denied"
		g.logger.Warn("ingest access denied", "source_ip", ip, "path", r.URL.Path, "reason", reason)
	}
	g.metrics.ObserveRemoteAccess(outcome)
}

// Activities returns the retained access log, oldest first.
func (g *IngestGuard) Activities() []AccessActivity {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]AccessActivity, len(g.logs))
	copy(out, g.logs)
	return out
}

func (g *IngestGuard) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip, port := g.sourceIP(r)
		if !g.isTrusted(ip) {
			g.record(r, ip, port, false, "source ip outside trusted network")
			denyRemote(w)
			return
		}
		if !g.tokenOK(r) {
			g.record(r, ip, port, false, "ingest token rejected")
			denyRemote(w)
			return
		}
		g.record(r, ip, port, true, "")
		next.ServeHTTP(w, r)
	})
}

func denyRemote(w http.ResponseWriter) {
	writeJSON(w, http.StatusForbidden, map[string]any{
		"error": map[string]string{"code": "REMOTE_ACCESS_DENIED", "message": "remote access denied"},
	})
}
