package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/wizardbeardstudio/open-audit-ledger/internal/platform/clock"
)

type SystemStatus struct {
	ServiceName string    `json:"serviceName"`
	Version     string    `json:"version"`
	Uptime      string    `json:"uptime"`
	ServerTime  time.Time `json:"serverTime"`
}

// System answers the unauthenticated status probe.
type System struct {
	StartedAt time.Time
	Clock     clock.Clock
	Version   string
}

func (s System) Status() SystemStatus {
	clk := s.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}
	now := clk.Now().UTC()
	return SystemStatus{
		ServiceName: "open-audit-ledger",
		Version:     s.Version,
		Uptime:      now.Sub(s.StartedAt).Truncate(time.Second).String(),
		ServerTime:  now,
	}
}

func (s System) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.Status())
}
