package node

import (
	"encoding/json"
	"net/http"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrmember/pkg/gossip"
)

type memberJSON struct {
	Address   string `json:"address"`
	ID        uint32 `json:"id"`
	Port      uint16 `json:"port"`
	Heartbeat int64  `json:"heartbeat"`
	Timestamp int64  `json:"timestamp"`
}

type infoJSON struct {
	Address   string    `json:"address"`
	State     string    `json:"state"`
	Heartbeat int64     `json:"heartbeat"`
	Tick      int64     `json:"tick"`
	Members   int       `json:"members"`
	RunID     string    `json:"run_id"`
	PID       int       `json:"pid"`
	Now       time.Time `json:"now"`
	Uptime    float64   `json:"uptime_seconds"`
}

type ownerJSON struct {
	Key      string   `json:"key"`
	Owner    string   `json:"owner"`
	Self     bool     `json:"self"`
	Replicas []string `json:"replicas"`
}

// Healthz returns 200 once the member is in the group and 503 otherwise.
func (n *Node) Healthz(w http.ResponseWriter, _ *http.Request) {
	v := n.view.View()
	if v.State != gossip.StateInGroup {
		http.Error(w, v.State.String(), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// Info writes this member's own state.
func (n *Node) Info(w http.ResponseWriter, _ *http.Request) {
	v := n.view.View()
	n.writeJSON(w, infoJSON{
		Address:   v.Self.String(),
		State:     v.State.String(),
		Heartbeat: v.Heartbeat,
		Tick:      v.Tick,
		Members:   len(v.Members),
		RunID:     n.runID.String(),
		PID:       os.Getpid(),
		Now:       time.Now(),
		Uptime:    time.Since(n.started).Seconds(),
	})
}

// Members writes the local membership table in insertion order.
func (n *Node) Members(w http.ResponseWriter, _ *http.Request) {
	v := n.view.View()
	out := make([]memberJSON, 0, len(v.Members))
	for _, m := range v.Members {
		out = append(out, memberJSON{
			Address:   m.Addr().String(),
			ID:        uint32(m.ID),
			Port:      m.Port,
			Heartbeat: m.Heartbeat,
			Timestamp: m.Timestamp,
		})
	}
	n.writeJSON(w, out)
}

// Owner reports which member owns ?key= in the current view. ?n= asks for
// that many replicas instead of the configured replication factor.
func (n *Node) Owner(w http.ResponseWriter, req *http.Request) {
	key := req.URL.Query().Get("key")
	if key == "" {
		http.Error(w, "missing key", http.StatusBadRequest)
		return
	}
	rf := n.rf
	if s := req.URL.Query().Get("n"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v < 1 {
			http.Error(w, "invalid n", http.StatusBadRequest)
			return
		}
		rf = v
	}
	owner, self, ok := n.OwnerForKey(key)
	if !ok {
		http.Error(w, "no owner for key", http.StatusServiceUnavailable)
		return
	}
	resp := ownerJSON{Key: key, Owner: owner.String(), Self: self}
	for _, r := range n.ring.LookupN([]byte(key), rf) {
		resp.Replicas = append(resp.Replicas, r.String())
	}
	n.writeJSON(w, resp)
}

func (n *Node) writeJSON(w http.ResponseWriter, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		n.log.Error("encode response", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}
