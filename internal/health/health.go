package health

import (
	"context"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
)

// Pinger is satisfied by *pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// BrokerState reports whether a broker session is currently open.
type BrokerState interface {
	Connected() bool
}

type Status struct {
	OK       bool   `json:"ok"`
	Message  string `json:"message,omitempty"`
	Broker   bool   `json:"broker"`
	Database *bool  `json:"database,omitempty"`
}

// HTTPHandler reports broker connectivity and, when db is non-nil, the
// result of a database ping. Either failing yields 503.
func HTTPHandler(broker BrokerState, db Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := Status{OK: true, Message: "ok", Broker: true}

		if broker != nil && !broker.Connected() {
			st.OK = false
			st.Broker = false
			st.Message = "broker disconnected"
		}

		if db != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 1*time.Second)
			defer cancel()
			up := db.Ping(ctx) == nil
			st.Database = &up
			if !up {
				st.OK = false
				st.Message = "db ping failed"
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if !st.OK {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = sonic.ConfigStd.NewEncoder(w).Encode(st)
	}
}
