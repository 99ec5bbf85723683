package main

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"

	"github.com/austindbirch/hookdispatch/internal/config"
	"github.com/austindbirch/hookdispatch/internal/logging"
	"github.com/austindbirch/hookdispatch/internal/signature"
)

// receiver is a webhook endpoint for local end-to-end runs. It checks the
// dispatcher's signature and can fail its first N requests to exercise
// requeueing.
type receiver struct {
	cfg      config.FakeReceiver
	reqCount atomic.Int64
	logger   *logging.Logger
}

func main() {
	cfg := config.FromEnv().FakeReceiver
	logger := logging.New("hookdispatch-fake-receiver")

	r := &receiver{cfg: cfg, logger: logger}
	srv := &http.Server{
		Addr:         cfg.Port,
		Handler:      r.routes(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	logger.Plain().WithFields(map[string]any{
		"addr":         cfg.Port,
		"fail_first_n": cfg.FailFirstN,
		"verify":       cfg.SigningSecret != "",
	}).Info("fake-receiver listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Plain().WithError(err).Fatal("fake-receiver failed")
	}
}

func (rc *receiver) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`{"ok":true}`)) })
	mux.HandleFunc("/hook", rc.handleHook)
	return mux
}

func (rc *receiver) handleHook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	n := rc.reqCount.Add(1)
	b, _ := io.ReadAll(r.Body)
	defer r.Body.Close()

	log := rc.logger.Plain().WithFields(map[string]any{
		"path":    r.URL.Path,
		"request": n,
		"headers": len(r.Header),
		"body":    truncate(string(b), 160),
	})

	if rc.cfg.SigningSecret != "" {
		if !signature.Verify(rc.cfg.SigningSecret, b, r.Header.Get(rc.cfg.SignatureHeader)) {
			log.Warn("signature verification failed")
			http.Error(w, "invalid signature", http.StatusUnauthorized)
			return
		}
	}

	// Simulate flakiness: first N requests -> 500
	if n <= int64(rc.cfg.FailFirstN) {
		log.WithField("fail_first_n", rc.cfg.FailFirstN).Info("failing request")
		http.Error(w, "temporary failure", http.StatusInternalServerError)
		return
	}

	log.Info("webhook received")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`ok`))
}

// truncate truncates a string to the specified length and adds an ellipsis if truncated
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s...", s[:n])
}
