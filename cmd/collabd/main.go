// Command collabd runs the collaborative-document server: a signaling relay
// for WebRTC handshakes, a WebSocket data-plane endpoint per document, and a
// Prometheus metrics endpoint.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/harborgrid-justin/collabcore/internal/config"
	"github.com/harborgrid-justin/collabcore/internal/hub"
	"github.com/harborgrid-justin/collabcore/internal/signaling"
	"github.com/harborgrid-justin/collabcore/internal/telemetry"
	"github.com/harborgrid-justin/collabcore/internal/transport"
	"github.com/harborgrid-justin/collabcore/pkg/wire"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger, err := telemetry.NewLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	registry := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(registry)

	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	h := hub.New(cfg.Document.NodeID, cfg.Document, cfg.Sync, logger, metrics)
	sigHub := signaling.NewHub(logger)

	mux := http.NewServeMux()
	mux.Handle("/signal", sigHub)
	mux.HandleFunc("/ws", dataPlaneHandler(h, logger, metrics))
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	addr := ":8088"
	if v := os.Getenv("COLLABD_ADDR"); v != "" {
		addr = v
	}

	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		logger.Sugar().Infof("collabd listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("collabd: server exited")
		}
	}()

	waitForShutdown(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logger.WithError(err).Warn("collabd: graceful shutdown failed")
		}
	})

	logger.Info("collabd terminated")
}

// dataPlaneHandler upgrades /ws?document=<id>&peer=<id> into a connection
// that joins the named document's Hub. The connection's own config always
// has Reconnect disabled: a dropped accept-side socket is the client's job
// to re-dial, not this manager's.
func dataPlaneHandler(h *hub.Hub, logger *telemetry.Logger, metrics *telemetry.Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		docID := r.URL.Query().Get("document")
		peerID := r.URL.Query().Get("peer")
		if docID == "" || peerID == "" {
			http.Error(w, "document and peer query parameters are required", http.StatusBadRequest)
			return
		}

		conn, err := transport.UpgradeHTTP(w, r)
		if err != nil {
			logger.WithError(err).Warn("collabd: websocket upgrade failed")
			return
		}

		doc := h.GetOrCreate(docID)
		connCfg := config.Connection{Reconnect: false, Timeout: 10 * time.Second}
		cm := transport.NewConnectionManager(connCfg, transport.NewAcceptedSocketDialer(conn), logger, metrics)

		cm.OnMessage(func(msg wire.Message) {
			var err error
			switch msg.Type {
			case wire.OpSync:
				err = doc.HandleSync(peerID, msg)
			case wire.OpAck:
				err = doc.HandleAck(msg)
			}
			if err != nil {
				logger.WithError(err).Warn("collabd: failed to process frame")
			}
		})
		cm.OnStateChange(func(s transport.State) {
			if s == transport.Disconnected || s == transport.Failed {
				doc.Leave(peerID)
			}
		})

		// The WebSocket connection outlives this handler (the upgrade
		// hijacks the underlying TCP conn), so the manager is driven by
		// context.Background() rather than the request's own context,
		// which is canceled the moment ServeHTTP returns.
		if err := cm.Connect(context.Background()); err != nil {
			logger.WithError(err).Warn("collabd: connect failed")
			return
		}
		if err := doc.Join(peerID, cm); err != nil {
			logger.WithError(err).Warn("collabd: join failed")
		}
	}
}

func waitForShutdown(cleanup func()) {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	cleanup()
}
