package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hunglaithe117-alt/build-risk-dashboard-sub005/internal/eventbus"
)

func writeSSE(w http.ResponseWriter, event string, id string, payload any) error {
	if event != "" {
		if _, err := fmt.Fprintf(w, "event: %s\n", event); err != nil {
			return err
		}
	}
	if id != "" {
		if _, err := fmt.Fprintf(w, "id: %s\n", id); err != nil {
			return err
		}
	}
	blob, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", blob); err != nil {
		return err
	}
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}
	return nil
}

// handleStreamVersion streams incremental deltas for one version. The
// snapshot is written first and reflects everything up to the subscribe
// point; reconnecting clients start from a fresh snapshot rather than
// replaying missed deltas.
func (api *pipelineAPI) handleStreamVersion(w http.ResponseWriter, r *http.Request) {
	versionID := strings.TrimSpace(r.PathValue("version_id"))
	if versionID == "" {
		api.writeError(w, r, http.StatusBadRequest, "version_id_required")
		return
	}
	if _, err := api.versions.GetVersion(r.Context(), versionID); err != nil {
		api.writeRepoError(w, r, err)
		return
	}
	api.streamTopic(w, r, eventbus.VersionTopic(versionID), func() (any, error) {
		version, err := api.versions.GetVersion(r.Context(), versionID)
		if err != nil {
			return nil, err
		}
		return toVersionView(version), nil
	})
}

// handleStreamDataset streams scan deltas for one dataset.
func (api *pipelineAPI) handleStreamDataset(w http.ResponseWriter, r *http.Request) {
	datasetID := strings.TrimSpace(r.PathValue("dataset_id"))
	if datasetID == "" {
		api.writeError(w, r, http.StatusBadRequest, "dataset_id_required")
		return
	}
	api.streamTopic(w, r, eventbus.DatasetTopic(datasetID), func() (any, error) {
		return map[string]any{"dataset_id": datasetID}, nil
	})
}

func (api *pipelineAPI) streamTopic(w http.ResponseWriter, r *http.Request, topic string, snapshot func() (any, error)) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		api.writeError(w, r, http.StatusInternalServerError, "streaming_not_supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	_ = writeSSE(w, "ready", "", map[string]any{
		"topic":      topic,
		"server_ts":  time.Now().UTC().Unix(),
		"request_id": r.Header.Get("X-Request-Id"),
	})

	// Subscribe before the snapshot so nothing published in between is
	// lost; a delta older than the snapshot is harmless.
	sub := api.broker.Subscribe(topic)
	defer sub.Close()

	state, err := snapshot()
	if err != nil {
		_ = writeSSE(w, "error", "", map[string]any{"error": "internal_error"})
		return
	}
	_ = writeSSE(w, "snapshot", "", state)

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			_, _ = fmt.Fprintf(w, ": ping\n\n")
			flusher.Flush()
		case event, open := <-sub.C:
			if !open {
				return
			}
			if err := writeSSE(w, event.Type, strconv.FormatInt(event.Seq, 10), event.Payload); err != nil {
				return
			}
		}
	}
}

var socketUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Origin control sits at the gateway; this service is internal.
	CheckOrigin: func(*http.Request) bool { return true },
}

type socketFrame struct {
	Event   string `json:"event"`
	Seq     int64  `json:"seq,omitempty"`
	Payload any    `json:"payload,omitempty"`
}

// handleVersionSocket serves the same per-version feed over a websocket.
func (api *pipelineAPI) handleVersionSocket(w http.ResponseWriter, r *http.Request) {
	versionID := strings.TrimSpace(r.PathValue("version_id"))
	if versionID == "" {
		api.writeError(w, r, http.StatusBadRequest, "version_id_required")
		return
	}
	if _, err := api.versions.GetVersion(r.Context(), versionID); err != nil {
		api.writeRepoError(w, r, err)
		return
	}

	conn, err := socketUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	// Subscribe before the snapshot read so nothing published in between is
	// lost; a delta older than the snapshot is harmless.
	sub := api.broker.Subscribe(eventbus.VersionTopic(versionID))
	defer sub.Close()

	version, err := api.versions.GetVersion(r.Context(), versionID)
	if err != nil {
		return
	}
	if err := conn.WriteJSON(socketFrame{Event: "snapshot", Payload: toVersionView(version)}); err != nil {
		return
	}

	// Reader drains client frames and unblocks the writer on close.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(20 * time.Second)
	defer ping.Stop()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case <-ping.C:
			deadline := time.Now().Add(5 * time.Second)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		case event, open := <-sub.C:
			if !open {
				return
			}
			frame := socketFrame{Event: event.Type, Seq: event.Seq, Payload: event.Payload}
			if err := conn.WriteJSON(frame); err != nil {
				return
			}
		}
	}
}
