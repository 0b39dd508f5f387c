package runtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-caption/internal/control"
	"github.com/loqalabs/loqa-caption/internal/coordinator"
)

const maxUploadBytes = 256 << 20

type wsMessage struct {
	Type     string                `json:"type"`
	Snapshot *coordinator.Snapshot `json:"snapshot,omitempty"`
	Reply    *control.Reply        `json:"reply,omitempty"`
}

func (r *Runtime) routes(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)

	mux.HandleFunc("GET /api/state", r.command(control.ActionState))
	mux.HandleFunc("POST /api/toggle", r.command(control.ActionToggle))
	mux.HandleFunc("POST /api/reset", r.command(control.ActionReset))
	mux.HandleFunc("POST /api/load", r.command(control.ActionLoad))
	mux.HandleFunc("POST /api/device", r.command(control.ActionSelectDevice))
	mux.HandleFunc("GET /api/devices", r.command(control.ActionListDevices))
	mux.HandleFunc("POST /api/file", r.handleFile)
	mux.HandleFunc("POST /api/export", r.command(control.ActionExport))
	mux.HandleFunc("GET /api/items", r.command(control.ActionListItems))
	mux.HandleFunc("POST /api/items", r.command(control.ActionAddItem))
	mux.HandleFunc("DELETE /api/items/{id}", r.handleDeleteItem)
	mux.HandleFunc("GET /api/sessions/{id}/events", r.handleSessionEvents)
	mux.HandleFunc("GET /ws", r.handleWS)

	if r.metricsHandler != nil {
		mux.Handle("/metrics", r.metricsHandler)
	}
}

// command decodes an optional JSON body into a Command for action. Query
// parameters fill fields the body leaves empty.
func (r *Runtime) command(action string) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		var cmd control.Command
		if req.Body != nil && req.ContentLength != 0 {
			if err := json.NewDecoder(io.LimitReader(req.Body, 1<<20)).Decode(&cmd); err != nil && !errors.Is(err, io.EOF) {
				writeJSON(w, http.StatusBadRequest, control.Reply{Error: fmt.Sprintf("decode request: %v", err)})
				return
			}
		}
		q := req.URL.Query()
		fillFromQuery(&cmd.Mode, q.Get("mode"))
		fillFromQuery(&cmd.DeviceID, q.Get("device_id"))
		fillFromQuery(&cmd.Path, q.Get("path"))
		fillFromQuery(&cmd.Format, q.Get("format"))
		fillFromQuery(&cmd.Title, q.Get("title"))
		cmd.Action = action
		r.reply(w, r.dispatcher.Dispatch(req.Context(), cmd))
	}
}

func fillFromQuery(target *string, value string) {
	if *target == "" {
		*target = value
	}
}

// handleFile accepts either {"path": ...} for a file already on disk or a raw
// audio upload whose extension comes from ?ext= or the filename parameter.
func (r *Runtime) handleFile(w http.ResponseWriter, req *http.Request) {
	if strings.HasPrefix(req.Header.Get("Content-Type"), "application/json") {
		r.command(control.ActionSelectFile)(w, req)
		return
	}

	data, err := io.ReadAll(http.MaxBytesReader(w, req.Body, maxUploadBytes))
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, control.Reply{Error: fmt.Sprintf("read upload: %v", err)})
		return
	}
	ext := req.URL.Query().Get("ext")
	if ext == "" {
		ext = filepath.Ext(req.URL.Query().Get("filename"))
	}
	path, err := r.coord.ImportFile(data, ext)
	if err != nil {
		writeJSON(w, control.StatusCode(err), control.Reply{Error: err.Error(), Path: path})
		return
	}
	snap := r.coord.Snapshot()
	writeJSON(w, http.StatusAccepted, control.Reply{OK: true, Path: path, Snapshot: &snap})
}

func (r *Runtime) handleDeleteItem(w http.ResponseWriter, req *http.Request) {
	cmd := control.Command{Action: control.ActionDeleteItem, ItemID: req.PathValue("id")}
	r.reply(w, r.dispatcher.Dispatch(req.Context(), cmd))
}

// handleSessionEvents returns the transcript timeline of one recording.
func (r *Runtime) handleSessionEvents(w http.ResponseWriter, req *http.Request) {
	cmd := control.Command{Action: control.ActionSessionEvents, SessionID: req.PathValue("id")}
	if raw := req.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeJSON(w, http.StatusBadRequest, control.Reply{Error: fmt.Sprintf("invalid limit %q", raw)})
			return
		}
		cmd.Limit = limit
	}
	r.reply(w, r.dispatcher.Dispatch(req.Context(), cmd))
}

func (r *Runtime) reply(w http.ResponseWriter, reply control.Reply) {
	status := http.StatusOK
	if !reply.OK {
		status = control.StatusCode(reply.Err())
	}
	writeJSON(w, status, reply)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// handleWS streams snapshots to the client and runs the commands it sends.
// While recording, snapshots are also pushed on a short interval so the
// buffered-seconds display keeps moving.
func (r *Runtime) handleWS(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("websocket upgrade failed", slogError(err))
		return
	}
	defer conn.Close()

	ctx := req.Context()
	updates := make(chan struct{}, 1)
	unsubscribe := r.coord.Subscribe(func(coordinator.Snapshot) {
		select {
		case updates <- struct{}{}:
		default:
		}
	})
	defer unsubscribe()

	replies := make(chan control.Reply, 8)
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for {
			var cmd control.Command
			if err := conn.ReadJSON(&cmd); err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					r.logger.Debug("websocket read ended", slogError(err))
				}
				return
			}
			reply := r.dispatcher.Dispatch(ctx, cmd)
			select {
			case replies <- reply:
			case <-ctx.Done():
				return
			}
		}
	}()

	send := func(msg wsMessage) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(msg); err != nil {
			r.logger.Debug("websocket write failed", slogError(err))
			return false
		}
		return true
	}
	sendState := func() bool {
		snap := r.coord.Snapshot()
		return send(wsMessage{Type: "state", Snapshot: &snap})
	}

	if !sendState() {
		return
	}
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-readerDone:
			return
		case reply := <-replies:
			if !send(wsMessage{Type: "reply", Reply: &reply}) {
				return
			}
		case <-updates:
			if !sendState() {
				return
			}
		case <-ticker.C:
			if r.coord.Snapshot().Recording && !sendState() {
				return
			}
		}
	}
}
