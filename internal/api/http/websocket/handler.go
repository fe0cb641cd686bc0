package websocket

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	apimodel "netsim/internal/api/http/utils"
	"netsim/internal/core/netsim"
	"netsim/internal/process"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

func NewRequestHandler(sim *netsim.Netsim) *Handler {
	return &Handler{
		Source:   SimSource{Sim: sim},
		Upgrader: websocket.Upgrader{},
	}
}

// LogSource finds the output log of a machine's main process.
type LogSource interface {
	MachineLog(ref string) (*process.LogBuffer, error)
}

type SimSource struct {
	Sim *netsim.Netsim
}

func (s SimSource) MachineLog(ref string) (*process.LogBuffer, error) {
	id, err := apimodel.MachineID(s.Sim, ref)
	if err != nil {
		return nil, err
	}
	m, err := s.Sim.Machine(id)
	if err != nil {
		return nil, err
	}
	return m.Process().Log(), nil
}

type Handler struct {
	Source   LogSource
	Upgrader websocket.Upgrader
}

// ServeHTTP handles GET /v1/machines/{machineId}/output. The machine's
// stdout and stderr are sent as binary messages from ?offset= (default 0)
// until the process exits or the client goes away.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "machineId")
	if ref == "" {
		apimodel.RespondFail(w, http.StatusBadRequest, "missing machineId", nil)
		return
	}
	offset := 0
	if v := r.URL.Query().Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			apimodel.RespondFail(w, http.StatusBadRequest, "invalid offset", nil)
			return
		}
		offset = n
	}
	logBuf, err := h.Source.MachineLog(ref)
	if err != nil {
		apimodel.RespondError(w, "lookup machine failed", err)
		return
	}

	up := h.Upgrader
	if up.CheckOrigin == nil {
		up.CheckOrigin = func(r *http.Request) bool { return true }
	}
	ws, err := up.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer ws.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// the client sends nothing; reading surfaces its close
	go func() {
		defer cancel()
		for {
			if _, _, err := ws.NextReader(); err != nil {
				return
			}
		}
	}()

	wsw := newWSBinaryStreamWriter(ws)
	reason := "process exited"
	for {
		chunk, next, err := logBuf.Next(ctx, offset)
		if len(chunk) > 0 {
			if _, werr := wsw.Write(chunk); werr != nil {
				return
			}
		}
		offset = next
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			reason = "stream closed"
			break
		}
	}

	_ = ws.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason),
		time.Now().Add(time.Second),
	)
}

// wsBinaryStreamWriter writes stream bytes as binary WS messages.
type wsBinaryStreamWriter struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func newWSBinaryStreamWriter(ws *websocket.Conn) *wsBinaryStreamWriter {
	return &wsBinaryStreamWriter{ws: ws}
}

func (w *wsBinaryStreamWriter) Write(p []byte) (int, error) {
	const chunk = 32 * 1024
	total := 0

	w.mu.Lock()
	defer w.mu.Unlock()

	for len(p) > 0 {
		n := min(len(p), chunk)
		wr, err := w.ws.NextWriter(websocket.BinaryMessage)
		if err != nil {
			return total, err
		}
		if _, err := wr.Write(p[:n]); err != nil {
			_ = wr.Close()
			return total, err
		}
		if err := wr.Close(); err != nil {
			return total, err
		}
		total += n
		p = p[n:]
	}
	return total, nil
}
