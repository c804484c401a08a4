package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Tokens authenticate the connection; origin checks add nothing.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	wsPollInterval = 1 * time.Second
	wsWriteWait    = 10 * time.Second
)

// handleJobEventsWS streams a job's event log over a websocket: the
// backlog from minseq first, then new events as they land, closing
// once the job completes and the log is drained.
func (c *Central) handleJobEventsWS(w http.ResponseWriter, r *http.Request) {
	u, err := c.userAuth(r)
	if err != nil {
		respondError(w, c.log, err)
		return
	}
	j, err := c.jobForUser(u, r.PathValue("job"))
	if err != nil {
		respondError(w, c.log, err)
		return
	}
	minseq := 0
	if s := r.URL.Query().Get("minseq"); s != "" {
		if minseq, err = strconv.Atoi(s); err != nil || minseq < 0 {
			respondError(w, c.log, errBad("invalid minseq"))
			return
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		c.log.Warn("websocket upgrade failed", "job", j.ID, "error", err)
		return
	}
	defer conn.Close()

	// Discard client frames but notice the close.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPollInterval)
	defer ticker.Stop()

	for {
		j, err := c.store.JobGet(j.ID)
		if err != nil {
			return
		}
		events, err := c.jobEvents(r.Context(), j, minseq)
		if err != nil {
			return
		}
		for _, e := range events {
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(eventView{
				Seq:        e.Seq,
				Task:       e.Task,
				Stream:     e.Stream,
				Time:       e.Time,
				TimeRemote: e.TimeRemote,
				Payload:    e.Payload,
			}); err != nil {
				return
			}
			minseq = e.Seq + 1
		}

		if j.Complete && len(events) == 0 {
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(
					websocket.CloseNormalClosure, "job complete"))
			return
		}

		select {
		case <-gone:
			return
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}
