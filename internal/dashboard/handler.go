// Package dashboard provides event handling and message formatting for the dashboard.
package dashboard

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/okadri/stocksync/internal/worker"
)

// DrainData describes one completed drain pass.
type DrainData struct {
	Pushed  int `json:"pushed"`
	Failed  int `json:"failed"`
	Pending int `json:"pending"`
	Dead    int `json:"dead"`
}

// PullData describes one completed pull for a collection.
type PullData struct {
	Collection string `json:"collection"`
	Pulled     int    `json:"pulled"`
}

// DeadLetterData describes a queue item that exhausted its attempts.
type DeadLetterData struct {
	ItemID     string `json:"item_id"`
	Collection string `json:"collection"`
	Error      string `json:"error,omitempty"`
}

// QueueData describes the current queue depth.
type QueueData struct {
	Pending int `json:"pending"`
	Dead    int `json:"dead"`
}

// StatsData aggregates sync activity since the handler started.
type StatsData struct {
	TotalPushed       int            `json:"total_pushed"`
	TotalPulled       int            `json:"total_pulled"`
	DeadLettered      int            `json:"dead_lettered"`
	Pending           int            `json:"pending"`
	Dead              int            `json:"dead"`
	PullsByCollection map[string]int `json:"pulls_by_collection"`
}

// Handler bridges worker events to dashboard messages. It implements
// worker.Sink and keeps running statistics across events.
type Handler struct {
	server *Server
	logger *log.Logger

	statsMu sync.Mutex
	stats   StatsData
}

// NewHandler creates a new event handler connected to a dashboard server
func NewHandler(server *Server, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.Default()
	}

	return &Handler{
		server: server,
		logger: logger,
		stats: StatsData{
			PullsByCollection: make(map[string]int),
		},
	}
}

// Publish implements worker.Sink. It must not block: Server.Broadcast
// drops messages when the channel is full rather than stalling the
// worker loops.
func (h *Handler) Publish(e worker.Event) {
	switch e.Type {
	case worker.EventDrainComplete:
		h.onDrainComplete(e)
	case worker.EventPullComplete:
		h.onPullComplete(e)
	case worker.EventDeadLetter:
		h.onDeadLetter(e)
	case worker.EventQueueUpdate:
		h.onQueueUpdate(e)
	}
}

func (h *Handler) onDrainComplete(e worker.Event) {
	h.statsMu.Lock()
	h.stats.TotalPushed += e.Pushed
	h.stats.Pending = e.Pending
	h.stats.Dead = e.Dead
	h.statsMu.Unlock()

	if e.Pushed > 0 || e.Failed > 0 {
		h.logger.Printf("Drain complete: %d pushed, %d failed", e.Pushed, e.Failed)
	}

	h.broadcast(string(worker.EventDrainComplete), DrainData{
		Pushed:  e.Pushed,
		Failed:  e.Failed,
		Pending: e.Pending,
		Dead:    e.Dead,
	})
	h.broadcastStats()
}

func (h *Handler) onPullComplete(e worker.Event) {
	h.statsMu.Lock()
	h.stats.TotalPulled += e.Pulled
	h.stats.PullsByCollection[e.Collection]++
	h.statsMu.Unlock()

	h.broadcast(string(worker.EventPullComplete), PullData{
		Collection: e.Collection,
		Pulled:     e.Pulled,
	})
}

func (h *Handler) onDeadLetter(e worker.Event) {
	h.logger.Printf("Dead letter: %s (%s): %s", e.ItemID, e.Collection, e.Err)

	h.statsMu.Lock()
	h.stats.DeadLettered++
	h.statsMu.Unlock()

	h.broadcast(string(worker.EventDeadLetter), DeadLetterData{
		ItemID:     e.ItemID,
		Collection: e.Collection,
		Error:      e.Err,
	})
	h.broadcastStats()
}

func (h *Handler) onQueueUpdate(e worker.Event) {
	h.statsMu.Lock()
	h.stats.Pending = e.Pending
	h.stats.Dead = e.Dead
	h.statsMu.Unlock()

	h.broadcast(string(worker.EventQueueUpdate), QueueData{
		Pending: e.Pending,
		Dead:    e.Dead,
	})
}

// broadcast marshals data and sends it as a typed dashboard message.
func (h *Handler) broadcast(msgType string, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		h.logger.Printf("Failed to marshal %s data: %v", msgType, err)
		return
	}

	h.server.Broadcast(Message{
		Type:      msgType,
		Timestamp: time.Now(),
		Data:      dataJSON,
	})
}

// broadcastStats sends current statistics to all clients
func (h *Handler) broadcastStats() {
	h.statsMu.Lock()
	stats := h.stats
	pulls := make(map[string]int, len(h.stats.PullsByCollection))
	for k, v := range h.stats.PullsByCollection {
		pulls[k] = v
	}
	stats.PullsByCollection = pulls
	h.statsMu.Unlock()

	h.broadcast("stats", stats)
}

// GetStats returns the current statistics
func (h *Handler) GetStats() StatsData {
	h.statsMu.Lock()
	defer h.statsMu.Unlock()

	stats := h.stats
	pulls := make(map[string]int, len(h.stats.PullsByCollection))
	for k, v := range h.stats.PullsByCollection {
		pulls[k] = v
	}
	stats.PullsByCollection = pulls
	return stats
}
