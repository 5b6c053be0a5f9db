package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/careerkit/tokens/internal/domain"
)

// ─── Live Balance Feed ──────────────────────────────────────────────────────

// NoticeHub fans ledger notices out to the live connections of each account.
type NoticeHub struct {
	mu      sync.Mutex
	clients map[chan []byte]string // channel -> account id
}

// NewNoticeHub creates a new notice hub.
func NewNoticeHub() *NoticeHub {
	return &NoticeHub{
		clients: make(map[chan []byte]string),
	}
}

// Broadcast sends a notice to every client of its account. Slow clients
// miss notices rather than block the ledger.
func (h *NoticeHub) Broadcast(n domain.Notice) {
	data, err := json.Marshal(n)
	if err != nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch, acct := range h.clients {
		if acct != n.AccountID {
			continue
		}
		select {
		case ch <- data:
		default:
		}
	}
}

// Subscribe registers a client for one account. Returns the channel and an
// unsubscribe func.
func (h *NoticeHub) Subscribe(accountID string) (chan []byte, func()) {
	ch := make(chan []byte, 32)
	h.mu.Lock()
	h.clients[ch] = accountID
	h.mu.Unlock()
	return ch, func() {
		h.mu.Lock()
		delete(h.clients, ch)
		h.mu.Unlock()
		close(ch)
	}
}

// ClientCount returns the number of connected clients.
func (h *NoticeHub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func writeEvent(w http.ResponseWriter, event string, data []byte) {
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
}

// handleLive streams the account's balance (and notices, if a hub is set)
// via Server-Sent Events. The first event is the current balance; the last
// event sent is always the latest one.
// GET /api/tokens/live
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	id := accountFrom(r)

	// Latest value wins; the subscription goroutine is the only sender.
	balances := make(chan int64, 1)
	unsub := s.ledger.Subscribe(id, func(b int64) {
		select {
		case balances <- b:
		default:
			select {
			case <-balances:
			default:
			}
			balances <- b
		}
	})
	defer unsub()

	// Read after subscribing so a change committed in between is not lost.
	current, err := s.ledger.Balance(r.Context(), id)
	if err != nil {
		writeLedgerError(w, err)
		return
	}

	var notices chan []byte
	if s.hub != nil {
		ch, unsubNotices := s.hub.Subscribe(id)
		defer unsubNotices()
		notices = ch
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	send := func(b int64) {
		data, _ := json.Marshal(balanceResponse{AccountID: id, Balance: b})
		writeEvent(w, "balance", data)
		flusher.Flush()
	}
	send(current)

	for {
		select {
		case <-r.Context().Done():
			return
		case b := <-balances:
			send(b)
		case data := <-notices:
			writeEvent(w, "notice", data)
			flusher.Flush()
		}
	}
}
