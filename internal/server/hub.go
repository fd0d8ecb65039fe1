package server

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrHubClosed is returned when a client arrives after shutdown started.
var ErrHubClosed = errors.New("hub is shutting down")

// Hub tracks the live clients of this instance so they can be closed and
// awaited on shutdown. Room membership lives in the session registry.
type Hub struct {
	mu      sync.Mutex
	clients map[string]*Client
	closing bool
	wg      sync.WaitGroup
	log     zerolog.Logger
}

// NewHub creates an empty hub.
func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[string]*Client),
		log:     log,
	}
}

// serve runs client until both pumps finish. It blocks.
func (h *Hub) serve(client *Client) error {
	h.mu.Lock()
	if h.closing {
		h.mu.Unlock()
		client.teardown()
		client.closeSocket()
		return ErrHubClosed
	}
	h.clients[client.id] = client
	count := len(h.clients)
	h.wg.Add(1)
	h.mu.Unlock()

	client.log.Info().Int("clients", count).Msg("Client registered")

	defer func() {
		h.mu.Lock()
		delete(h.clients, client.id)
		count := len(h.clients)
		h.mu.Unlock()
		client.log.Info().Int("clients", count).Msg("Client unregistered")
		h.wg.Done()
	}()

	client.run()
	return nil
}

// Len returns the number of live clients.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Shutdown closes every client socket and waits for their pumps to finish
// or for timeout to pass.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.mu.Lock()
	h.closing = true
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	h.log.Info().Int("clients", len(clients)).Msg("Shutting down all client connections")
	for _, c := range clients {
		c.teardown()
		c.closeSocket()
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.log.Info().Msg("Hub shutdown completed successfully")
		return nil
	case <-time.After(timeout):
		h.log.Warn().Msg("Hub shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}
