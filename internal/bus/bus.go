// Package bus specifies the message-bus client contract the Pool Manager
// and Router Registration depend on, plus a minimal in-memory transport.
// The real wire protocol (Jabber/XMPP framing, TCP transport, etc.) is an
// explicit Non-goal; this package exists so the core above it has a
// concrete collaborator to link against and exercise in tests.
package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/opensrf-go/listener/internal/protocol"
)

// Client is the bus-client contract: connect under a named resource, send a
// framed message, and receive the next one addressed to this resource.
type Client interface {
	Connect(ctx context.Context, resourceName string) error
	Send(ctx context.Context, msg *protocol.Message) error
	Recv(ctx context.Context) (*protocol.Message, error)
	Disconnect() error
}

// LoopbackClient is a process-local, channel-backed Client. It satisfies the
// Client contract without any real network transport: Send on one
// LoopbackClient delivers to any other LoopbackClient sharing the same
// Network, keyed by the To address. It is adequate for driving the Pool
// Manager's dispatch loop end to end in tests and for a single-process
// demonstration deployment.
type LoopbackClient struct {
	network  *Network
	resource string
	inbox    chan *protocol.Message
}

// Network is the shared routing table a set of LoopbackClients register
// into.
type Network struct {
	mu      sync.Mutex
	clients map[string]*LoopbackClient
}

// NewNetwork creates an empty loopback bus network.
func NewNetwork() *Network {
	return &Network{clients: make(map[string]*LoopbackClient)}
}

// NewLoopbackClient creates a Client bound to network.
func NewLoopbackClient(network *Network) *LoopbackClient {
	return &LoopbackClient{network: network, inbox: make(chan *protocol.Message, 64)}
}

func (c *LoopbackClient) Connect(ctx context.Context, resourceName string) error {
	c.network.mu.Lock()
	defer c.network.mu.Unlock()
	if _, exists := c.network.clients[resourceName]; exists {
		return fmt.Errorf("bus: resource %q already connected", resourceName)
	}
	c.resource = resourceName
	c.network.clients[resourceName] = c
	return nil
}

func (c *LoopbackClient) Send(ctx context.Context, msg *protocol.Message) error {
	c.network.mu.Lock()
	dest, ok := c.network.clients[msg.To]
	c.network.mu.Unlock()
	if !ok {
		return fmt.Errorf("bus: no such resource %q", msg.To)
	}
	select {
	case dest.inbox <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *LoopbackClient) Recv(ctx context.Context) (*protocol.Message, error) {
	select {
	case msg := <-c.inbox:
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Inbox exposes the client's inbound message channel, primarily so tests
// can assert that no message was delivered.
func (c *LoopbackClient) Inbox() <-chan *protocol.Message {
	return c.inbox
}

func (c *LoopbackClient) Disconnect() error {
	c.network.mu.Lock()
	defer c.network.mu.Unlock()
	delete(c.network.clients, c.resource)
	return nil
}
