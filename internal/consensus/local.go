package consensus

import (
	"fmt"
	"sync"
)

// LocalNetwork is an in-process transport connecting replicas through
// per-node mailboxes. Each node drains its mailbox on a dedicated
// goroutine, so delivery never re-enters a sender under its own lock.
// Used for single-process clusters and tests; cross-process deployments
// use the NATS transport in internal/natsbus.
type LocalNetwork struct {
	mu    sync.RWMutex
	boxes map[string]chan Message
	wg    sync.WaitGroup
}

const mailboxSize = 256

func NewLocalNetwork() *LocalNetwork {
	return &LocalNetwork{
		boxes: make(map[string]chan Message),
	}
}

// Register allocates a mailbox for a node and returns the transport
// handle to construct it with. Attach starts delivery once the node
// exists.
func (ln *LocalNetwork) Register(nodeID string) Transport {
	box := make(chan Message, mailboxSize)

	ln.mu.Lock()
	ln.boxes[nodeID] = box
	ln.mu.Unlock()

	return &localTransport{network: ln, self: nodeID}
}

// Attach starts draining the node's mailbox into HandleMessage.
func (ln *LocalNetwork) Attach(n *Node) {
	ln.mu.RLock()
	box := ln.boxes[n.ID()]
	ln.mu.RUnlock()
	if box == nil {
		return
	}

	ln.wg.Add(1)
	go func() {
		defer ln.wg.Done()
		for msg := range box {
			_ = n.HandleMessage(msg)
		}
	}()
}

// Close shuts down all mailboxes and waits for drains to finish.
func (ln *LocalNetwork) Close() {
	ln.mu.Lock()
	for id, box := range ln.boxes {
		close(box)
		delete(ln.boxes, id)
	}
	ln.mu.Unlock()
	ln.wg.Wait()
}

func (ln *LocalNetwork) deliver(nodeID string, msg Message) error {
	ln.mu.RLock()
	box, ok := ln.boxes[nodeID]
	ln.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown node %s", nodeID)
	}
	select {
	case box <- msg:
		return nil
	default:
		return fmt.Errorf("mailbox full for node %s", nodeID)
	}
}

type localTransport struct {
	network *LocalNetwork
	self    string
}

func (t *localTransport) Send(nodeID string, msg Message) error {
	return t.network.deliver(nodeID, msg)
}

func (t *localTransport) Broadcast(msg Message) error {
	t.network.mu.RLock()
	ids := make([]string, 0, len(t.network.boxes))
	for id := range t.network.boxes {
		if id != t.self {
			ids = append(ids, id)
		}
	}
	t.network.mu.RUnlock()

	for _, id := range ids {
		if err := t.network.deliver(id, msg); err != nil {
			return err
		}
	}
	return nil
}
