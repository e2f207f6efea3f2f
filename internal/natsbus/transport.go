package natsbus

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/akyriacou/synod/internal/consensus"
	"github.com/nats-io/nats.go"
)

// ConsensusTransport carries replica-to-replica protocol messages over the
// bus. Each node listens on its own subject plus a shared broadcast
// subject; broadcasts from self are filtered on receive so a sender never
// handles its own message.
type ConsensusTransport struct {
	client  *Client
	cluster string
	nodeID  string
	subs    []*nats.Subscription
}

func NewConsensusTransport(client *Client, cluster, nodeID string) *ConsensusTransport {
	return &ConsensusTransport{
		client:  client,
		cluster: cluster,
		nodeID:  nodeID,
	}
}

// Attach subscribes the node to its unicast and broadcast subjects.
func (t *ConsensusTransport) Attach(node *consensus.Node) error {
	handler := func(m *nats.Msg) {
		var msg consensus.Message
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			slog.Warn("dropping undecodable consensus message", "node", t.nodeID, "error", err)
			return
		}
		if msg.SenderID == t.nodeID {
			return
		}
		_ = node.HandleMessage(msg)
	}

	sub, err := t.client.Subscribe(TopicConsensusNode(t.cluster, t.nodeID), handler)
	if err != nil {
		return fmt.Errorf("subscribe node subject: %w", err)
	}
	t.subs = append(t.subs, sub)

	sub, err = t.client.Subscribe(TopicConsensusBroadcast(t.cluster), handler)
	if err != nil {
		return fmt.Errorf("subscribe broadcast subject: %w", err)
	}
	t.subs = append(t.subs, sub)

	return nil
}

func (t *ConsensusTransport) Send(nodeID string, msg consensus.Message) error {
	return t.client.PublishJSON(TopicConsensusNode(t.cluster, nodeID), msg)
}

func (t *ConsensusTransport) Broadcast(msg consensus.Message) error {
	return t.client.PublishJSON(TopicConsensusBroadcast(t.cluster), msg)
}

type keyAnnouncement struct {
	NodeID string `json:"node_id"`
	PubKey string `json:"pub_key"`
}

// ShareKeys announces this node's public key on the cluster key subject
// and registers peer keys as they arrive. A newly learned key triggers a
// re-announce so nodes that joined later still converge on the full set.
func (t *ConsensusTransport) ShareKeys(kr *consensus.Keyring) error {
	announce := func() {
		_ = t.client.PublishJSON(TopicConsensusKeys(t.cluster), keyAnnouncement{
			NodeID: t.nodeID,
			PubKey: hex.EncodeToString(kr.PublicKey()),
		})
	}

	sub, err := t.client.Subscribe(TopicConsensusKeys(t.cluster), func(m *nats.Msg) {
		var ann keyAnnouncement
		if err := json.Unmarshal(m.Data, &ann); err != nil {
			slog.Warn("dropping undecodable key announcement", "error", err)
			return
		}
		if ann.NodeID == t.nodeID || kr.Known(ann.NodeID) {
			return
		}
		pub, err := hex.DecodeString(ann.PubKey)
		if err != nil || len(pub) != ed25519.PublicKeySize {
			slog.Warn("dropping malformed peer key", "node", ann.NodeID)
			return
		}
		kr.Register(ann.NodeID, pub)
		slog.Info("registered peer key", "node", ann.NodeID)
		announce()
	})
	if err != nil {
		return fmt.Errorf("subscribe key subject: %w", err)
	}
	t.subs = append(t.subs, sub)

	announce()
	return t.client.Flush()
}

func (t *ConsensusTransport) Close() {
	for _, sub := range t.subs {
		_ = sub.Unsubscribe()
	}
	t.subs = nil
}
