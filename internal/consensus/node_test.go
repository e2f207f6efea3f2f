package consensus

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// newCluster builds n fully keyed replicas on one in-process network.
// Timeout 0 disables phase timers so tests control view changes.
func newCluster(t *testing.T, n int, faultThreshold float64) ([]*Node, *LocalNetwork) {
	t.Helper()

	net := NewLocalNetwork()
	t.Cleanup(net.Close)

	ids := make([]string, n)
	keyrings := make([]*Keyring, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("node-%d", i)
		kr, err := NewKeyring(ids[i])
		if err != nil {
			t.Fatalf("new keyring: %v", err)
		}
		keyrings[i] = kr
	}
	for _, kr := range keyrings {
		for i, other := range keyrings {
			kr.Register(ids[i], other.PublicKey())
		}
	}

	nodes := make([]*Node, n)
	for i, id := range ids {
		nodes[i] = New(id, faultThreshold, 0, keyrings[i], net.Register(id))
	}
	for _, node := range nodes {
		net.Attach(node)
	}
	for _, node := range nodes {
		node.Initialize(ids)
	}
	return nodes, net
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// eventRecorder is a concurrency-safe EventSink for assertions.
type eventRecorder struct {
	mu     sync.Mutex
	events []string
}

func (r *eventRecorder) sink(event string, data map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *eventRecorder) count(event string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e == event {
			n++
		}
	}
	return n
}

func TestQuorumSize(t *testing.T) {
	nodes, _ := newCluster(t, 5, 0.33)
	if got := nodes[0].QuorumSize(); got != 3 {
		t.Errorf("expected quorum 3 for 5 nodes at 0.33, got %d", got)
	}

	single, _ := newCluster(t, 1, 0.33)
	if got := single[0].QuorumSize(); got != 1 {
		t.Errorf("expected quorum 1 for a single node, got %d", got)
	}
}

func TestConsensusLiveness(t *testing.T) {
	nodes, _ := newCluster(t, 5, 0.33)

	var primary *Node
	for _, node := range nodes {
		if node.IsPrimary() {
			primary = node
		}
	}
	if primary == nil {
		t.Fatal("no primary elected")
	}

	seq, err := primary.Propose([]byte(`"X"`), nil)
	if err != nil {
		t.Fatalf("propose: %v", err)
	}

	for _, node := range nodes {
		node := node
		waitFor(t, fmt.Sprintf("%s to commit", node.ID()), func() bool {
			_, ok := node.Committed(0, seq)
			return ok
		})
		dec, _ := node.Committed(0, seq)
		if string(dec.Value) != `"X"` {
			t.Errorf("%s committed %q, want %q", node.ID(), dec.Value, `"X"`)
		}
		if dec.Votes < node.QuorumSize() {
			t.Errorf("%s committed with %d votes, quorum is %d", node.ID(), dec.Votes, node.QuorumSize())
		}
	}
}

func TestSingleNodeCommitsImmediately(t *testing.T) {
	nodes, _ := newCluster(t, 1, 0.33)
	node := nodes[0]

	var execMu sync.Mutex
	var executed []CommittedDecision
	node.OnExecute(func(dec CommittedDecision) {
		execMu.Lock()
		executed = append(executed, dec)
		execMu.Unlock()
	})

	seq, err := node.Propose([]byte(`{"kind":"noop"}`), map[string]string{"origin": "test"})
	if err != nil {
		t.Fatalf("propose: %v", err)
	}

	// Quorum of one completes synchronously inside Propose.
	dec, ok := node.Committed(0, seq)
	if !ok {
		t.Fatal("expected decision committed before Propose returned")
	}
	if dec.Metadata["origin"] != "test" {
		t.Errorf("metadata lost: %v", dec.Metadata)
	}

	execMu.Lock()
	defer execMu.Unlock()
	if len(executed) != 1 {
		t.Fatalf("expected exactly 1 execution, got %d", len(executed))
	}
}

func TestProposeNotPrimary(t *testing.T) {
	nodes, _ := newCluster(t, 3, 0.33)

	for _, node := range nodes {
		if node.IsPrimary() {
			continue
		}
		if _, err := node.Propose([]byte("v"), nil); !errors.Is(err, ErrNotPrimary) {
			t.Errorf("%s: expected ErrNotPrimary, got %v", node.ID(), err)
		}
		return
	}
	t.Fatal("all nodes claim to be primary")
}

func TestSubmitProposalForwardsToPrimary(t *testing.T) {
	nodes, _ := newCluster(t, 4, 0.33)

	var follower *Node
	for _, node := range nodes {
		if !node.IsPrimary() {
			follower = node
			break
		}
	}

	if err := follower.SubmitProposal([]byte(`"forwarded"`), nil); err != nil {
		t.Fatalf("submit proposal: %v", err)
	}

	waitFor(t, "forwarded proposal to commit", func() bool {
		_, ok := follower.Committed(0, 1)
		return ok
	})
	dec, _ := follower.Committed(0, 1)
	if string(dec.Value) != `"forwarded"` {
		t.Errorf("committed %q, want %q", dec.Value, `"forwarded"`)
	}
}

func TestInvalidSignatureDropped(t *testing.T) {
	nodes, _ := newCluster(t, 3, 0.33)
	node := nodes[0]

	rec := &eventRecorder{}
	node.SetEventSink(rec.sink)

	msg := Message{
		Type:     MsgPrepare,
		View:     0,
		Sequence: 1,
		SenderID: "node-1",
		Digest:   "d",
		// Signature missing
	}
	if err := node.HandleMessage(msg); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
	if rec.count("invalid-signature") != 1 {
		t.Errorf("expected one invalid-signature event, got %d", rec.count("invalid-signature"))
	}

	// Unknown senders fail verification too.
	msg.SenderID = "impostor"
	if err := node.HandleMessage(msg); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature for unknown sender, got %v", err)
	}
}

func TestStaleSequenceRejected(t *testing.T) {
	nodes, _ := newCluster(t, 1, 0.33)
	node := nodes[0]

	seq, err := node.Propose([]byte("first"), nil)
	if err != nil {
		t.Fatalf("propose: %v", err)
	}

	// Re-sending a pre-prepare at an already committed sequence is stale.
	value := []byte("late")
	stale := Message{
		Type:     MsgPrePrepare,
		View:     0,
		Sequence: seq,
		Value:    value,
		SenderID: node.ID(),
		Digest:   Digest(value),
	}
	node.keyring.Sign(&stale)
	if err := node.HandleMessage(stale); !errors.Is(err, ErrStaleSequence) {
		t.Fatalf("expected ErrStaleSequence, got %v", err)
	}
}

func TestDigestMismatchRejected(t *testing.T) {
	nodes, _ := newCluster(t, 1, 0.33)
	node := nodes[0]

	msg := Message{
		Type:     MsgPrePrepare,
		View:     0,
		Sequence: 1,
		Value:    []byte("actual"),
		SenderID: node.ID(),
		Digest:   Digest([]byte("claimed")),
	}
	node.keyring.Sign(&msg)
	if err := node.HandleMessage(msg); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature for digest mismatch, got %v", err)
	}
	if _, ok := node.Committed(0, 1); ok {
		t.Error("mismatched proposal must not commit")
	}
}

func TestIdempotentCommit(t *testing.T) {
	nodes, _ := newCluster(t, 1, 0.33)
	node := nodes[0]

	executions := 0
	node.OnExecute(func(CommittedDecision) { executions++ })

	seq, err := node.Propose([]byte("once"), nil)
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	before, _ := node.Committed(0, seq)

	// A duplicate commit vote after the decision must be a no-op.
	dup := Message{
		Type:     MsgCommit,
		View:     0,
		Sequence: seq,
		SenderID: node.ID(),
		Digest:   before.Digest,
	}
	node.keyring.Sign(&dup)
	if err := node.HandleMessage(dup); err != nil {
		t.Fatalf("duplicate commit: %v", err)
	}

	after, _ := node.Committed(0, seq)
	if after.Votes != before.Votes || !after.CommittedAt.Equal(before.CommittedAt) {
		t.Error("duplicate commit mutated the decision")
	}
	if executions != 1 {
		t.Errorf("expected 1 execution, got %d", executions)
	}
}

func TestViewChangeRotatesPrimary(t *testing.T) {
	// Threshold 0.34 gives f=1 and quorum 3, so adoption needs all votes.
	nodes, _ := newCluster(t, 3, 0.34)

	recorders := make([]*eventRecorder, len(nodes))
	for i, node := range nodes {
		recorders[i] = &eventRecorder{}
		node.SetEventSink(recorders[i].sink)
	}

	oldPrimary := nodes[0].PrimaryID()

	// A quorum of replicas votes for view 1.
	for _, node := range nodes {
		node.InitiateViewChange()
	}

	for i, node := range nodes {
		node := node
		waitFor(t, fmt.Sprintf("%s to adopt view 1", node.ID()), func() bool {
			return node.View() == 1
		})
		if node.PrimaryID() == oldPrimary {
			t.Errorf("%s: primary did not rotate", node.ID())
		}
		if recorders[i].count("view-changed") == 0 {
			t.Errorf("%s: no view-changed event", node.ID())
		}
	}

	// Consensus still works under the new primary.
	for _, node := range nodes {
		if node.IsPrimary() {
			if _, err := node.Propose([]byte("after"), nil); err != nil {
				t.Fatalf("propose in view 1: %v", err)
			}
		}
	}
	waitFor(t, "commit in view 1", func() bool {
		_, ok := nodes[0].Committed(1, 1)
		return ok
	})
}

func TestPrePrepareFromSupersededViewRejected(t *testing.T) {
	// Threshold 0.34 gives f=1 and quorum 3, so adoption needs all votes.
	nodes, _ := newCluster(t, 3, 0.34)

	oldPrimary := nodes[0] // primary for view 0 in sorted ID order
	if !oldPrimary.IsPrimary() {
		t.Fatal("node-0 should be primary for view 0")
	}

	for _, node := range nodes {
		node.InitiateViewChange()
	}
	for _, node := range nodes {
		node := node
		waitFor(t, fmt.Sprintf("%s to adopt view 1", node.ID()), func() bool {
			return node.View() == 1
		})
	}

	// The deposed primary tries to keep driving commits in view 0.
	value := []byte("zombie")
	msg := Message{
		Type:     MsgPrePrepare,
		View:     0,
		Sequence: 1,
		Value:    value,
		SenderID: oldPrimary.ID(),
		Digest:   Digest(value),
	}
	oldPrimary.keyring.Sign(&msg)

	if err := nodes[1].HandleMessage(msg); !errors.Is(err, ErrStaleView) {
		t.Fatalf("expected ErrStaleView, got %v", err)
	}
	if _, ok := nodes[1].Committed(0, 1); ok {
		t.Error("superseded-view proposal must not commit")
	}
}

func TestPrePrepareFromNonPrimaryRejected(t *testing.T) {
	nodes, _ := newCluster(t, 3, 0.33)

	var follower *Node
	for _, node := range nodes {
		if !node.IsPrimary() {
			follower = node
			break
		}
	}

	value := []byte("rogue")
	msg := Message{
		Type:     MsgPrePrepare,
		View:     0,
		Sequence: 1,
		Value:    value,
		SenderID: follower.ID(),
		Digest:   Digest(value),
	}
	follower.keyring.Sign(&msg)

	var target *Node
	for _, node := range nodes {
		if node != follower {
			target = node
			break
		}
	}
	if err := target.HandleMessage(msg); !errors.Is(err, ErrInvalidPrimary) {
		t.Fatalf("expected ErrInvalidPrimary, got %v", err)
	}
}
