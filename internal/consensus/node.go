package consensus

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Transport delivers protocol messages between replicas. Implementations
// must not deliver a broadcast back to its sender.
type Transport interface {
	Send(nodeID string, msg Message) error
	Broadcast(msg Message) error
}

// EventSink receives the node's observable events: initialized,
// consensus-reached, view-changed, invalid-signature, timeout.
type EventSink func(event string, data map[string]any)

// ExecuteFunc is invoked once per committed decision with the agreed value.
type ExecuteFunc func(dec CommittedDecision)

// Node is a single PBFT replica. It agrees with a quorum of peers on one
// value per (view, sequence), tolerating up to floor(N × faultThreshold)
// faulty peers. All state is guarded by mu; side effects (transport sends,
// event emission, decision execution) run after the lock is released so
// that callbacks may re-enter the node.
type Node struct {
	id             string
	faultThreshold float64
	timeout        time.Duration
	transport      Transport
	keyring        *Keyring
	events         EventSink
	execute        ExecuteFunc

	mu            sync.Mutex
	view          uint64
	phase         Phase
	seq           uint64
	peers         []string
	primary       string
	log           map[logKey]map[string]Message
	digests       map[instKey]string
	proposals     map[instKey]Message
	prepared      map[instKey]bool
	committed     map[instKey]CommittedDecision
	lastCommitted uint64
	viewVotes     map[uint64]map[string]bool
	phaseTimer    *time.Timer
}

func New(id string, faultThreshold float64, timeout time.Duration, kr *Keyring, tr Transport) *Node {
	return &Node{
		id:             id,
		faultThreshold: faultThreshold,
		timeout:        timeout,
		keyring:        kr,
		transport:      tr,
		phase:          PhaseIdle,
		log:            make(map[logKey]map[string]Message),
		digests:        make(map[instKey]string),
		proposals:      make(map[instKey]Message),
		prepared:       make(map[instKey]bool),
		committed:      make(map[instKey]CommittedDecision),
		viewVotes:      make(map[uint64]map[string]bool),
	}
}

// SetEventSink registers the observer for node events.
func (n *Node) SetEventSink(sink EventSink) {
	n.events = sink
}

// OnExecute registers the callback run for each committed decision.
func (n *Node) OnExecute(fn ExecuteFunc) {
	n.execute = fn
}

// Initialize records the peer list (self included) and computes whether this
// node is the primary for the current view. The peer set is fixed for the
// node's lifetime; dynamic membership is unsupported.
func (n *Node) Initialize(peerIDs []string) {
	n.mu.Lock()
	peers := make([]string, 0, len(peerIDs)+1)
	seen := make(map[string]bool, len(peerIDs)+1)
	for _, id := range append(peerIDs, n.id) {
		if !seen[id] {
			seen[id] = true
			peers = append(peers, id)
		}
	}
	sort.Strings(peers)
	n.peers = peers
	n.primary = peers[int(n.view)%len(peers)]
	isPrimary := n.primary == n.id
	n.mu.Unlock()

	slog.Info("consensus node initialized", "node", n.id, "peers", len(peers), "primary", isPrimary)
	n.emit("initialized", map[string]any{
		"node":       n.id,
		"peers":      len(peers),
		"is_primary": isPrimary,
	})
}

// Propose starts agreement on a value. Primary-only; other replicas must
// use SubmitProposal to route through the primary.
func (n *Node) Propose(value []byte, metadata map[string]string) (uint64, error) {
	n.mu.Lock()
	if len(n.peers) == 0 {
		n.mu.Unlock()
		return 0, ErrNotInitialized
	}
	if n.primary != n.id {
		n.mu.Unlock()
		return 0, ErrNotPrimary
	}

	n.seq++
	msg := Message{
		Type:      MsgPrePrepare,
		View:      n.view,
		Sequence:  n.seq,
		Value:     value,
		Metadata:  metadata,
		SenderID:  n.id,
		Timestamp: time.Now().UTC(),
		Digest:    Digest(value),
	}
	n.keyring.Sign(&msg)

	n.phase = PhasePrePrepare
	n.startTimerLocked()
	effects := n.recordLocked(msg)
	effects = append(effects, n.broadcastEffect(msg))
	// The primary votes on its own proposal like any other replica.
	effects = append(effects, n.broadcastVoteLocked(MsgPrepare, msg.View, msg.Sequence, msg.Digest)...)
	seq := msg.Sequence
	n.mu.Unlock()

	fire(effects)
	return seq, nil
}

// SubmitProposal routes a value to the current primary, proposing directly
// when this node is the primary. When no primary is known a view change is
// triggered instead.
func (n *Node) SubmitProposal(value []byte, metadata map[string]string) error {
	n.mu.Lock()
	if len(n.peers) == 0 {
		n.mu.Unlock()
		n.InitiateViewChange()
		return ErrNoPrimary
	}
	primary := n.primary
	n.mu.Unlock()

	if primary == n.id {
		_, err := n.Propose(value, metadata)
		return err
	}

	msg := Message{
		Type:      MsgForward,
		Value:     value,
		Metadata:  metadata,
		SenderID:  n.id,
		Timestamp: time.Now().UTC(),
		Digest:    Digest(value),
	}
	n.keyring.Sign(&msg)
	if err := n.transport.Send(primary, msg); err != nil {
		n.InitiateViewChange()
		return fmt.Errorf("forward proposal to primary %s: %w", primary, err)
	}
	return nil
}

// HandleMessage verifies and dispatches one protocol message. Malformed or
// unauthenticated messages are dropped and reported, never fatal.
func (n *Node) HandleMessage(msg Message) error {
	if !n.keyring.Verify(&msg) {
		slog.Warn("dropping message with invalid signature", "node", n.id, "type", msg.Type, "sender", msg.SenderID)
		n.emit("invalid-signature", map[string]any{
			"sender": msg.SenderID,
			"type":   string(msg.Type),
		})
		return ErrInvalidSignature
	}

	switch msg.Type {
	case MsgForward:
		return n.handleForward(msg)
	case MsgPrePrepare:
		return n.handlePrePrepare(msg)
	case MsgPrepare, MsgCommit:
		return n.handleVote(msg)
	case MsgViewChange:
		return n.handleViewChange(msg)
	default:
		slog.Warn("dropping message of unknown type", "node", n.id, "type", msg.Type)
		return nil
	}
}

func (n *Node) handleForward(msg Message) error {
	n.mu.Lock()
	isPrimary := len(n.peers) > 0 && n.primary == n.id
	n.mu.Unlock()

	if !isPrimary {
		slog.Debug("ignoring forwarded proposal, not primary", "node", n.id, "sender", msg.SenderID)
		return nil
	}
	_, err := n.Propose(msg.Value, msg.Metadata)
	return err
}

func (n *Node) handlePrePrepare(msg Message) error {
	n.mu.Lock()
	if len(n.peers) == 0 {
		n.mu.Unlock()
		return ErrNotInitialized
	}
	if msg.View < n.view {
		n.mu.Unlock()
		slog.Warn("dropping pre-prepare from superseded view", "node", n.id, "sender", msg.SenderID, "view", msg.View, "current", n.view)
		return ErrStaleView
	}
	if msg.SenderID != n.primaryForView(msg.View) {
		n.mu.Unlock()
		slog.Warn("dropping pre-prepare from non-primary", "node", n.id, "sender", msg.SenderID, "view", msg.View)
		return ErrInvalidPrimary
	}
	if msg.Sequence <= n.lastCommitted {
		n.mu.Unlock()
		return ErrStaleSequence
	}
	if Digest(msg.Value) != msg.Digest {
		n.mu.Unlock()
		slog.Warn("dropping pre-prepare with digest mismatch", "node", n.id, "sender", msg.SenderID)
		n.emit("invalid-signature", map[string]any{
			"sender": msg.SenderID,
			"type":   string(msg.Type),
			"reason": "digest mismatch",
		})
		return ErrInvalidSignature
	}

	k := instKey{msg.View, msg.Sequence}
	if d, ok := n.digests[k]; ok && d != msg.Digest {
		// A different proposal was already accepted for this instance.
		n.mu.Unlock()
		return nil
	}

	effects := n.recordLocked(msg)
	n.phase = PhasePrepare
	n.startTimerLocked()
	effects = append(effects, n.broadcastVoteLocked(MsgPrepare, msg.View, msg.Sequence, msg.Digest)...)
	n.mu.Unlock()

	fire(effects)
	return nil
}

func (n *Node) handleVote(msg Message) error {
	n.mu.Lock()
	k := instKey{msg.View, msg.Sequence}
	if _, done := n.committed[k]; done && msg.Type == MsgCommit {
		// Idempotent commit: duplicates after the decision are silently ignored.
		n.mu.Unlock()
		return nil
	}
	effects := n.recordLocked(msg)
	n.mu.Unlock()

	fire(effects)
	return nil
}

func (n *Node) handleViewChange(msg Message) error {
	n.mu.Lock()
	if msg.NewView <= n.view {
		n.mu.Unlock()
		return nil
	}
	votes := n.viewVotes[msg.NewView]
	if votes == nil {
		votes = make(map[string]bool)
		n.viewVotes[msg.NewView] = votes
	}
	votes[msg.SenderID] = true
	effects := n.maybeAdoptViewLocked(msg.NewView)
	n.mu.Unlock()

	fire(effects)
	return nil
}

// InitiateViewChange broadcasts a signed vote for view+1. Called when the
// primary is unresponsive past the phase timeout, or by operators.
func (n *Node) InitiateViewChange() {
	n.mu.Lock()
	if len(n.peers) == 0 {
		n.mu.Unlock()
		return
	}
	newView := n.view + 1
	msg := Message{
		Type:      MsgViewChange,
		View:      n.view,
		NewView:   newView,
		SenderID:  n.id,
		Timestamp: time.Now().UTC(),
	}
	n.keyring.Sign(&msg)

	n.phase = PhaseViewChange
	votes := n.viewVotes[newView]
	if votes == nil {
		votes = make(map[string]bool)
		n.viewVotes[newView] = votes
	}
	votes[n.id] = true

	effects := []func(){n.broadcastEffect(msg)}
	effects = append(effects, n.maybeAdoptViewLocked(newView)...)
	n.mu.Unlock()

	slog.Info("view change initiated", "node", n.id, "new_view", newView)
	fire(effects)
}

// recordLocked appends a message to the log (deduplicated by sender) and
// returns any phase-advancing effects that became possible.
func (n *Node) recordLocked(msg Message) []func() {
	key := logKey{msg.View, msg.Sequence, msg.Type}
	senders := n.log[key]
	if senders == nil {
		senders = make(map[string]Message)
		n.log[key] = senders
	}
	if _, dup := senders[msg.SenderID]; dup {
		return nil
	}
	senders[msg.SenderID] = msg

	k := instKey{msg.View, msg.Sequence}
	switch msg.Type {
	case MsgPrePrepare:
		if _, ok := n.digests[k]; !ok {
			n.digests[k] = msg.Digest
			n.proposals[k] = msg
		}
		// A pre-prepare may arrive after votes already piled up.
		effects := n.maybePreparedLocked(k)
		return append(effects, n.maybeCommittedLocked(k)...)
	case MsgPrepare:
		return n.maybePreparedLocked(k)
	case MsgCommit:
		return n.maybeCommittedLocked(k)
	}
	return nil
}

func (n *Node) maybePreparedLocked(k instKey) []func() {
	if n.prepared[k] {
		return nil
	}
	digest, ok := n.digests[k]
	if !ok {
		return nil
	}
	if n.countVotesLocked(MsgPrepare, k, digest) < n.quorumLocked() {
		return nil
	}
	n.prepared[k] = true
	n.phase = PhaseCommit
	return n.broadcastVoteLocked(MsgCommit, k.view, k.seq, digest)
}

func (n *Node) maybeCommittedLocked(k instKey) []func() {
	if _, done := n.committed[k]; done {
		return nil
	}
	digest, ok := n.digests[k]
	if !ok {
		return nil
	}
	proposal, ok := n.proposals[k]
	if !ok {
		return nil
	}
	votes := n.countVotesLocked(MsgCommit, k, digest)
	if votes < n.quorumLocked() {
		return nil
	}

	dec := CommittedDecision{
		View:        k.view,
		Sequence:    k.seq,
		Value:       proposal.Value,
		Metadata:    proposal.Metadata,
		Digest:      digest,
		Votes:       votes,
		CommittedAt: time.Now().UTC(),
	}
	n.committed[k] = dec
	if k.seq > n.lastCommitted {
		n.lastCommitted = k.seq
	}
	n.stopTimerLocked()
	n.phase = PhaseIdle
	execute := n.execute

	return []func(){func() {
		if execute != nil {
			execute(dec)
		}
		n.emit("consensus-reached", map[string]any{
			"value":    json.RawMessage(dec.Value),
			"sequence": dec.Sequence,
			"view":     dec.View,
			"votes":    dec.Votes,
		})
		slog.Info("consensus reached", "node", n.id, "view", dec.View, "sequence", dec.Sequence, "votes", dec.Votes)
	}}
}

func (n *Node) maybeAdoptViewLocked(newView uint64) []func() {
	votes := len(n.viewVotes[newView])
	if votes < n.quorumLocked() {
		return nil
	}
	n.view = newView
	n.primary = n.peers[int(newView)%len(n.peers)]
	n.phase = PhaseIdle
	n.stopTimerLocked()
	for v := range n.viewVotes {
		if v <= newView {
			delete(n.viewVotes, v)
		}
	}
	isPrimary := n.primary == n.id

	return []func(){func() {
		slog.Info("view adopted", "node", n.id, "view", newView, "is_primary", isPrimary)
		n.emit("view-changed", map[string]any{
			"new_view":   newView,
			"is_primary": isPrimary,
			"votes":      votes,
		})
	}}
}

// broadcastVoteLocked signs and broadcasts a PREPARE or COMMIT vote,
// recording this node's own copy first so local counts include it.
func (n *Node) broadcastVoteLocked(typ MsgType, view, seq uint64, digest string) []func() {
	msg := Message{
		Type:      typ,
		View:      view,
		Sequence:  seq,
		SenderID:  n.id,
		Timestamp: time.Now().UTC(),
		Digest:    digest,
	}
	n.keyring.Sign(&msg)
	effects := n.recordLocked(msg)
	return append(effects, n.broadcastEffect(msg))
}

func (n *Node) broadcastEffect(msg Message) func() {
	return func() {
		if err := n.transport.Broadcast(msg); err != nil {
			slog.Error("broadcast failed", "node", n.id, "type", msg.Type, "error", err)
		}
	}
}

func (n *Node) countVotesLocked(typ MsgType, k instKey, digest string) int {
	count := 0
	for _, m := range n.log[logKey{k.view, k.seq, typ}] {
		if m.Digest == digest {
			count++
		}
	}
	return count
}

// quorumLocked is 2f+1 where f = floor(N × faultThreshold).
func (n *Node) quorumLocked() int {
	f := int(float64(len(n.peers)) * n.faultThreshold)
	return 2*f + 1
}

func (n *Node) startTimerLocked() {
	if n.timeout <= 0 {
		return
	}
	n.stopTimerLocked()
	n.phaseTimer = time.AfterFunc(n.timeout, n.onPhaseTimeout)
}

func (n *Node) stopTimerLocked() {
	if n.phaseTimer != nil {
		n.phaseTimer.Stop()
		n.phaseTimer = nil
	}
}

func (n *Node) onPhaseTimeout() {
	n.mu.Lock()
	if n.phase == PhaseIdle {
		n.mu.Unlock()
		return
	}
	view, phase := n.view, n.phase
	n.mu.Unlock()

	slog.Warn("phase timeout, initiating view change", "node", n.id, "view", view, "phase", phase)
	n.emit("timeout", map[string]any{
		"view":  view,
		"phase": string(phase),
	})
	n.InitiateViewChange()
}

func (n *Node) primaryForView(view uint64) string {
	return n.peers[int(view)%len(n.peers)]
}

func (n *Node) emit(event string, data map[string]any) {
	if n.events != nil {
		n.events(event, data)
	}
}

func fire(effects []func()) {
	for _, fn := range effects {
		fn()
	}
}

// ID returns the node identity.
func (n *Node) ID() string { return n.id }

// View returns the current view number.
func (n *Node) View() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.view
}

// CurrentPhase returns the protocol phase the node is in.
func (n *Node) CurrentPhase() Phase {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.phase
}

// IsPrimary reports whether this node is the primary for the current view.
func (n *Node) IsPrimary() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.peers) > 0 && n.primary == n.id
}

// PrimaryID returns the primary for the current view, or "" before Initialize.
func (n *Node) PrimaryID() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.primary
}

// Committed returns the decision for (view, sequence) if one was reached.
func (n *Node) Committed(view, seq uint64) (CommittedDecision, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	dec, ok := n.committed[instKey{view, seq}]
	return dec, ok
}

// LastCommitted returns the highest committed sequence number.
func (n *Node) LastCommitted() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.lastCommitted
}

// QuorumSize returns the vote count required to commit.
func (n *Node) QuorumSize() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.quorumLocked()
}

// Stop cancels any pending phase timer.
func (n *Node) Stop() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.stopTimerLocked()
}
