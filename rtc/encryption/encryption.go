// Package encryption implements the Encryption Manager: ownership of the
// single outbound media key, the leaver/joiner-aware rollout algorithm that
// decides when to rotate versus merely share, and ingestion of inbound keys
// from other participants.
package encryption

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bdobrica/go-matrixrtc/common/clock"
	"github.com/bdobrica/go-matrixrtc/rtc/config"
	"github.com/bdobrica/go-matrixrtc/rtc/keyring"
	"github.com/bdobrica/go-matrixrtc/rtc/session"
	"github.com/bdobrica/go-matrixrtc/rtc/transport"
)

// MembershipInfo is the minimal per-participant fact the encryption manager
// needs from the membership manager's observed participant list.
type MembershipInfo struct {
	Participant  session.ParticipantID
	MembershipTS int64
}

// LocalKeyHandler is notified whenever the local outbound key changes, after
// the configured useKeyDelay has elapsed, so the media layer can ratchet to
// it once remote participants have plausibly received it.
type LocalKeyHandler func(key []byte, keyID int)

type sharedTarget struct {
	participant  session.ParticipantID
	membershipTS int64
}

type outboundSession struct {
	key        []byte
	keyID      int
	creationTS time.Time
	sharedWith map[string]sharedTarget // keyed by participant string
}

// Manager is the Encryption Manager.
type Manager struct {
	transport transport.Transport
	tunables  config.Tunables
	clock     clock.Clock
	log       *slog.Logger
	self      session.ParticipantID

	onLocalKey LocalKeyHandler

	mu         sync.Mutex
	outbound   *outboundSession
	firstKey   bool
	memberships map[string]MembershipInfo

	distributing     bool
	needsAnotherCycle bool

	filter *keyring.Filter
	ring   *keyring.Ring

	stopCh chan struct{}
}

// New constructs an Encryption Manager. clk may be nil for the real clock.
func New(t transport.Transport, self session.ParticipantID, tunables config.Tunables, clk clock.Clock, log *slog.Logger, onLocalKey LocalKeyHandler) *Manager {
	if clk == nil {
		clk = clock.Real{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		transport:   t,
		tunables:    tunables,
		clock:       clk,
		log:         log,
		self:        self,
		onLocalKey:  onLocalKey,
		firstKey:    true,
		memberships: make(map[string]MembershipInfo),
		filter:      &keyring.Filter{},
		ring:        keyring.NewRing(10 * tunables.KeyBufferTTL),
		stopCh:      make(chan struct{}),
	}
}

// Join starts the transport, subscribes to inbound keys, and triggers the
// initial distribution of a fresh key 0 (used immediately, without the
// activation delay that later rotations observe).
func (m *Manager) Join(ctx context.Context) error {
	if err := m.transport.Start(ctx); err != nil {
		return fmt.Errorf("encryption: start transport: %w", err)
	}
	go m.ingestLoop(ctx)

	key, err := newRandomKey()
	if err != nil {
		return fmt.Errorf("encryption: generate initial key: %w", err)
	}
	m.mu.Lock()
	m.outbound = &outboundSession{
		key:        key,
		keyID:      0,
		creationTS: m.clock.Now(),
		sharedWith: make(map[string]sharedTarget),
	}
	m.mu.Unlock()

	return m.rollout(ctx)
}

// Leave unsubscribes, stops the transport, and clears the key ring.
func (m *Manager) Leave() error {
	close(m.stopCh)
	m.ring.Clear()
	return m.transport.Stop()
}

// OnMembershipsUpdate requests a distribution cycle reflecting the given
// current membership set (excluding self), coalescing with any in-flight
// cycle.
func (m *Manager) OnMembershipsUpdate(ctx context.Context, memberships []MembershipInfo) {
	m.mu.Lock()
	m.memberships = make(map[string]MembershipInfo, len(memberships))
	for _, mi := range memberships {
		if mi.Participant == m.self {
			continue
		}
		m.memberships[mi.Participant.String()] = mi
	}
	m.mu.Unlock()

	go func() {
		if err := m.rollout(ctx); err != nil {
			m.log.Error("encryption: rollout failed", "err", err)
		}
	}()
}

// GetEncryptionKeys returns a snapshot of every inbound key, by participant.
func (m *Manager) GetEncryptionKeys() map[string][]keyring.Entry {
	return m.ring.Snapshot()
}

// OnNewKeyReceived is exposed for tests/direct wiring; in normal operation
// ingestLoop drains the transport's Received() channel and calls this.
func (m *Manager) OnNewKeyReceived(participant session.ParticipantID, keyBase64 string, index int, creationTS int64) {
	key, err := base64.StdEncoding.DecodeString(keyBase64)
	if err != nil {
		m.log.Warn("encryption: dropping inbound key with invalid base64", "participant", participant.String(), "err", err)
		return
	}
	if !m.filter.Accept(participant.String(), index, creationTS) {
		return
	}
	m.ring.Store(keyring.Entry{
		ParticipantID: participant.String(),
		KeyIndex:      index,
		Key:           key,
		CreationTS:    creationTS,
	}, m.clock.Now())
}

func (m *Manager) ingestLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case rk, ok := <-m.transport.Received():
			if !ok {
				return
			}
			m.OnNewKeyReceived(rk.Participant, rk.KeyBase64, rk.Index, rk.SentTS)
		}
	}
}

// rollout runs one distribution cycle per the leaver/joiner rollout
// algorithm. Cycles are serialized: a rollout already in flight sets
// needsAnotherCycle instead of running concurrently.
func (m *Manager) rollout(ctx context.Context) error {
	m.mu.Lock()
	if m.distributing {
		m.needsAnotherCycle = true
		m.mu.Unlock()
		return nil
	}
	m.distributing = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.distributing = false
		again := m.needsAnotherCycle
		m.needsAnotherCycle = false
		m.mu.Unlock()
		if again {
			if err := m.rollout(ctx); err != nil {
				m.log.Error("encryption: coalesced rollout failed", "err", err)
			}
		}
	}()

	return m.runCycle(ctx)
}

func (m *Manager) runCycle(ctx context.Context) error {
	m.mu.Lock()
	toShareWith := make(map[string]MembershipInfo, len(m.memberships))
	for k, v := range m.memberships {
		toShareWith[k] = v
	}

	// anyLeft must be computed against the pre-prune sharedWith set: once we
	// prune below, a participant who left no longer has an entry to detect.
	var anyLeft []MembershipInfo
	for k, prevTarget := range m.outbound.sharedWith {
		if _, ok := toShareWith[k]; !ok {
			anyLeft = append(anyLeft, MembershipInfo{Participant: prevTarget.participant, MembershipTS: prevTarget.membershipTS})
		}
	}

	// Prune sharedWith entries for participants who left or rejoined with a
	// different membershipTs (a rejoin needs a fresh share, not a no-op).
	for k, prev := range m.outbound.sharedWith {
		if cur, ok := toShareWith[k]; !ok || cur.MembershipTS != prev.membershipTS {
			delete(m.outbound.sharedWith, k)
		}
	}

	var anyJoined []MembershipInfo
	for k, v := range toShareWith {
		if _, ok := m.outbound.sharedWith[k]; !ok {
			anyJoined = append(anyJoined, v)
		}
	}

	var target []session.ParticipantID
	hasKeyChanged := false
	grace := m.tunables.KeyRotationGracePeriod
	now := m.clock.Now()

	switch {
	case len(anyLeft) > 0:
		m.rotateLocked()
		hasKeyChanged = true
		for _, v := range toShareWith {
			target = append(target, v.Participant)
		}
	case len(anyJoined) > 0:
		if now.Sub(m.outbound.creationTS) < grace {
			for _, v := range anyJoined {
				target = append(target, v.Participant)
			}
		} else {
			m.rotateLocked()
			hasKeyChanged = true
			for _, v := range toShareWith {
				target = append(target, v.Participant)
			}
		}
	default:
		m.mu.Unlock()
		return nil
	}

	keyB64 := base64.StdEncoding.EncodeToString(m.outbound.key)
	keyID := m.outbound.keyID
	m.mu.Unlock()

	failed, err := m.transport.SendKey(ctx, keyB64, keyID, target)
	if err != nil {
		m.log.Warn("encryption: key distribution cycle had send failures", "err", err)
	}
	failedSet := make(map[string]struct{}, len(failed))
	for _, p := range failed {
		failedSet[p.String()] = struct{}{}
	}

	m.mu.Lock()
	for _, p := range target {
		if _, ok := failedSet[p.String()]; ok {
			// Not shared with: leave out of sharedWith so this participant is
			// retargeted on the next membership update instead of being
			// silently treated as already caught up.
			continue
		}
		m.outbound.sharedWith[p.String()] = sharedTarget{participant: p, membershipTS: toShareWith[p.String()].MembershipTS}
	}
	key := append([]byte(nil), m.outbound.key...)
	delay := m.tunables.UseKeyDelay
	if m.firstKey {
		delay = 0
		m.firstKey = false
	}
	m.mu.Unlock()

	if hasKeyChanged && m.onLocalKey != nil {
		if delay > 0 {
			select {
			case <-m.clock.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		m.onLocalKey(key, keyID)
	}
	return nil
}

// rotateLocked generates a fresh key with the next key id and clears
// sharedWith. Caller must hold m.mu.
func (m *Manager) rotateLocked() {
	key, err := newRandomKey()
	if err != nil {
		// crypto/rand failure is not recoverable; keep the previous key
		// rather than distributing a zero key.
		m.log.Error("encryption: failed to generate rotation key, keeping previous key", "err", err)
		return
	}
	m.outbound = &outboundSession{
		key:        key,
		keyID:      (m.outbound.keyID + 1) % 256,
		creationTS: m.clock.Now(),
		sharedWith: make(map[string]sharedTarget),
	}
}

func newRandomKey() ([]byte, error) {
	key := make([]byte, 16)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	return key, nil
}
