// Copyright 2026 The Spyglass Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"crypto/subtle"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"

	"github.com/spyglass-dev/spyglass/lib/clock"
)

// resumeHash is the keyed BLAKE3 digest of a resume token. The
// registry never stores tokens in the clear; a heap dump of the relay
// must not let an attacker hijack sessions.
type resumeHash [32]byte

// resumeDomainKey is the BLAKE3 keyed-hash domain for resume tokens.
// The byte values are the ASCII encoding of the domain name,
// zero-padded to 32 bytes, so the key is inspectable in hex dumps
// without sacrificing any cryptographic property.
var resumeDomainKey = [32]byte{
	's', 'p', 'y', 'g', 'l', 'a', 's', 's', '.', 's', 'e', 's', 's', 'i', 'o', 'n',
	'.', 'r', 'e', 's', 'u', 'm', 'e', 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// hashResumeToken computes the keyed BLAKE3 hash of a resume token.
func hashResumeToken(token string) resumeHash {
	hasher, err := blake3.NewKeyed(resumeDomainKey[:])
	if err != nil {
		// NewKeyed fails only on a wrong key length, which is
		// impossible with a [32]byte key.
		panic("relay: blake3 keyed hasher: " + err.Error())
	}
	hasher.Write([]byte(token))
	var digest resumeHash
	hasher.Sum(digest[:0])
	return digest
}

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	// DataCapacity and LogCapacity size the per-session ring buffers.
	// Required (positive).
	DataCapacity int
	LogCapacity  int

	// EndedTTL is how long an ended session stays visible before the
	// sweep purges it. Required.
	EndedTTL time.Duration

	// ResumeCooldown is how long a disconnected session waits for
	// its producer before the sweep ends it. Required.
	ResumeCooldown time.Duration

	// Clock is the time source. Required.
	Clock clock.Clock

	// Logger is the structured logger. Required.
	Logger *slog.Logger
}

// Registry is the authoritative store of session state. All mutation
// is serialized under a single mutex (single-writer semantics); reads
// return copies, never aliases into registry-owned state.
//
// The Registry owns every session and pending-command record. The
// acceptor owns connections and refers to sessions only by id, so
// there is no cyclic lifetime coupling between the two.
type Registry struct {
	dataCapacity   int
	logCapacity    int
	endedTTL       time.Duration
	resumeCooldown time.Duration
	clock          clock.Clock
	logger         *slog.Logger

	pending *pendingCommands

	mu       sync.Mutex
	sessions map[string]*session
}

// NewRegistry creates a Registry. Panics on a missing required field;
// a registry without a clock or buffer capacity is a wiring bug, not
// a runtime condition.
func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.DataCapacity <= 0 || cfg.LogCapacity <= 0 {
		panic("relay.Registry: buffer capacities must be positive")
	}
	if cfg.EndedTTL <= 0 || cfg.ResumeCooldown <= 0 {
		panic("relay.Registry: EndedTTL and ResumeCooldown are required")
	}
	if cfg.Clock == nil {
		panic("relay.Registry: Clock is required")
	}
	if cfg.Logger == nil {
		panic("relay.Registry: Logger is required")
	}
	return &Registry{
		dataCapacity:   cfg.DataCapacity,
		logCapacity:    cfg.LogCapacity,
		endedTTL:       cfg.EndedTTL,
		resumeCooldown: cfg.ResumeCooldown,
		clock:          cfg.Clock,
		logger:         cfg.Logger,
		pending:        newPendingCommands(cfg.Clock),
		sessions:       make(map[string]*session),
	}
}

// Pending returns the pending-command table. The registry owns it;
// the router drives it.
func (r *Registry) Pending() *pendingCommands { return r.pending }

// RegisterOutcome reports what Register did.
type RegisterOutcome struct {
	// SessionID is the assigned (or reclaimed) session id.
	SessionID string

	// Resumed is true when an existing disconnected session was
	// reactivated rather than a fresh one allocated.
	Resumed bool

	// Summary is the session's replayable state, for the
	// SESSION_STARTED / SESSION_RESUMED broadcast.
	Summary SessionSummary
}

// Register creates a session, or resumes a disconnected one when the
// resume token matches within its cooldown window. Returns
// InvalidRegistration if metadata is null or oversized.
//
// Resume never matches an Active session: the live producer binding
// wins and the newcomer gets a fresh session, preserving the
// one-live-producer-per-session invariant.
func (r *Registry) Register(metadata, uiSchema Value, resumeToken string) (RegisterOutcome, error) {
	if metadata.IsNull() {
		return RegisterOutcome{}, relayError(ErrCodeInvalidRegistration, "metadata is required")
	}
	if size := metadata.encodedSize(); size > MaxMetadataBytes {
		return RegisterOutcome{}, relayError(ErrCodeInvalidRegistration,
			"metadata is %d bytes, limit %d", size, MaxMetadataBytes)
	}
	if size := uiSchema.encodedSize(); size > MaxMetadataBytes {
		return RegisterOutcome{}, relayError(ErrCodeInvalidRegistration,
			"ui_schema is %d bytes, limit %d", size, MaxMetadataBytes)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()

	if resumeToken != "" {
		tokenHash := hashResumeToken(resumeToken)
		if existing := r.findResumableLocked(tokenHash, now); existing != nil {
			existing.state = SessionActive
			existing.deadline = time.Time{}
			// Fresh registration data wins: the producer may have
			// upgraded its schema between runs.
			existing.metadata = metadata
			existing.uiSchema = uiSchema
			r.logger.Info("session resumed", "session_id", existing.id)
			return RegisterOutcome{
				SessionID: existing.id,
				Resumed:   true,
				Summary:   existing.summary(),
			}, nil
		}
	}

	newSession := &session{
		id:        uuid.NewString(),
		metadata:  metadata,
		uiSchema:  uiSchema,
		dataRing:  newRing[Value](r.dataCapacity),
		logRing:   newRing[LogPayload](r.logCapacity),
		state:     SessionActive,
		startedAt: now,
	}
	if resumeToken != "" {
		newSession.resumeHash = hashResumeToken(resumeToken)
		newSession.resumable = true
	}
	r.sessions[newSession.id] = newSession
	r.logger.Info("session registered", "session_id", newSession.id)
	return RegisterOutcome{
		SessionID: newSession.id,
		Summary:   newSession.summary(),
	}, nil
}

// findResumableLocked returns the disconnected session whose resume
// hash matches and whose cooldown has not expired, or nil.
func (r *Registry) findResumableLocked(tokenHash resumeHash, now time.Time) *session {
	for _, s := range r.sessions {
		if s.state != SessionDisconnected || !s.resumable {
			continue
		}
		if now.After(s.deadline) {
			continue
		}
		if subtle.ConstantTimeCompare(s.resumeHash[:], tokenHash[:]) == 1 {
			return s
		}
	}
	return nil
}

// End finishes a session explicitly. The session stays visible until
// its TTL elapses so dashboards can show final state. Returns the
// final summary and true, or false for an unknown session.
func (r *Registry) End(sessionID string) (SessionSummary, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok || s.state == SessionEnded {
		return SessionSummary{}, false
	}
	now := r.clock.Now()
	s.state = SessionEnded
	s.endedAt = now
	s.deadline = now.Add(r.endedTTL)
	r.logger.Info("session ended", "session_id", sessionID)
	return s.summary(), true
}

// MarkDisconnected records the loss of a session's producer
// connection and starts the resume cooldown. A session registered
// without a resume token cannot be reclaimed, so it is ended
// immediately instead; the returned summary and true indicate a
// transition to Ended that the router must broadcast.
func (r *Registry) MarkDisconnected(sessionID string) (SessionSummary, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok || s.state != SessionActive {
		return SessionSummary{}, false
	}
	now := r.clock.Now()
	if !s.resumable {
		s.state = SessionEnded
		s.endedAt = now
		s.deadline = now.Add(r.endedTTL)
		r.logger.Info("session ended (no resume token)", "session_id", sessionID)
		return s.summary(), true
	}
	s.state = SessionDisconnected
	s.deadline = now.Add(r.resumeCooldown)
	r.logger.Info("session disconnected, resume window open",
		"session_id", sessionID, "cooldown", r.resumeCooldown)
	return SessionSummary{}, false
}

// AppendData pushes a telemetry payload into the session's data ring
// and overwrites the latest snapshot. Unknown sessions are logged and
// ignored: the producer may have raced a purge.
func (r *Registry) AppendData(sessionID string, payload Value) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		r.logger.Debug("data for unknown session dropped", "session_id", sessionID)
		return
	}
	s.latestSnapshot = payload
	s.dataRing.push(payload)
}

// AppendLog pushes a log entry into the session's log ring, stamping
// it with arrival time. Unknown sessions are logged and ignored.
func (r *Registry) AppendLog(sessionID string, entry LogPayload) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		r.logger.Debug("log for unknown session dropped", "session_id", sessionID)
		return
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = r.clock.Now()
	}
	s.logRing.push(entry)
}

// SnapshotAll returns a summary of every non-purged session, for
// building SYNC.
func (r *Registry) SnapshotAll() []SessionSummary {
	r.mu.Lock()
	defer r.mu.Unlock()

	summaries := make([]SessionSummary, 0, len(r.sessions))
	for _, s := range r.sessions {
		summaries = append(summaries, s.summary())
	}
	return summaries
}

// Has reports whether a session exists and is not purged.
func (r *Registry) Has(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sessions[sessionID]
	return ok
}

// Sweep advances lifecycle deadlines: disconnected sessions past
// their cooldown transition to Ended (their summaries are returned so
// the router can broadcast SESSION_ENDED), and ended sessions past
// their TTL are purged.
func (r *Registry) Sweep() []SessionSummary {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	var ended []SessionSummary
	for id, s := range r.sessions {
		switch s.state {
		case SessionDisconnected:
			if now.After(s.deadline) {
				s.state = SessionEnded
				s.endedAt = now
				s.deadline = now.Add(r.endedTTL)
				ended = append(ended, s.summary())
				r.logger.Info("session ended (resume window expired)", "session_id", id)
			}
		case SessionEnded:
			if now.After(s.deadline) {
				delete(r.sessions, id)
				r.logger.Info("session purged", "session_id", id)
			}
		}
	}
	return ended
}
