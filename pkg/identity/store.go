// Package identity implements the IdentityStore: the persistent social
// trust layer described in spec.md §4.5 — cached SocialIdentity records,
// a verified-fingerprint set, and the transient EphemeralSession table
// keyed by peerID. Grounded on pkg/storage/contacts.go's contact CRUD
// shape, adapted from per-row SQL to a single versioned blob per §4.5's
// "persisted as a single blob" requirement.
package identity

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

// Fingerprint identifies a peer's long-term identity, independent of the
// transient peerID used on the wire. In this implementation it is the
// hex-encoded SHA-256 of the peer's Noise static public key.
type Fingerprint string

// TrustLevel mirrors spec.md §4.5's SocialIdentity.trustLevel domain.
type TrustLevel int

const (
	TrustUnknown TrustLevel = iota
	TrustCasual
	TrustTrusted
	TrustVerified
)

func (t TrustLevel) String() string {
	switch t {
	case TrustUnknown:
		return "Unknown"
	case TrustCasual:
		return "Casual"
	case TrustTrusted:
		return "Trusted"
	case TrustVerified:
		return "Verified"
	default:
		return "Unknown"
	}
}

// SocialIdentity is the persisted, per-fingerprint trust record, per
// spec.md §4.2/§4.5. Invariant: IsBlocked ⇒ ¬IsFavorite.
type SocialIdentity struct {
	Fingerprint     Fingerprint
	LocalPetname    string
	ClaimedNickname string
	TrustLevel      TrustLevel
	IsFavorite      bool
	IsBlocked       bool
	Notes           string
}

// HandshakeState is the ephemeral session's own lifecycle marker —
// coarser than noisesession.State, tracking only what the identity layer
// needs to know: whether a fingerprint has been bound to this peerID yet.
type HandshakeState int

const (
	EphemeralPending HandshakeState = iota
	EphemeralCompleted
	EphemeralFailed
)

// EphemeralSession is keyed by a transient peerID (spec.md §4.2): it does
// not survive a reconnect under a new peerID, but the fingerprint it
// captures at handshake completion does, via lastInteractions.
type EphemeralSession struct {
	PeerID         string
	SessionStart   time.Time
	HandshakeState HandshakeState
	Fingerprint    Fingerprint // empty until HandshakeState reaches Completed
}

// identityCache is the versioned blob persisted under the "identity_cache"
// key, per spec.md §4.2's IdentityCache type.
type identityCache struct {
	Version              int                         `json:"version"`
	SocialIdentities      map[Fingerprint]SocialIdentity `json:"social_identities"`
	VerifiedFingerprints map[Fingerprint]struct{}       `json:"verified_fingerprints"`
	LastInteractions     map[Fingerprint]int64          `json:"last_interactions"` // unix seconds
}

func newIdentityCache() *identityCache {
	return &identityCache{
		Version:              1,
		SocialIdentities:      make(map[Fingerprint]SocialIdentity),
		VerifiedFingerprints: make(map[Fingerprint]struct{}),
		LastInteractions:     make(map[Fingerprint]int64),
	}
}

// PersistError wraps a storage adapter failure. Per spec.md §4.5/§7 it
// must never crash the caller: in-memory state stays authoritative and
// the next mutation retries the save.
type PersistError struct {
	Op  string
	Err error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("identity: persist error during %s: %v", e.Op, e.Err)
}

func (e *PersistError) Unwrap() error { return e.Err }

const identityCacheKey = "identity_cache"

// debounceInterval bounds save-on-mutate to at most once per window, per
// spec.md §4.5 ("coalesced to at most once per 250 ms").
const debounceInterval = 250 * time.Millisecond

// Store is a KV byte-blob persistence adapter, per spec.md §6's
// Persistence adapter interface (load/store/remove by key).
type Store interface {
	Load(key string) ([]byte, error)
	Save(key string, value []byte) error
	Remove(key string) error
}

// ErrStoreMiss is returned by a Store.Load implementation when key does
// not exist; IdentityStore treats it as "start from an empty cache."
var ErrStoreMiss = errors.New("identity: key not found in store")

// IdentityStore owns the IdentityCache exclusively: external callers see
// copies, never references into the cache's maps (spec.md §3).
type IdentityStore struct {
	mu    sync.Mutex
	store Store
	cache *identityCache

	nicknameIndex map[string]Fingerprint // claimedNickname -> fingerprint, for O(1) lookup

	ephemeral map[string]*EphemeralSession // peerID -> session

	now func() time.Time

	pendingSave bool
	lastSave    time.Time
	saveTimer   *time.Timer
	onPersistErr func(error)
}

// NewIdentityStore constructs an IdentityStore, loading the cache from
// store if present (load-on-construct per spec.md §4.5). A load failure
// is treated as PersistError and the store starts from an empty cache —
// it must never prevent construction.
func NewIdentityStore(store Store) *IdentityStore {
	s := &IdentityStore{
		store:         store,
		cache:         newIdentityCache(),
		nicknameIndex: make(map[string]Fingerprint),
		ephemeral:     make(map[string]*EphemeralSession),
		now:           time.Now,
	}

	raw, err := store.Load(identityCacheKey)
	switch {
	case errors.Is(err, ErrStoreMiss):
		// Fresh install: empty cache is correct.
	case err != nil:
		s.reportPersistError("load", err)
	default:
		var c identityCache
		if jsonErr := json.Unmarshal(raw, &c); jsonErr != nil {
			s.reportPersistError("load:unmarshal", jsonErr)
		} else {
			s.cache = &c
			s.rebuildNicknameIndex()
		}
	}

	return s
}

// SetPersistErrorHandler installs a callback invoked whenever a save or
// load fails. Optional; defaults to a log.Printf.
func (s *IdentityStore) SetPersistErrorHandler(fn func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onPersistErr = fn
}

func (s *IdentityStore) reportPersistError(op string, err error) {
	pe := &PersistError{Op: op, Err: err}
	if s.onPersistErr != nil {
		s.onPersistErr(pe)
		return
	}
	log.Printf("⚠️  %v", pe)
}

func (s *IdentityStore) rebuildNicknameIndex() {
	s.nicknameIndex = make(map[string]Fingerprint, len(s.cache.SocialIdentities))
	for fp, id := range s.cache.SocialIdentities {
		if id.ClaimedNickname != "" {
			s.nicknameIndex[id.ClaimedNickname] = fp
		}
	}
}

// GetSocialIdentity returns the stored identity for fp, or a default
// {fp, "", "Unknown", Unknown, false, false, ""} if none exists — per
// spec.md §4.5, the default is NOT inserted into the cache.
func (s *IdentityStore) GetSocialIdentity(fp Fingerprint) SocialIdentity {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.cache.SocialIdentities[fp]; ok {
		return id
	}
	return SocialIdentity{
		Fingerprint:     fp,
		LocalPetname:    "",
		ClaimedNickname: "Unknown",
		TrustLevel:      TrustUnknown,
		IsFavorite:      false,
		IsBlocked:       false,
		Notes:           "",
	}
}

// UpdateSocialIdentity upserts id, maintaining the nickname index and the
// verifiedFingerprints set, and schedules a debounced save. Per spec.md
// §3, verifiedFingerprints is redundant with trustLevel==Verified and
// must be kept consistent on every path that can change either one, not
// just through SetVerified.
func (s *IdentityStore) UpdateSocialIdentity(id SocialIdentity) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.cache.SocialIdentities[id.Fingerprint]; ok && old.ClaimedNickname != "" {
		delete(s.nicknameIndex, old.ClaimedNickname)
	}
	s.cache.SocialIdentities[id.Fingerprint] = id
	if id.ClaimedNickname != "" {
		s.nicknameIndex[id.ClaimedNickname] = id.Fingerprint
	}
	if id.TrustLevel == TrustVerified {
		s.cache.VerifiedFingerprints[id.Fingerprint] = struct{}{}
	} else {
		delete(s.cache.VerifiedFingerprints, id.Fingerprint)
	}
	s.scheduleSaveLocked()
}

// FindByNickname returns the fingerprint claiming nickname, if any.
func (s *IdentityStore) FindByNickname(nickname string) (Fingerprint, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fp, ok := s.nicknameIndex[nickname]
	return fp, ok
}

// SetFavorite sets the favorite flag for fp, creating a default identity
// first if none exists. A blocked identity stays non-favorite, preserving
// IsBlocked ⇒ ¬IsFavorite (P8).
func (s *IdentityStore) SetFavorite(fp Fingerprint, favorite bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.getOrDefaultLocked(fp)
	id.IsFavorite = favorite && !id.IsBlocked
	s.cache.SocialIdentities[fp] = id
	s.scheduleSaveLocked()
}

// SetBlocked sets the blocked flag for fp. Blocking forcibly clears
// IsFavorite, preserving the invariant IsBlocked ⇒ ¬IsFavorite (P8).
func (s *IdentityStore) SetBlocked(fp Fingerprint, blocked bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.getOrDefaultLocked(fp)
	id.IsBlocked = blocked
	if blocked {
		id.IsFavorite = false
	}
	s.cache.SocialIdentities[fp] = id
	s.scheduleSaveLocked()
}

// SetVerified updates both the verifiedFingerprints set membership and
// trustLevel (toggling between Verified and Casual), per spec.md §4.5.
func (s *IdentityStore) SetVerified(fp Fingerprint, verified bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.getOrDefaultLocked(fp)
	if verified {
		s.cache.VerifiedFingerprints[fp] = struct{}{}
		id.TrustLevel = TrustVerified
	} else {
		delete(s.cache.VerifiedFingerprints, fp)
		if id.TrustLevel == TrustVerified {
			id.TrustLevel = TrustCasual
		}
	}
	s.cache.SocialIdentities[fp] = id
	s.scheduleSaveLocked()
}

// IsVerified reports whether fp is a member of the verified set.
func (s *IdentityStore) IsVerified(fp Fingerprint) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.cache.VerifiedFingerprints[fp]
	return ok
}

func (s *IdentityStore) getOrDefaultLocked(fp Fingerprint) SocialIdentity {
	if id, ok := s.cache.SocialIdentities[fp]; ok {
		return id
	}
	return SocialIdentity{Fingerprint: fp, TrustLevel: TrustUnknown}
}

// RegisterEphemeralSession begins tracking a session for peerID.
func (s *IdentityStore) RegisterEphemeralSession(peerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ephemeral[peerID] = &EphemeralSession{
		PeerID:         peerID,
		SessionStart:   s.now(),
		HandshakeState: EphemeralPending,
	}
}

// UpdateHandshakeState transitions the session for peerID. On a
// transition to Completed, fp is recorded into the session and
// lastInteractions[fp] is stamped with the current time, per spec.md
// §4.5 and the "ephemeral-session keys are peerIDs that change" design
// note in §9: the fingerprint is what carries identity forward.
func (s *IdentityStore) UpdateHandshakeState(peerID string, state HandshakeState, fp Fingerprint) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.ephemeral[peerID]
	if !ok {
		sess = &EphemeralSession{PeerID: peerID, SessionStart: s.now()}
		s.ephemeral[peerID] = sess
	}
	sess.HandshakeState = state
	if state == EphemeralCompleted && fp != "" {
		sess.Fingerprint = fp
		s.cache.LastInteractions[fp] = s.now().Unix()
		s.scheduleSaveLocked()
	}
}

// RemoveEphemeralSession forgets peerID's session entirely.
func (s *IdentityStore) RemoveEphemeralSession(peerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ephemeral, peerID)
}

// GetEphemeralSession returns a copy of peerID's session, if any.
func (s *IdentityStore) GetEphemeralSession(peerID string) (EphemeralSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.ephemeral[peerID]
	if !ok {
		return EphemeralSession{}, false
	}
	return *sess, true
}

// scheduleSaveLocked coalesces saves to at most once per debounceInterval.
// Must be called with s.mu held.
func (s *IdentityStore) scheduleSaveLocked() {
	s.pendingSave = true
	if s.saveTimer != nil {
		return // already scheduled
	}
	elapsed := s.now().Sub(s.lastSave)
	delay := debounceInterval - elapsed
	if delay < 0 {
		delay = 0
	}
	s.saveTimer = time.AfterFunc(delay, s.flush)
}

// flush performs the actual save. Runs off the debounce timer (or is
// called directly by Flush), so it re-acquires the lock itself.
func (s *IdentityStore) flush() {
	s.mu.Lock()
	if !s.pendingSave {
		s.saveTimer = nil
		s.mu.Unlock()
		return
	}
	raw, err := json.Marshal(s.cache)
	s.pendingSave = false
	s.saveTimer = nil
	s.lastSave = s.now()
	s.mu.Unlock()

	if err != nil {
		s.reportPersistError("marshal", err)
		return
	}
	if err := s.store.Save(identityCacheKey, raw); err != nil {
		s.reportPersistError("save", err)
	}
}

// Flush forces an immediate save, bypassing the debounce window. Useful
// on clean shutdown.
func (s *IdentityStore) Flush() {
	s.mu.Lock()
	if s.saveTimer != nil {
		s.saveTimer.Stop()
		s.saveTimer = nil
	}
	s.mu.Unlock()
	s.flush()
}
