package identity

import (
	"testing"
	"time"
)

func TestGetSocialIdentityDefaultNotInserted(t *testing.T) {
	s := NewIdentityStore(newMemStore())
	fp := Fingerprint("abc123")

	id := s.GetSocialIdentity(fp)
	if id.Fingerprint != fp || id.TrustLevel != TrustUnknown || id.IsFavorite || id.IsBlocked {
		t.Fatalf("unexpected default identity: %+v", id)
	}

	// Getting it again must still be the same default: a bare Get must
	// never upsert.
	again := s.GetSocialIdentity(fp)
	if again != id {
		t.Fatalf("default identity changed across reads: %+v vs %+v", id, again)
	}
}

func TestUpdateSocialIdentityMaintainsNicknameIndex(t *testing.T) {
	s := NewIdentityStore(newMemStore())
	fp := Fingerprint("fp-1")

	s.UpdateSocialIdentity(SocialIdentity{Fingerprint: fp, ClaimedNickname: "alice"})

	got, ok := s.FindByNickname("alice")
	if !ok || got != fp {
		t.Fatalf("FindByNickname(alice) = (%v, %v), want (%v, true)", got, ok, fp)
	}

	// Renaming must drop the old index entry.
	s.UpdateSocialIdentity(SocialIdentity{Fingerprint: fp, ClaimedNickname: "alice2"})
	if _, ok := s.FindByNickname("alice"); ok {
		t.Fatalf("old nickname alice should no longer resolve")
	}
	if got, ok := s.FindByNickname("alice2"); !ok || got != fp {
		t.Fatalf("FindByNickname(alice2) = (%v, %v), want (%v, true)", got, ok, fp)
	}
}

// TestUpdateSocialIdentitySyncsVerifiedFingerprints covers spec.md §3's
// consistency invariant outside the SetVerified path: an incoming
// identity (e.g. restored from a peer's own announcement) that already
// carries TrustLevel==TrustVerified must be reflected in
// verifiedFingerprints immediately, and a later update that downgrades
// trust must remove it again.
func TestUpdateSocialIdentitySyncsVerifiedFingerprints(t *testing.T) {
	s := NewIdentityStore(newMemStore())
	fp := Fingerprint("fp-sync")

	s.UpdateSocialIdentity(SocialIdentity{Fingerprint: fp, TrustLevel: TrustVerified})
	if !s.IsVerified(fp) {
		t.Fatalf("expected fp to be verified after an upsert carrying TrustVerified")
	}

	s.UpdateSocialIdentity(SocialIdentity{Fingerprint: fp, TrustLevel: TrustCasual})
	if s.IsVerified(fp) {
		t.Fatalf("expected fp to no longer be verified after downgrading trust via UpdateSocialIdentity")
	}
}

// TestBlockClearsFavorite covers spec.md P8 / scenario 6.
func TestBlockClearsFavorite(t *testing.T) {
	s := NewIdentityStore(newMemStore())
	fp := Fingerprint("fp-block")

	s.SetFavorite(fp, true)
	s.SetBlocked(fp, true)

	id := s.GetSocialIdentity(fp)
	if id.IsFavorite {
		t.Fatalf("IsFavorite = true, want false after blocking")
	}
	if !id.IsBlocked {
		t.Fatalf("IsBlocked = false, want true")
	}
}

// TestBlockedThenFavoriteDoesNotUnblock exercises P8 from the other
// mutation order: favoriting after a block must not silently unblock.
func TestBlockedThenFavoriteDoesNotUnblock(t *testing.T) {
	s := NewIdentityStore(newMemStore())
	fp := Fingerprint("fp-order")

	s.SetBlocked(fp, true)
	s.SetFavorite(fp, true)

	id := s.GetSocialIdentity(fp)
	if !id.IsBlocked {
		t.Fatalf("IsBlocked = false, want true")
	}
	// P8 holds after any sequence of mutations: favoriting a blocked
	// identity leaves it non-favorite.
	if id.IsFavorite {
		t.Fatalf("IsFavorite = true, want false (blocked identity must not be favorite)")
	}
}

func TestSetVerifiedTogglesTrustLevel(t *testing.T) {
	s := NewIdentityStore(newMemStore())
	fp := Fingerprint("fp-verify")

	s.SetVerified(fp, true)
	if !s.IsVerified(fp) {
		t.Fatalf("expected fp to be verified")
	}
	if got := s.GetSocialIdentity(fp).TrustLevel; got != TrustVerified {
		t.Fatalf("TrustLevel = %v, want Verified", got)
	}

	s.SetVerified(fp, false)
	if s.IsVerified(fp) {
		t.Fatalf("expected fp to no longer be verified")
	}
	if got := s.GetSocialIdentity(fp).TrustLevel; got != TrustCasual {
		t.Fatalf("TrustLevel = %v, want Casual after un-verifying", got)
	}
}

func TestEphemeralSessionLifecycle(t *testing.T) {
	s := NewIdentityStore(newMemStore())
	peerID := "peer-xyz"
	fp := Fingerprint("fp-ephemeral")

	s.RegisterEphemeralSession(peerID)
	sess, ok := s.GetEphemeralSession(peerID)
	if !ok || sess.HandshakeState != EphemeralPending {
		t.Fatalf("expected pending session, got %+v (ok=%v)", sess, ok)
	}

	s.UpdateHandshakeState(peerID, EphemeralCompleted, fp)
	sess, ok = s.GetEphemeralSession(peerID)
	if !ok || sess.HandshakeState != EphemeralCompleted || sess.Fingerprint != fp {
		t.Fatalf("expected completed session bound to %v, got %+v", fp, sess)
	}

	s.RemoveEphemeralSession(peerID)
	if _, ok := s.GetEphemeralSession(peerID); ok {
		t.Fatalf("session should have been removed")
	}
}

func TestSaveIsDebouncedAndLoadsBack(t *testing.T) {
	store := newMemStore()
	fixedNow := time.Now()

	s := NewIdentityStore(store)
	s.now = func() time.Time { return fixedNow }
	s.lastSave = fixedNow

	fp := Fingerprint("fp-persist")
	s.SetFavorite(fp, true)

	// Immediately after a mutation, the debounce timer hasn't fired yet,
	// so the store's raw bytes should still be absent.
	if _, err := store.Load(identityCacheKey); err != ErrStoreMiss {
		t.Fatalf("expected no save yet (debounced), got err=%v", err)
	}

	s.Flush()
	raw, err := store.Load(identityCacheKey)
	if err != nil {
		t.Fatalf("Load after Flush: %v", err)
	}
	if len(raw) == 0 {
		t.Fatalf("expected non-empty persisted bytes")
	}

	// A fresh store constructed against the same backing store should
	// recover the favorite flag.
	s2 := NewIdentityStore(store)
	if !s2.GetSocialIdentity(fp).IsFavorite {
		t.Fatalf("reloaded store did not recover favorite flag")
	}
}

func TestPersistErrorDoesNotCrashAndPreservesState(t *testing.T) {
	store := newMemStore()
	store.failSave = true

	var gotErr error
	s := NewIdentityStore(store)
	s.SetPersistErrorHandler(func(err error) { gotErr = err })

	fp := Fingerprint("fp-saveerr")
	s.SetFavorite(fp, true)
	s.Flush()

	if gotErr == nil {
		t.Fatalf("expected a PersistError to be reported")
	}
	if _, ok := gotErr.(*PersistError); !ok {
		t.Fatalf("expected *PersistError, got %T", gotErr)
	}

	// In-memory state must survive the failed save.
	if !s.GetSocialIdentity(fp).IsFavorite {
		t.Fatalf("in-memory favorite flag lost after failed persist")
	}
}

func TestNewIdentityStoreWithMissingKeyStartsEmpty(t *testing.T) {
	s := NewIdentityStore(newMemStore())
	if len(s.cache.SocialIdentities) != 0 {
		t.Fatalf("expected empty cache on fresh store")
	}
}
