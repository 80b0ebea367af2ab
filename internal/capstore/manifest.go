package capstore

import (
	"time"

	"capsulemesh/internal/capsule"
)

// Manifest returns a freshly signed manifest listing every currently-fresh
// capsule this store holds, ordered by created_at ascending.
func (s *Store) Manifest(sourceID string, signPriv []byte) (capsule.Manifest, error) {
	fresh := s.FreshCapsules()
	m := capsule.NewManifest(sourceID, fresh, time.Now().UTC())
	return capsule.SignManifest(m, signPriv)
}
