package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Latticeworks1/bitchat/pkg/identity"
	"github.com/Latticeworks1/bitchat/pkg/node"
	"github.com/Latticeworks1/bitchat/pkg/transport"
	"github.com/Latticeworks1/bitchat/pkg/wire"
)

type memStore struct{ data map[string][]byte }

func newMemStore() *memStore { return &memStore{data: make(map[string][]byte)} }

func (m *memStore) Load(key string) ([]byte, error) {
	v, ok := m.data[key]
	if !ok {
		return nil, identity.ErrStoreMiss
	}
	return v, nil
}
func (m *memStore) Save(key string, value []byte) error {
	m.data[key] = append([]byte(nil), value...)
	return nil
}
func (m *memStore) Remove(key string) error { delete(m.data, key); return nil }

func newTestServer(t *testing.T) *Server {
	t.Helper()
	medium := transport.NewMedium(0)
	var id wire.PeerID
	id[0] = 0x01
	n, err := node.New(node.Config{
		MyPeerID:  id,
		Nickname:  "alice",
		Store:     newMemStore(),
		Transport: medium.Join(id),
	})
	require.NoError(t, err)
	return NewServer(n, DefaultConfig())
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"ok"`)
}

func TestStatusEndpoint(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"nickname":"alice"`)
}

func TestPeersEndpointEmpty(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/peers", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"peers":[]`)
}

func TestIdentityEndpointDefaultsUnknown(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/identities/deadbeef", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"trust_level":"Unknown"`)
}
