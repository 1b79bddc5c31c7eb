package keymanagerapi

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/attestantio/go-eth2-client/spec/phase0"
	"github.com/stretchr/testify/require"

	"github.com/serenita-org/vero/internal/registry"
	"github.com/serenita-org/vero/internal/storage"
)

type fakeImporter struct{ imported map[string]string }

func (f *fakeImporter) ImportRemoteKey(pk phase0.BLSPubKey, url string) error {
	f.imported[pk.String()] = url
	return nil
}
func (f *fakeImporter) RemoveKey(pk phase0.BLSPubKey) error {
	delete(f.imported, pk.String())
	return nil
}

func newTestServer(t *testing.T) (*Server, *registry.Registry) {
	dir := t.TempDir()
	store, err := storage.Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	reg := registry.New(registry.Defaults{GasLimit: 30_000_000})
	srv := New("secret-token", reg, store, &fakeImporter{imported: map[string]string{}}, nil)
	return srv, reg
}

func TestRejectsWithoutBearerToken(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/eth/v1/remotekeys", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestFeeRecipientRoundTrip(t *testing.T) {
	srv, reg := newTestServer(t)
	pk := phase0.BLSPubKey{0x01}
	reg.Seed([]phase0.BLSPubKey{pk})

	body := bytes.NewBufferString(`{"ethaddress":"0x00000000000000000000000000000000000000aa"}`)
	req := httptest.NewRequest(http.MethodPost, "/eth/v1/validator/"+pk.String()+"/feerecipient", body)
	req.Header.Set("Authorization", "Bearer secret-token")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)

	addr := reg.FeeRecipient(pk)
	require.Equal(t, byte(0xaa), addr[19])
}
