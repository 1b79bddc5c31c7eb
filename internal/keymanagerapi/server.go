// Package keymanagerapi implements the Keymanager collaborator HTTP
// surface from spec.md §6: list/import/delete remote keys, per-validator
// fee-recipient/graffiti/gas-limit overrides, and voluntary-exit
// requests. Bearer-token auth is grounded on the teacher's
// validator/rpc/auth.go (hash-and-compare a secret before issuing
// access), adapted from a login-session JWT flow to the Remote-Signer
// API's simpler static bearer token read from disk.
package keymanagerapi

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/attestantio/go-eth2-client/spec/phase0"
	"github.com/sirupsen/logrus"

	"github.com/serenita-org/vero/internal/registry"
	"github.com/serenita-org/vero/internal/storage"
)

var errFormat = errors.New("malformed pubkey, expected 0x-prefixed 48-byte hex")

var log = logrus.WithField("prefix", "keymanagerapi")

// RemoteKeyImporter adds a managed key backed by a remote signer.
type RemoteKeyImporter interface {
	ImportRemoteKey(pubkey phase0.BLSPubKey, signerURL string) error
	RemoveKey(pubkey phase0.BLSPubKey) error
}

// VoluntaryExitIssuer signs and publishes a one-shot VoluntaryExit for a
// Keymanager-managed pubkey, per spec.md §4.D/§6. epoch of zero means
// "use the current epoch".
type VoluntaryExitIssuer interface {
	IssueVoluntaryExit(ctx context.Context, pubkey phase0.BLSPubKey, epoch phase0.Epoch) (*phase0.SignedVoluntaryExit, error)
}

// Server is the Keymanager collaborator's HTTP surface.
type Server struct {
	token    string
	registry *registry.Registry
	store    *storage.Store
	importer RemoteKeyImporter
	exits    VoluntaryExitIssuer
	mux      *http.ServeMux
}

// New builds a Server authenticated with token (read from
// <data-dir>/keymanager-api-token.txt).
func New(token string, reg *registry.Registry, store *storage.Store, importer RemoteKeyImporter, exits VoluntaryExitIssuer) *Server {
	s := &Server{token: token, registry: reg, store: store, importer: importer, exits: exits, mux: http.NewServeMux()}
	s.mux.HandleFunc("/eth/v1/remotekeys", s.handleRemoteKeys)
	s.mux.HandleFunc("/eth/v1/validator/", s.handleValidatorSettings)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.authenticate(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	s.mux.ServeHTTP(w, r)
}

func (s *Server) authenticate(r *http.Request) bool {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	return strings.TrimPrefix(header, prefix) == s.token
}

type remoteKeyEntry struct {
	Pubkey    string `json:"pubkey"`
	URL       string `json:"url"`
	Readonly  bool   `json:"readonly,omitempty"`
}

func (s *Server) handleRemoteKeys(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.listRemoteKeys(w)
	case http.MethodPost:
		s.importRemoteKeys(w, r)
	case http.MethodDelete:
		s.deleteRemoteKeys(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) listRemoteKeys(w http.ResponseWriter) {
	entries, err := s.store.ListRemoteKeys()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	out := make([]remoteKeyEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, remoteKeyEntry{Pubkey: e.PubkeyHex, URL: e.SignerURL})
	}
	writeJSON(w, struct {
		Data []remoteKeyEntry `json:"data"`
	}{Data: out})
}

func (s *Server) importRemoteKeys(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RemoteKeys []remoteKeyEntry `json:"remote_keys"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	for _, e := range req.RemoteKeys {
		pk, err := decodePubkey(e.Pubkey)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := s.importer.ImportRemoteKey(pk, e.URL); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if err := s.store.PutRemoteKey(storage.RemoteKeyEntry{PubkeyHex: e.Pubkey, SignerURL: e.URL}); err != nil {
			log.WithError(err).Warn("Could not persist imported remote key")
		}
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) deleteRemoteKeys(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Pubkeys []string `json:"pubkeys"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	for _, pubkeyHex := range req.Pubkeys {
		pk, err := decodePubkey(pubkeyHex)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := s.importer.RemoveKey(pk); err != nil {
			log.WithError(err).WithField("pubkey", pubkeyHex).Warn("Could not remove key")
		}
		if err := s.store.DeleteRemoteKey(pubkeyHex); err != nil {
			log.WithError(err).Warn("Could not delete persisted remote key")
		}
	}
	w.WriteHeader(http.StatusOK)
}

// handleValidatorSettings serves
// /eth/v1/validator/{pubkey}/feerecipient|graffiti|gas_limit, each
// supporting GET/POST per the Keymanager collaborator contract.
func (s *Server) handleValidatorSettings(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/eth/v1/validator/"), "/")
	if len(parts) != 2 {
		http.NotFound(w, r)
		return
	}
	pk, err := decodePubkey(parts[0])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	switch parts[1] {
	case "feerecipient":
		s.handleFeeRecipient(w, r, pk)
	case "graffiti":
		s.handleGraffiti(w, r, pk)
	case "gas_limit":
		s.handleGasLimit(w, r, pk)
	case "voluntary_exit":
		s.handleVoluntaryExit(w, r, pk)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleFeeRecipient(w http.ResponseWriter, r *http.Request, pk phase0.BLSPubKey) {
	if r.Method == http.MethodPost {
		var req struct {
			Ethaddress string `json:"ethaddress"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		addrBytes, err := hex.DecodeString(strings.TrimPrefix(req.Ethaddress, "0x"))
		if err != nil || len(addrBytes) != 20 {
			http.Error(w, "invalid ethaddress", http.StatusBadRequest)
			return
		}
		var addr [20]byte
		copy(addr[:], addrBytes)
		s.registry.SetOverrides(pk, registry.Overrides{FeeRecipient: &addr})
		w.WriteHeader(http.StatusAccepted)
		return
	}
	addr := s.registry.FeeRecipient(pk)
	writeJSON(w, struct {
		Data struct {
			Ethaddress string `json:"ethaddress"`
		} `json:"data"`
	}{Data: struct {
		Ethaddress string `json:"ethaddress"`
	}{Ethaddress: "0x" + hex.EncodeToString(addr[:])}})
}

func (s *Server) handleGraffiti(w http.ResponseWriter, r *http.Request, pk phase0.BLSPubKey) {
	if r.Method == http.MethodPost {
		var req struct {
			Graffiti string `json:"graffiti"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		var g [32]byte
		copy(g[:], req.Graffiti)
		s.registry.SetOverrides(pk, registry.Overrides{Graffiti: &g})
		w.WriteHeader(http.StatusAccepted)
		return
	}
	g := s.registry.Graffiti(pk)
	writeJSON(w, struct {
		Data struct {
			Graffiti string `json:"graffiti"`
		} `json:"data"`
	}{Data: struct {
		Graffiti string `json:"graffiti"`
	}{Graffiti: strings.TrimRight(string(g[:]), "\x00")}})
}

func (s *Server) handleGasLimit(w http.ResponseWriter, r *http.Request, pk phase0.BLSPubKey) {
	if r.Method == http.MethodPost {
		var req struct {
			GasLimit string `json:"gas_limit"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		limit, err := strconv.ParseUint(req.GasLimit, 10, 64)
		if err != nil {
			http.Error(w, "invalid gas_limit", http.StatusBadRequest)
			return
		}
		s.registry.SetOverrides(pk, registry.Overrides{GasLimit: &limit})
		w.WriteHeader(http.StatusAccepted)
		return
	}
	limit := s.registry.GasLimit(pk)
	writeJSON(w, struct {
		Data struct {
			GasLimit string `json:"gas_limit"`
		} `json:"data"`
	}{Data: struct {
		GasLimit string `json:"gas_limit"`
	}{GasLimit: strconv.FormatUint(limit, 10)}})
}

// handleVoluntaryExit implements POST
// /eth/v1/validator/{pubkey}/voluntary_exit, accepting an optional
// epoch query parameter (defaulting to the current epoch) and
// returning the signed, published exit message.
func (s *Server) handleVoluntaryExit(w http.ResponseWriter, r *http.Request, pk phase0.BLSPubKey) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var epoch phase0.Epoch
	if raw := r.URL.Query().Get("epoch"); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			http.Error(w, "invalid epoch", http.StatusBadRequest)
			return
		}
		epoch = phase0.Epoch(parsed)
	}
	signed, err := s.exits.IssueVoluntaryExit(r.Context(), pk, epoch)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, struct {
		Data *phase0.SignedVoluntaryExit `json:"data"`
	}{Data: signed})
}

func decodePubkey(s string) (phase0.BLSPubKey, error) {
	var pk phase0.BLSPubKey
	b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil || len(b) != len(pk) {
		return pk, errFormat
	}
	copy(pk[:], b)
	return pk, nil
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
