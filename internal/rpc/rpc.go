// Package rpc implements spec.md §6.3's Extension RPC plus this
// project's supplemented status introspection: a HTTP server running
// on top of a unix domain control socket, generalized from the
// teacher's ctrlsock.go the same way spec.md §6.3 asks for ("message
// framing and transport are external; the core is transport-agnostic"
// — HTTP-over-unix-socket is the concrete choice, matching the
// teacher's own).
package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"strconv"

	"github.com/mtpusbd/mtpusbd/internal/index"
	"github.com/mtpusbd/mtpusbd/internal/mtperr"
)

// Backend is the narrow surface the RPC server dispatches onto; a
// cmd/mtpusbd wiring type implements it against the live device
// registry, index, and cache.
type Backend interface {
	List(domainID string, parentHandle *uint32) ([]index.Object, error)
	Materialize(domainID string, storageID, handle uint32) (string, error)
	CreateItem(domainID string, parentHandle uint32, name string, size uint64, sourcePath string) (uint32, error)
	ModifyItem(domainID string, handle uint32, newContentsPath string) error
	DeleteItem(domainID string, handle uint32) error
	Status() StatusReport
}

// StatusReport is the supplemented GET /status payload: attached
// devices, their quirk provenance, and active transfers, generalizing
// the teacher's status.go/ctrlsock.go pairing from one device to many.
type StatusReport struct {
	Devices []DeviceStatus `json:"devices"`
}

// DeviceStatus is one attached device's status line.
type DeviceStatus struct {
	DomainID       string   `json:"domainId"`
	DisplayName    string   `json:"displayName"`
	QuirkID        string   `json:"quirkId,omitempty"`
	QuirkStatus    string   `json:"quirkStatus,omitempty"`
	ActiveTransfer []string `json:"activeTransfers,omitempty"`
}

// Server is the control-socket HTTP server.
type Server struct {
	socketPath string
	backend    Backend
	httpSrv    *http.Server
}

// New builds a Server listening at socketPath once Start is called.
func New(socketPath string, backend Backend) *Server {
	s := &Server{socketPath: socketPath, backend: backend}
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/list", s.handleList)
	mux.HandleFunc("/materialize", s.handleMaterialize)
	mux.HandleFunc("/createItem", s.handleCreateItem)
	mux.HandleFunc("/modifyItem", s.handleModifyItem)
	mux.HandleFunc("/deleteItem", s.handleDeleteItem)

	s.httpSrv = &http.Server{
		Handler:  mux,
		ErrorLog: log.New(os.Stderr, "", 0),
	}
	return s
}

// Start removes any stale socket file, listens, and serves in the
// background. It returns once the listener is established.
func (s *Server) Start() error {
	os.Remove(s.socketPath)

	addr := &net.UnixAddr{Name: s.socketPath, Net: "unix"}
	listener, err := net.ListenUnix("unix", addr)
	if err != nil {
		return err
	}

	// World-writable so any local extension process can reach it; the
	// directory it lives in is what actually restricts access.
	os.Chmod(s.socketPath, 0777)

	go s.httpSrv.Serve(listener)
	return nil
}

// Stop closes the listener and any in-flight connections.
func (s *Server) Stop() error {
	return s.httpSrv.Close()
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r)
		return
	}
	writeJSON(w, http.StatusOK, s.backend.Status())
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r)
		return
	}

	domainID := r.URL.Query().Get("domainId")
	if domainID == "" {
		http.Error(w, "domainId is required", http.StatusBadRequest)
		return
	}

	var parent *uint32
	if raw := r.URL.Query().Get("parentHandle"); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			http.Error(w, "parentHandle must be a uint32", http.StatusBadRequest)
			return
		}
		h := uint32(v)
		parent = &h
	}

	rows, err := s.backend.List(domainID, parent)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

type materializeRequest struct {
	DomainID  string `json:"domainId"`
	StorageID uint32 `json:"storageId"`
	Handle    uint32 `json:"handle"`
}

func (s *Server) handleMaterialize(w http.ResponseWriter, r *http.Request) {
	var req materializeRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	path, err := s.backend.Materialize(req.DomainID, req.StorageID, req.Handle)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"localPath": path})
}

type createItemRequest struct {
	DomainID     string `json:"domainId"`
	ParentHandle uint32 `json:"parentHandle"`
	Name         string `json:"name"`
	Size         uint64 `json:"size"`
	SourcePath   string `json:"sourcePath"`
}

func (s *Server) handleCreateItem(w http.ResponseWriter, r *http.Request) {
	var req createItemRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	handle, err := s.backend.CreateItem(req.DomainID, req.ParentHandle, req.Name, req.Size, req.SourcePath)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint32{"handle": handle})
}

type modifyItemRequest struct {
	DomainID        string `json:"domainId"`
	Handle          uint32 `json:"handle"`
	NewContentsPath string `json:"newContentsPath"`
}

func (s *Server) handleModifyItem(w http.ResponseWriter, r *http.Request) {
	var req modifyItemRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if err := s.backend.ModifyItem(req.DomainID, req.Handle, req.NewContentsPath); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type deleteItemRequest struct {
	DomainID string `json:"domainId"`
	Handle   uint32 `json:"handle"`
}

func (s *Server) handleDeleteItem(w http.ResponseWriter, r *http.Request) {
	var req deleteItemRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if err := s.backend.DeleteItem(req.DomainID, req.Handle); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	http.Error(w, r.Method+": method not supported", http.StatusMethodNotAllowed)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r)
		return false
	}
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "malformed request body: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps spec.md §7's error taxonomy onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	http.Error(w, errorBody(err), errorStatus(err))
}

func errorBody(err error) string {
	if s := mtperr.Suggestion(err); s != "" {
		return fmt.Sprintf("%s (%s)", err.Error(), s)
	}
	return err.Error()
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, mtperr.ErrObjectNotFound):
		return http.StatusNotFound
	case errors.Is(err, mtperr.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, mtperr.ErrWriteProtected), errors.Is(err, mtperr.ErrReadOnly), errors.Is(err, mtperr.ErrStorageFull):
		return http.StatusConflict
	case errors.Is(err, mtperr.ErrDeviceDisconnected), errors.Is(err, mtperr.ErrBusy), errors.Is(err, mtperr.ErrTimeout):
		return http.StatusServiceUnavailable
	}

	var ns *mtperr.NotSupportedError
	if errors.As(err, &ns) {
		return http.StatusNotImplemented
	}
	var pf *mtperr.PreconditionFailedError
	if errors.As(err, &pf) {
		return http.StatusPreconditionFailed
	}
	var te *mtperr.TransportError
	if errors.As(err, &te) {
		return http.StatusServiceUnavailable
	}

	return http.StatusInternalServerError
}
