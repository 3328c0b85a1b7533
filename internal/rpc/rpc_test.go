package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/mtpusbd/mtpusbd/internal/index"
	"github.com/mtpusbd/mtpusbd/internal/mtperr"
)

type fakeBackend struct {
	listFn        func(domainID string, parent *uint32) ([]index.Object, error)
	materializeFn func(domainID string, storageID, handle uint32) (string, error)
	createFn      func(domainID string, parent uint32, name string, size uint64, src string) (uint32, error)
	modifyFn      func(domainID string, handle uint32, src string) error
	deleteFn      func(domainID string, handle uint32) error
	status        StatusReport
}

func (f *fakeBackend) List(domainID string, parent *uint32) ([]index.Object, error) {
	return f.listFn(domainID, parent)
}
func (f *fakeBackend) Materialize(domainID string, storageID, handle uint32) (string, error) {
	return f.materializeFn(domainID, storageID, handle)
}
func (f *fakeBackend) CreateItem(domainID string, parent uint32, name string, size uint64, src string) (uint32, error) {
	return f.createFn(domainID, parent, name, size, src)
}
func (f *fakeBackend) ModifyItem(domainID string, handle uint32, src string) error {
	return f.modifyFn(domainID, handle, src)
}
func (f *fakeBackend) DeleteItem(domainID string, handle uint32) error {
	return f.deleteFn(domainID, handle)
}
func (f *fakeBackend) Status() StatusReport { return f.status }

func startTestServer(t *testing.T, backend Backend) (*Server, *http.Client) {
	t.Helper()
	socketPath := filepath.Join(t.TempDir(), "ctrl.sock")
	srv := New(socketPath, backend)
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { srv.Stop() })

	client := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				return net.Dial("unix", socketPath)
			},
		},
		Timeout: 2 * time.Second,
	}
	return srv, client
}

func TestStatusReturnsBackendReport(t *testing.T) {
	backend := &fakeBackend{status: StatusReport{Devices: []DeviceStatus{{DomainID: "usb:1", DisplayName: "Phone"}}}}
	_, client := startTestServer(t, backend)

	resp, err := client.Get("http://unix/status")
	if err != nil {
		t.Fatalf("GET /status: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var got StatusReport
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got.Devices) != 1 || got.Devices[0].DomainID != "usb:1" {
		t.Fatalf("got = %+v", got)
	}
}

func TestListRequiresDomainID(t *testing.T) {
	backend := &fakeBackend{listFn: func(domainID string, parent *uint32) ([]index.Object, error) {
		return nil, nil
	}}
	_, client := startTestServer(t, backend)

	resp, err := client.Get("http://unix/list")
	if err != nil {
		t.Fatalf("GET /list: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestListParsesParentHandleAndReturnsRows(t *testing.T) {
	var gotDomain string
	var gotParent *uint32
	backend := &fakeBackend{listFn: func(domainID string, parent *uint32) ([]index.Object, error) {
		gotDomain = domainID
		gotParent = parent
		return []index.Object{{StorageID: 1, Handle: 10, Name: "a.jpg"}}, nil
	}}
	_, client := startTestServer(t, backend)

	resp, err := client.Get("http://unix/list?domainId=usb:1&parentHandle=5")
	if err != nil {
		t.Fatalf("GET /list: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if gotDomain != "usb:1" || gotParent == nil || *gotParent != 5 {
		t.Fatalf("backend saw domain=%q parent=%v", gotDomain, gotParent)
	}

	var rows []index.Object
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(rows) != 1 || rows[0].Name != "a.jpg" {
		t.Fatalf("rows = %+v", rows)
	}
}

func TestMaterializePostsAndReturnsPath(t *testing.T) {
	backend := &fakeBackend{materializeFn: func(domainID string, storageID, handle uint32) (string, error) {
		if domainID != "usb:1" || storageID != 1 || handle != 10 {
			t.Fatalf("unexpected args: %s %d %d", domainID, storageID, handle)
		}
		return "/var/cache/mtpusbd/usb1-1-10.bin", nil
	}}
	_, client := startTestServer(t, backend)

	body, _ := json.Marshal(materializeRequest{DomainID: "usb:1", StorageID: 1, Handle: 10})
	resp, err := client.Post("http://unix/materialize", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST /materialize: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var got map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got["localPath"] != "/var/cache/mtpusbd/usb1-1-10.bin" {
		t.Fatalf("got = %+v", got)
	}
}

func TestDeleteItemReturnsNoContentOnSuccess(t *testing.T) {
	backend := &fakeBackend{deleteFn: func(domainID string, handle uint32) error { return nil }}
	_, client := startTestServer(t, backend)

	body, _ := json.Marshal(deleteItemRequest{DomainID: "usb:1", Handle: 10})
	resp, err := client.Post("http://unix/deleteItem", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST /deleteItem: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", resp.StatusCode)
	}
}

func TestDeleteItemMapsObjectNotFoundTo404(t *testing.T) {
	backend := &fakeBackend{deleteFn: func(domainID string, handle uint32) error { return mtperr.ErrObjectNotFound }}
	_, client := startTestServer(t, backend)

	body, _ := json.Marshal(deleteItemRequest{DomainID: "usb:1", Handle: 999})
	resp, err := client.Post("http://unix/deleteItem", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST /deleteItem: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestGetOnPostOnlyEndpointIsMethodNotAllowed(t *testing.T) {
	backend := &fakeBackend{}
	_, client := startTestServer(t, backend)

	resp, err := client.Get("http://unix/deleteItem")
	if err != nil {
		t.Fatalf("GET /deleteItem: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", resp.StatusCode)
	}
}

func TestErrorStatusMapsTaxonomyToHTTPCodes(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{mtperr.ErrObjectNotFound, http.StatusNotFound},
		{mtperr.ErrPermissionDenied, http.StatusForbidden},
		{mtperr.ErrWriteProtected, http.StatusConflict},
		{mtperr.ErrStorageFull, http.StatusConflict},
		{mtperr.ErrDeviceDisconnected, http.StatusServiceUnavailable},
		{mtperr.ErrBusy, http.StatusServiceUnavailable},
		{&mtperr.NotSupportedError{Op: "GetPartialObject64"}, http.StatusNotImplemented},
		{&mtperr.PreconditionFailedError{Msg: "no session"}, http.StatusPreconditionFailed},
		{errors.New("something unmapped"), http.StatusInternalServerError},
	}

	for _, c := range cases {
		if got := errorStatus(c.err); got != c.want {
			t.Errorf("errorStatus(%v) = %d, want %d", c.err, got, c.want)
		}
	}
}
