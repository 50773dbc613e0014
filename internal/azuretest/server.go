// Package azuretest runs an in-memory stand-in for an Azure Blob Storage
// account, enough for block blob put/get/head/delete with shared key or SAS
// authorization.
//
// SAS requests are checked the way the service checks them: the signature is
// recomputed from the account key, the signed permission must cover the
// method, the signed expiry must be in the future and an HTTPS-only token is
// refused over plain HTTP.
package azuretest

import (
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/sas"
)

// well known storage emulator account
const (
	AccountName = "devstoreaccount1"
	AccountKey  = "Eby8vdM02xNOcqFlqUwJPLlmEtlCDXJ1OUzFT50uSRZ6IFsuFq2UVErCz4I6tq/K1SZFPTOtr/KBHBeksoGMGw=="
)

// Blob is a stored object.
type Blob struct {
	Data        []byte
	ContentType string
}

// Request is what the server saw of one call.
type Request struct {
	Method        string
	Path          string
	Query         url.Values
	Authorization string
}

// Server is a fake blob endpoint at http://127.0.0.1:<port>/devstoreaccount1.
type Server struct {
	*httptest.Server

	cred *azblob.SharedKeyCredential

	mu       sync.Mutex
	blobs    map[string]Blob
	requests []Request
	now      func() time.Time
	stall    bool
	stop     chan struct{}
	seq      int
}

// NewServer starts a fake account and registers its shutdown with t.Cleanup.
func NewServer(t interface {
	Helper()
	Cleanup(func())
	Fatalf(string, ...any)
}) *Server {
	t.Helper()

	cred, err := azblob.NewSharedKeyCredential(AccountName, AccountKey)
	if err != nil {
		t.Fatalf("failed to create shared key credential: %v", err)
	}

	s := &Server{
		cred:  cred,
		blobs: make(map[string]Blob),
		now:   time.Now,
		stop:  make(chan struct{}),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))

	t.Cleanup(func() {
		close(s.stop)
		s.Close()
	})

	return s
}

// Endpoint is the account's blob service URL.
func (s *Server) Endpoint() string {
	return s.URL + "/" + AccountName
}

// Credential returns the account's shared key credential.
func (s *Server) Credential() *azblob.SharedKeyCredential {
	return s.cred
}

// SetNow replaces the clock used to check SAS expiry.
func (s *Server) SetNow(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Stall makes every following request hang until the client gives up.
func (s *Server) Stall() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stall = true
}

// Put stores a blob directly.
func (s *Server) Put(container, name string, b Blob) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[s.key(container, name)] = b
}

// Get returns a stored blob.
func (s *Server) Get(container, name string) (Blob, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blobs[s.key(container, name)]
	return b, ok
}

// Requests returns every request received so far.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

func (s *Server) key(container, name string) string {
	return "/" + AccountName + "/" + container + "/" + name
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.seq++
	requestID := fmt.Sprintf("fake-%d", s.seq)
	s.requests = append(s.requests, Request{
		Method:        r.Method,
		Path:          r.URL.Path,
		Query:         r.URL.Query(),
		Authorization: r.Header.Get("Authorization"),
	})
	stall := s.stall
	s.mu.Unlock()

	w.Header().Set("x-ms-request-id", requestID)
	w.Header().Set("x-ms-version", "2025-01-05")

	if stall {
		select {
		case <-r.Context().Done():
		case <-s.stop:
		}
		return
	}

	container, name, ok := s.split(r.URL.Path)
	if !ok {
		writeError(w, r, http.StatusBadRequest, "InvalidUri", "expected /account/container/blob")
		return
	}

	if r.URL.Query().Has("sig") {
		if code, msg := s.checkSAS(r, container, name); code != "" {
			writeError(w, r, http.StatusForbidden, code, msg)
			return
		}
	} else if !strings.HasPrefix(r.Header.Get("Authorization"), "SharedKey "+AccountName+":") {
		writeError(w, r, http.StatusForbidden, "NoAuthenticationInformation", "server failed to authenticate the request")
		return
	}

	switch r.Method {
	case http.MethodPut:
		data, err := io.ReadAll(r.Body)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "InvalidInput", err.Error())
			return
		}
		s.Put(container, name, Blob{Data: data, ContentType: r.Header.Get("x-ms-blob-content-type")})
		w.Header().Set("ETag", `"0x1"`)
		w.WriteHeader(http.StatusCreated)

	case http.MethodGet, http.MethodHead:
		b, ok := s.Get(container, name)
		if !ok {
			writeError(w, r, http.StatusNotFound, "BlobNotFound", "the specified blob does not exist")
			return
		}
		if b.ContentType != "" {
			w.Header().Set("Content-Type", b.ContentType)
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(b.Data)))
		w.Header().Set("x-ms-blob-type", "BlockBlob")
		w.Header().Set("ETag", `"0x1"`)
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodGet {
			_, _ = w.Write(b.Data)
		}

	case http.MethodDelete:
		s.mu.Lock()
		_, ok := s.blobs[s.key(container, name)]
		delete(s.blobs, s.key(container, name))
		s.mu.Unlock()
		if !ok {
			writeError(w, r, http.StatusNotFound, "BlobNotFound", "the specified blob does not exist")
			return
		}
		w.WriteHeader(http.StatusAccepted)

	default:
		writeError(w, r, http.StatusMethodNotAllowed, "UnsupportedHttpVerb", r.Method)
	}
}

func (s *Server) split(path string) (container, name string, ok bool) {
	rest, found := strings.CutPrefix(path, "/"+AccountName+"/")
	if !found {
		return "", "", false
	}
	container, name, found = strings.Cut(rest, "/")
	if !found || container == "" || name == "" {
		return "", "", false
	}
	return container, name, true
}

func (s *Server) checkSAS(r *http.Request, container, name string) (string, string) {
	q := r.URL.Query()

	expiry, err := time.Parse(sas.TimeFormat, q.Get("se"))
	if err != nil {
		return "AuthenticationFailed", "signed expiry is missing or malformed"
	}

	values := sas.BlobSignatureValues{
		Version:       q.Get("sv"),
		Protocol:      sas.Protocol(q.Get("spr")),
		ExpiryTime:    expiry,
		Permissions:   q.Get("sp"),
		ContainerName: container,
		BlobName:      name,
	}
	signed, err := values.SignWithSharedKey(s.cred)
	if err != nil || signed.Signature() != q.Get("sig") {
		return "AuthenticationFailed", "signature did not match"
	}

	s.mu.Lock()
	now := s.now()
	s.mu.Unlock()
	if !now.Before(expiry) {
		return "AuthenticationFailed", "signed expiry time has passed"
	}

	if q.Get("spr") == string(sas.ProtocolHTTPS) && r.TLS == nil {
		return "AuthorizationProtocolMismatch", "this request is not authorized to be performed using this protocol"
	}

	var need string
	switch r.Method {
	case http.MethodGet, http.MethodHead:
		need = "r"
	case http.MethodPut:
		need = "w"
	case http.MethodDelete:
		need = "d"
	}
	if need == "" || !strings.Contains(q.Get("sp"), need) {
		return "AuthorizationPermissionMismatch", "this request is not authorized to perform this operation using this permission"
	}

	return "", ""
}

type storageError struct {
	XMLName xml.Name `xml:"Error"`
	Code    string   `xml:"Code"`
	Message string   `xml:"Message"`
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	w.Header().Set("x-ms-error-code", code)
	if r.Method == http.MethodHead {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	_ = xml.NewEncoder(w).Encode(storageError{Code: code, Message: msg})
}
