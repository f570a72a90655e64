// Package exchange implements the interserver part transfer protocol.
//
// A fetch is a single GET request:
//
//	/?endpoint=DataPartsExchange:<replica path>&part=<name>&compress=true|false
//
// The response carries the part header in X-Part-* headers followed by the
// payload, snappy framed when compression was requested.
package exchange

import (
	"crypto/subtle"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/klauspost/compress/snappy"
	"github.com/pkg/errors"

	"github.com/alpacahq/replicatedtree/catalog"
	"github.com/alpacahq/replicatedtree/utils/log"
)

const (
	EndpointPrefix = "DataPartsExchange:"

	HeaderPartName     = "X-Part-Name"
	HeaderPartChecksum = "X-Part-Checksum"
	HeaderPartSize     = "X-Part-Size"
	HeaderPartRows     = "X-Part-Rows"
	HeaderCompressed   = "X-Part-Compressed"
)

// Credentials for HTTP Basic authentication. The zero value accepts
// requests without credentials only.
type Credentials struct {
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

// PartSource serves part payloads; *catalog.Directory implements it.
type PartSource interface {
	Open(name string) (io.ReadCloser, *catalog.Part, error)
}

// SendObserver is notified about every served request.
type SendObserver interface {
	PartSent(part string, bytes int64, err error)
}

type Server struct {
	creds    Credentials
	sem      chan struct{}
	observer SendObserver

	mu        sync.RWMutex
	endpoints map[string]PartSource
	blocked   map[string]bool
}

// NewServer limits concurrent sends to maxSends (unlimited when <= 0).
func NewServer(creds Credentials, maxSends int, observer SendObserver) *Server {
	s := &Server{
		creds:     creds,
		observer:  observer,
		endpoints: map[string]PartSource{},
		blocked:   map[string]bool{},
	}
	if maxSends > 0 {
		s.sem = make(chan struct{}, maxSends)
	}
	return s
}

// EndpointID names the endpoint of the replica at replicaPath.
func EndpointID(replicaPath string) string {
	return EndpointPrefix + replicaPath
}

// Register exposes the parts of the replica at replicaPath.
func (s *Server) Register(replicaPath string, src PartSource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endpoints[EndpointID(replicaPath)] = src
	delete(s.blocked, EndpointID(replicaPath))
}

// Unregister stops serving the replica. Requests in flight complete.
func (s *Server) Unregister(replicaPath string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.endpoints, EndpointID(replicaPath))
}

// Block makes the endpoint answer 503 while the replica shuts down.
func (s *Server) Block(replicaPath string, blocked bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocked[EndpointID(replicaPath)] = blocked
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/", s.handleFetch)
	return r
}

func (s *Server) authorized(r *http.Request) bool {
	user, password, ok := r.BasicAuth()
	if !ok {
		user, password = "", ""
	}
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(s.creds.User)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(password), []byte(s.creds.Password)) == 1
	return userOK && passOK
}

func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		w.Header().Set("WWW-Authenticate", `Basic realm="interserver"`)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	q := r.URL.Query()
	endpoint := q.Get("endpoint")
	partName := q.Get("part")
	compress, _ := strconv.ParseBool(q.Get("compress"))
	if !strings.HasPrefix(endpoint, EndpointPrefix) || partName == "" {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	s.mu.RLock()
	src, ok := s.endpoints[endpoint]
	blocked := s.blocked[endpoint]
	s.mu.RUnlock()
	if !ok {
		http.Error(w, "no such endpoint "+endpoint, http.StatusNotFound)
		return
	}
	if blocked {
		http.Error(w, "aborted: replica is shutting down", http.StatusServiceUnavailable)
		return
	}

	if s.sem != nil {
		select {
		case s.sem <- struct{}{}:
			defer func() { <-s.sem }()
		default:
			http.Error(w, "too many simultaneous fetches", http.StatusServiceUnavailable)
			return
		}
	}

	n, err := s.send(w, src, partName, compress)
	if s.observer != nil {
		s.observer.PartSent(partName, n, err)
	}
}

func (s *Server) send(w http.ResponseWriter, src PartSource, partName string, compress bool) (int64, error) {
	rc, part, err := src.Open(partName)
	if err != nil {
		var notFound catalog.PartNotFound
		if errors.As(err, &notFound) {
			http.Error(w, "no part "+partName, http.StatusNotFound)
		} else {
			log.Error("open part %s for sending: %v", partName, err)
			http.Error(w, "cannot open part", http.StatusInternalServerError)
		}
		return 0, err
	}
	defer rc.Close()

	h := w.Header()
	h.Set("Content-Type", "application/octet-stream")
	h.Set(HeaderPartName, part.Name)
	h.Set(HeaderPartChecksum, part.Header.Checksum)
	h.Set(HeaderPartSize, strconv.FormatInt(part.Header.Size, 10))
	h.Set(HeaderPartRows, strconv.FormatInt(part.Header.Rows, 10))
	h.Set(HeaderCompressed, strconv.FormatBool(compress))
	w.WriteHeader(http.StatusOK)

	var dst io.Writer = w
	var sw *snappy.Writer
	if compress {
		sw = snappy.NewBufferedWriter(w)
		dst = sw
	}
	n, err := io.Copy(dst, rc)
	if err == nil && sw != nil {
		err = sw.Close()
	}
	if err != nil {
		// the client went away, nothing to report to it
		log.Info("sending part %s aborted after %d bytes: %v", partName, n, err)
		return n, err
	}
	return n, nil
}
