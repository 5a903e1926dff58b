package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/sanity-io/litter"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kevinxiao27/automerge-backend/backend"
	"github.com/kevinxiao27/automerge-backend/store"
)

type document struct {
	backend  *backend.Backend
	lastDeps []string
}

type Server struct {
	mu       sync.Mutex
	docs     map[string]*document
	clients  map[string][]*websocket.Conn
	upgrader websocket.Upgrader
	store    *store.Store
	log      *zap.Logger
}

type wsMessage struct {
	Type    string           `json:"type"`
	Actor   string           `json:"actor,omitempty"`
	Request *backend.Request `json:"request,omitempty"`
	Changes [][]byte         `json:"changes,omitempty"`
	Patch   *backend.Patch   `json:"patch,omitempty"`
	Error   string           `json:"error,omitempty"`
}

func NewServer(st *store.Store, log *zap.Logger) *Server {
	return &Server{
		docs:    make(map[string]*document),
		clients: make(map[string][]*websocket.Conn),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		store: st,
		log:   log,
	}
}

// getDocument loads a document from the store on first access: snapshot
// first, then the incremental change log on top of it.
func (s *Server) getDocument(id string) (*document, error) {
	if doc, ok := s.docs[id]; ok {
		return doc, nil
	}

	var b *backend.Backend
	snapshot, err := s.store.LoadDoc(id)
	if err != nil {
		return nil, err
	}
	if snapshot != nil {
		b, err = backend.Load(snapshot)
		if err != nil {
			return nil, err
		}
	} else {
		b = backend.Init()
	}
	changes, err := s.store.LoadChanges(id)
	if err != nil {
		return nil, err
	}
	if len(changes) > 0 {
		b, err = backend.LoadChanges(b, changes)
		if err != nil {
			return nil, err
		}
	}
	patch, err := backend.GetPatch(b)
	if err != nil {
		return nil, err
	}

	doc := &document{backend: b, lastDeps: patch.Deps}
	s.docs[id] = doc
	s.log.Info("document loaded",
		zap.String("doc", id),
		zap.Bool("fromSnapshot", snapshot != nil),
		zap.Int("changeLog", len(changes)))
	return doc, nil
}

// persistNewChanges writes whatever the last apply added on top of the
// previous frontier to the change log.
func (s *Server) persistNewChanges(id string, doc *document, newDeps []string) {
	bins, err := backend.GetChanges(doc.backend, doc.lastDeps)
	if err != nil {
		s.log.Error("collecting new changes", zap.String("doc", id), zap.Error(err))
		return
	}
	for _, bin := range bins {
		if err := s.store.AppendChange(id, bin); err != nil {
			s.log.Error("persisting change", zap.String("doc", id), zap.Error(err))
			return
		}
	}
	doc.lastDeps = newDeps
}

func (s *Server) broadcast(docID string, msg wsMessage, except *websocket.Conn) {
	for _, conn := range s.clients[docID] {
		if conn == except {
			continue
		}
		if err := conn.WriteJSON(msg); err != nil {
			s.log.Warn("broadcast write failed", zap.String("doc", docID), zap.Error(err))
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	docID := r.URL.Query().Get("doc")
	actor := uuid.NewString()

	s.mu.Lock()
	doc, err := s.getDocument(docID)
	if err != nil {
		s.mu.Unlock()
		s.log.Error("loading document", zap.String("doc", docID), zap.Error(err))
		conn.WriteJSON(wsMessage{Type: "error", Error: err.Error()})
		return
	}
	s.clients[docID] = append(s.clients[docID], conn)
	patch, err := backend.GetPatch(doc.backend)
	s.mu.Unlock()
	if err != nil {
		conn.WriteJSON(wsMessage{Type: "error", Error: err.Error()})
		return
	}

	s.log.Info("client connected", zap.String("doc", docID), zap.String("actor", actor))
	conn.WriteJSON(wsMessage{Type: "init", Actor: actor, Patch: patch})

	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			break
		}
		switch msg.Type {
		case "request":
			s.applyRequest(docID, conn, msg.Request)
		case "changes":
			s.applyRemote(docID, conn, msg.Changes)
		default:
			conn.WriteJSON(wsMessage{Type: "error", Error: fmt.Sprintf("unknown message type %q", msg.Type)})
		}
	}

	s.mu.Lock()
	conns := s.clients[docID]
	for i, c := range conns {
		if c == conn {
			s.clients[docID] = append(conns[:i], conns[i+1:]...)
			break
		}
	}
	remaining := len(s.clients[docID])
	s.mu.Unlock()
	s.log.Info("client disconnected", zap.String("doc", docID), zap.Int("remaining", remaining))
}

func (s *Server) applyRequest(docID string, conn *websocket.Conn, req *backend.Request) {
	if req == nil {
		conn.WriteJSON(wsMessage{Type: "error", Error: "request message without a request"})
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.getDocument(docID)
	if err == nil {
		var next *backend.Backend
		var patch *backend.Patch
		next, patch, err = backend.ApplyLocalChange(doc.backend, req, nil)
		if err == nil {
			doc.backend = next
			s.persistNewChanges(docID, doc, patch.Deps)
			conn.WriteJSON(wsMessage{Type: "patch", Patch: patch})
			s.broadcast(docID, wsMessage{Type: "patch", Patch: patch}, conn)
			return
		}
	}
	s.log.Warn("local change rejected",
		zap.String("doc", docID), zap.String("actor", req.Actor), zap.Error(err))
	conn.WriteJSON(wsMessage{Type: "error", Error: err.Error()})
}

func (s *Server) applyRemote(docID string, conn *websocket.Conn, changes [][]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.getDocument(docID)
	if err == nil {
		var next *backend.Backend
		var patch *backend.Patch
		next, patch, err = backend.ApplyChanges(doc.backend, changes)
		if err == nil {
			doc.backend = next
			s.persistNewChanges(docID, doc, patch.Deps)
			s.broadcast(docID, wsMessage{Type: "patch", Patch: patch}, nil)
			return
		}
	}
	s.log.Warn("remote changes rejected", zap.String("doc", docID), zap.Error(err))
	conn.WriteJSON(wsMessage{Type: "error", Error: err.Error()})
}

func (s *Server) handleDebug(w http.ResponseWriter, r *http.Request) {
	docID := r.URL.Query().Get("doc")
	s.mu.Lock()
	doc := s.docs[docID]
	s.mu.Unlock()
	if doc == nil {
		http.Error(w, "no such document", http.StatusNotFound)
		return
	}
	litter.Config.HidePrivateFields = false
	fmt.Fprintln(w, litter.Sdump(doc))
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "ok")
}

// snapshotAll writes a full snapshot of every loaded document, emptying
// their change logs.
func (s *Server) snapshotAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, doc := range s.docs {
		data, err := backend.Save(doc.backend)
		if err != nil {
			s.log.Error("snapshot failed", zap.String("doc", id), zap.Error(err))
			continue
		}
		if err := s.store.SaveDoc(id, data); err != nil {
			s.log.Error("snapshot write failed", zap.String("doc", id), zap.Error(err))
		}
	}
}

func run(addr, dbPath string, dev bool) error {
	var log *zap.Logger
	var err error
	if dev {
		log, err = zap.NewDevelopment()
	} else {
		log, err = zap.NewProduction()
	}
	if err != nil {
		return err
	}
	defer log.Sync()

	st, err := store.Open(dbPath, log)
	if err != nil {
		return err
	}
	defer st.Close()

	server := NewServer(st, log)
	r := mux.NewRouter()
	r.HandleFunc("/ws", server.handleWebSocket)
	r.HandleFunc("/debug", server.handleDebug)
	r.HandleFunc("/healthz", server.handleHealthz)

	httpServer := &http.Server{Addr: addr, Handler: r}
	errCh := make(chan error, 1)
	go func() {
		log.Info("sync server listening", zap.String("addr", addr), zap.String("db", dbPath))
		errCh <- httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		log.Info("shutting down", zap.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	server.snapshotAll()
	return nil
}

func main() {
	var addr, dbPath string
	var dev bool

	cmd := &cobra.Command{
		Use:   "server",
		Short: "websocket sync server over the CRDT backend",
		RunE: func(_ *cobra.Command, _ []string) error {
			return run(addr, dbPath, dev)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8080", "listen address")
	cmd.Flags().StringVar(&dbPath, "db", "documents.db", "bbolt database path")
	cmd.Flags().BoolVar(&dev, "dev", false, "development logging")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
