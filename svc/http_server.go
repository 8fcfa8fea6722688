package svc

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/hetianyi/godisk/common"
	"github.com/hetianyi/godisk/conn"
	"github.com/hetianyi/godisk/util"
	"github.com/hetianyi/gox/convert"
	"github.com/hetianyi/gox/logger"
)

// statusServer exposes read only runtime state over plain http.
type statusServer struct {
	srv *http.Server
	ln  net.Listener
}

func startStatusServer(host string, port int, routes func(r *mux.Router)) (*statusServer, error) {
	r := mux.NewRouter()
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		util.HttpFileNotFoundError(w)
	})
	routes(r)
	ln, err := net.Listen("tcp", host+":"+convert.IntToStr(port))
	if err != nil {
		return nil, err
	}
	srv := &http.Server{
		Handler:           r,
		ReadHeaderTimeout: time.Second * 15,
		WriteTimeout:      time.Second * 15,
		MaxHeaderBytes:    1 << 20, // 1MB
	}
	go func() {
		logger.Info("http server listening on ", ln.Addr())
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			logger.Error("http server exited: ", err)
		}
	}()
	return &statusServer{srv: srv, ln: ln}, nil
}

// Addr returns the bound address.
func (h *statusServer) Addr() net.Addr {
	return h.ln.Addr()
}

func (h *statusServer) close() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()
	if err := h.srv.Shutdown(ctx); err != nil {
		logger.Error("http server shutdown: ", err)
	}
}

// StorageStatus is the body of GET /status on a storage server.
type StorageStatus struct {
	Name           string `json:"name"`
	Version        string `json:"version"`
	Connections    int64  `json:"connections"`
	Reactors       []int  `json:"reactors"`
	FreeBuffers    int    `json:"freeBuffers"`
	TotalBuffers   int    `json:"totalBuffers"`
	PendingTasks   int    `json:"pendingTasks"`
	Workers        int    `json:"workers"`
	FreeDBHandles  int    `json:"freeDBHandles"`
	Balancer       string `json:"balancer"`
	BalancerOnline bool   `json:"balancerOnline"`
}

// Status collects the current runtime state.
func (s *StorageServer) Status() *StorageStatus {
	free, total := s.pool.Stat()
	st := &StorageStatus{
		Name:           s.config.Name,
		Version:        common.VERSION,
		Connections:    conn.LiveUsers(),
		FreeBuffers:    free,
		TotalBuffers:   total,
		PendingTasks:   s.queue.Pending(),
		Workers:        s.queue.Workers(),
		FreeDBHandles:  s.dbPool.Free(),
		BalancerOnline: s.link.active(),
	}
	for _, l := range s.loops {
		st.Reactors = append(st.Reactors, l.Len())
	}
	if s.config.ParsedBalancer != nil {
		st.Balancer = s.config.ParsedBalancer.ConnectionString()
	}
	return st
}

// HttpAddr returns the address of the status server, nil when disabled.
func (s *StorageServer) HttpAddr() net.Addr {
	if s.http == nil {
		return nil
	}
	return s.http.Addr()
}

func (s *StorageServer) storageStatusRoutes(r *mux.Router) {
	r.HandleFunc("/status", func(w http.ResponseWriter, req *http.Request) {
		util.HttpWriteJson(w, s.Status())
	}).Methods("GET")
}
