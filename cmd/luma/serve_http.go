// Copyright 2025 The Luma Authors
// SPDX-License-Identifier: MIT

package main

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strconv"

	jsonv2 "github.com/go-json-experiment/json"
	"github.com/gorilla/handlers"
	"luma.256lights.llc/pkg/internal/backend"
	"luma.256lights.llc/pkg/internal/jsonrpc"
	"luma.256lights.llc/pkg/internal/lumarpc"
	"luma.256lights.llc/pkg/internal/xnet"
	"zombiezen.com/go/log"
)

// maxRequestSize is the largest HTTP request body the API accepts,
// matching the socket protocol's message limit.
const maxRequestSize = 1 << 20

// apiServer exposes the session RPC methods over HTTP.
type apiServer struct {
	backend *backend.Server
}

func (srv *apiServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	mux := http.NewServeMux()
	mux.Handle("/eval", handlers.MethodHandler{
		http.MethodPost: http.HandlerFunc(srv.eval),
	})
	mux.Handle("/compile", handlers.MethodHandler{
		http.MethodPost: http.HandlerFunc(srv.compile),
	})
	mux.Handle("/sessions", handlers.MethodHandler{
		http.MethodGet:  http.HandlerFunc(srv.status),
		http.MethodPost: http.HandlerFunc(srv.newSession),
	})
	mux.Handle("/sessions/{id}", handlers.MethodHandler{
		http.MethodDelete: http.HandlerFunc(srv.closeSession),
	})
	mux.ServeHTTP(w, r)
}

func (srv *apiServer) eval(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req := new(lumarpc.EvalRequest)
	if err := jsonv2.UnmarshalRead(http.MaxBytesReader(w, r.Body, maxRequestSize), req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	resp := new(lumarpc.EvalResponse)
	if err := jsonrpc.Do(ctx, srv.backend, lumarpc.EvalMethod, resp, req); err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(ctx, w, resp)
}

func (srv *apiServer) compile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req := new(lumarpc.CompileRequest)
	if err := jsonv2.UnmarshalRead(http.MaxBytesReader(w, r.Body, maxRequestSize), req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	resp := new(lumarpc.CompileResponse)
	if err := jsonrpc.Do(ctx, srv.backend, lumarpc.CompileMethod, resp, req); err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(ctx, w, resp)
}

func (srv *apiServer) newSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestSize))
	if err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	req := new(lumarpc.NewSessionRequest)
	if len(bytes.TrimSpace(body)) > 0 {
		if err := jsonv2.Unmarshal(body, req); err != nil {
			http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}
	}
	resp := new(lumarpc.NewSessionResponse)
	if err := jsonrpc.Do(ctx, srv.backend, lumarpc.NewSessionMethod, resp, req); err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(ctx, w, resp)
}

func (srv *apiServer) closeSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req := &lumarpc.CloseSessionRequest{SessionID: r.PathValue("id")}
	if err := jsonrpc.Do(ctx, srv.backend, lumarpc.CloseSessionMethod, nil, req); err != nil {
		writeError(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (srv *apiServer) status(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	resp := new(lumarpc.StatusResponse)
	if err := jsonrpc.Do(ctx, srv.backend, lumarpc.StatusMethod, resp, nil); err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(ctx, w, resp)
}

func writeJSON(ctx context.Context, w http.ResponseWriter, v any) {
	data, err := jsonv2.Marshal(v)
	if err != nil {
		log.Errorf(ctx, "%v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	data = append(data, '\n')
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Write(data)
}

// writeError reports a failed RPC as an HTTP error,
// translating well-known JSON-RPC error codes to HTTP statuses.
func writeError(ctx context.Context, w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch code, ok := jsonrpc.CodeFromError(err); {
	case ok && (code == jsonrpc.InvalidParams || code == jsonrpc.InvalidRequest):
		status = http.StatusBadRequest
	case ok && code == lumarpc.SessionNotFound:
		status = http.StatusNotFound
	case ok && code == lumarpc.ScriptError:
		status = http.StatusUnprocessableEntity
	}
	if status == http.StatusInternalServerError {
		log.Errorf(ctx, "%v", err)
	}
	http.Error(w, err.Error(), status)
}

type localOnlyMiddleware struct {
	handler http.Handler
}

func (m localOnlyMiddleware) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !xnet.IsLocalhost(r) {
		http.Error(w, "Only localhost connections permitted.", http.StatusForbidden)
		return
	}
	m.handler.ServeHTTP(w, r)
}
