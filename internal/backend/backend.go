// Copyright 2025 The Luma Authors
// SPDX-License-Identifier: MIT

// Package backend hosts Lua interpreter sessions behind the luma JSON-RPC API.
package backend

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"
	"time"

	jsonv2 "github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"
	"github.com/google/uuid"
	luma "luma.256lights.llc/pkg"
	"luma.256lights.llc/pkg/internal/chunkcache"
	"luma.256lights.llc/pkg/internal/jsonrpc"
	"luma.256lights.llc/pkg/internal/lumarpc"
	"luma.256lights.llc/pkg/internal/uuid8"
	"luma.256lights.llc/pkg/internal/xmaps"
	"luma.256lights.llc/pkg/luajson"
	"zombiezen.com/go/log"
)

// DefaultMaxSessions is the session cap used when [Options.MaxSessions] is unset.
const DefaultMaxSessions = 64

// Options is the set of optional parameters to [NewServer].
type Options struct {
	// DefaultLibraries is the mask of standard libraries
	// loaded into sessions whose request does not name any.
	// If zero, [luma.LibAllSafe] is used.
	DefaultLibraries luma.StdLib

	// DefaultMemoryLimit is the per-session interpreter heap limit in bytes
	// applied when a request does not set one.
	// If non-positive, sessions start without a limit.
	DefaultMemoryLimit int64

	// MaxSessions is the maximum number of concurrently open sessions.
	// If non-positive, [DefaultMaxSessions] is used.
	MaxSessions int

	// ChunkCache, if non-nil, is used to reuse compiled chunks
	// across [lumarpc.CompileMethod] calls.
	ChunkCache *chunkcache.Cache
}

// Server hosts Lua sessions.
// Server implements [jsonrpc.Handler] and is intended to be used with [jsonrpc.Serve].
type Server struct {
	defaultLibs  luma.StdLib
	defaultLimit int64
	maxSessions  int
	cache        *chunkcache.Cache

	mu       sync.Mutex
	sessions map[string]*session
	draining bool
}

// session is a single hosted interpreter.
// mu serializes use of lua: interpreters are not safe for concurrent use.
type session struct {
	mu        sync.Mutex
	lua       *luma.Lua
	libs      luma.StdLib
	limit     int64
	createdAt time.Time
}

// NewServer returns a new [Server].
// If opts is nil, it is treated the same as the zero value.
// Callers are responsible for calling [Server.Close] on the returned server.
func NewServer(opts *Options) *Server {
	if opts == nil {
		opts = new(Options)
	}
	srv := &Server{
		defaultLibs:  opts.DefaultLibraries,
		defaultLimit: opts.DefaultMemoryLimit,
		maxSessions:  opts.MaxSessions,
		cache:        opts.ChunkCache,
		sessions:     make(map[string]*session),
	}
	if srv.defaultLibs == luma.LibNone {
		srv.defaultLibs = luma.LibAllSafe
	}
	if srv.maxSessions <= 0 {
		srv.maxSessions = DefaultMaxSessions
	}
	return srv
}

// Close disposes every open session.
// Session-creating requests fail after Close is called.
func (s *Server) Close() error {
	s.mu.Lock()
	s.draining = true
	sessions := s.sessions
	s.sessions = nil
	s.mu.Unlock()

	var firstErr error
	for id, sess := range sessions {
		sess.mu.Lock()
		err := sess.lua.Close()
		sess.mu.Unlock()
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close session %s: %w", id, err)
		}
	}
	return firstErr
}

// JSONRPC implements the [jsonrpc.Handler] interface
// and serves the luma RPC API.
func (s *Server) JSONRPC(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	return jsonrpc.ServeMux{
		lumarpc.NopMethod:          jsonrpc.HandlerFunc(s.nop),
		lumarpc.NewSessionMethod:   jsonrpc.HandlerFunc(s.newSession),
		lumarpc.CloseSessionMethod: jsonrpc.HandlerFunc(s.closeSession),
		lumarpc.EvalMethod:         jsonrpc.HandlerFunc(s.eval),
		lumarpc.CompileMethod:      jsonrpc.HandlerFunc(s.compile),
		lumarpc.StatusMethod:       jsonrpc.HandlerFunc(s.status),
	}.JSONRPC(ctx, req)
}

func (s *Server) nop(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	return new(jsonrpc.Response), nil
}

func (s *Server) newSession(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	var args lumarpc.NewSessionRequest
	if err := jsonv2.Unmarshal(req.Params, &args); err != nil {
		return nil, jsonrpc.Error(jsonrpc.InvalidParams, err)
	}

	libs := s.defaultLibs
	if len(args.Libraries) > 0 {
		libs = luma.LibNone
		for _, name := range args.Libraries {
			lib, err := luma.ParseStdLib(name)
			if err != nil {
				return nil, jsonrpc.Error(jsonrpc.InvalidParams, err)
			}
			libs |= lib
		}
	}
	limit := s.defaultLimit
	if args.MemoryLimit > 0 {
		limit = args.MemoryLimit
	}

	sess, err := newSession(libs, limit)
	if err != nil {
		return nil, err
	}

	id := uuid.New().String()
	s.mu.Lock()
	switch {
	case s.draining:
		s.mu.Unlock()
		sess.lua.Close()
		return nil, fmt.Errorf("new session: server is shutting down")
	case len(s.sessions) >= s.maxSessions:
		s.mu.Unlock()
		sess.lua.Close()
		return nil, fmt.Errorf("new session: too many open sessions (limit %d)", s.maxSessions)
	}
	s.sessions[id] = sess
	s.mu.Unlock()

	log.Debugf(ctx, "Opened session %s (libraries %v, memory limit %d)", id, sess.libs, sess.limit)
	return marshalResponse(&lumarpc.NewSessionResponse{SessionID: id})
}

func newSession(libs luma.StdLib, limit int64) (*session, error) {
	l, err := luma.NewWith(libs, luma.Options{})
	if err != nil {
		return nil, err
	}
	if limit > 0 {
		if _, err := l.SetMemoryLimit(uint64(limit)); err != nil {
			l.Close()
			return nil, err
		}
	}
	jsonModule, err := luajson.Open(l)
	if err != nil {
		l.Close()
		return nil, err
	}
	if err := luma.TableSet(l.Globals(), "json", jsonModule); err != nil {
		l.Close()
		return nil, err
	}
	return &session{
		lua:       l,
		libs:      libs,
		limit:     limit,
		createdAt: time.Now(),
	}, nil
}

func (s *Server) session(id string) (*session, error) {
	s.mu.Lock()
	sess := s.sessions[id]
	s.mu.Unlock()
	if sess == nil {
		return nil, jsonrpc.Error(lumarpc.SessionNotFound, fmt.Errorf("session %q not found", id))
	}
	return sess, nil
}

func (s *Server) closeSession(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	var args lumarpc.CloseSessionRequest
	if err := jsonv2.Unmarshal(req.Params, &args); err != nil {
		return nil, jsonrpc.Error(jsonrpc.InvalidParams, err)
	}

	s.mu.Lock()
	sess := s.sessions[args.SessionID]
	delete(s.sessions, args.SessionID)
	s.mu.Unlock()
	if sess == nil {
		return nil, jsonrpc.Error(lumarpc.SessionNotFound, fmt.Errorf("session %q not found", args.SessionID))
	}

	sess.mu.Lock()
	err := sess.lua.Close()
	sess.mu.Unlock()
	if err != nil {
		return nil, err
	}
	log.Debugf(ctx, "Closed session %s", args.SessionID)
	return new(jsonrpc.Response), nil
}

func (s *Server) eval(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	var args lumarpc.EvalRequest
	if err := jsonv2.Unmarshal(req.Params, &args); err != nil {
		return nil, jsonrpc.Error(jsonrpc.InvalidParams, err)
	}

	var sess *session
	if args.SessionID == "" {
		var err error
		sess, err = newSession(s.defaultLibs, s.defaultLimit)
		if err != nil {
			return nil, err
		}
		defer sess.lua.Close()
	} else {
		var err error
		sess, err = s.session(args.SessionID)
		if err != nil {
			return nil, err
		}
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	chunk := sess.lua.LoadString(args.Source)
	if args.Name != "" {
		chunk.SetName(args.Name)
	}
	values, err := chunk.Call()
	if err != nil {
		return nil, jsonrpc.Error(lumarpc.ScriptError, err)
	}

	// Don't send null for the array.
	resp := &lumarpc.EvalResponse{Values: []jsontext.Value{}}
	for i, v := range values {
		data, err := luajson.Marshal(sess.lua, v)
		if err != nil {
			return nil, fmt.Errorf("encode result %d: %w", i+1, err)
		}
		resp.Values = append(resp.Values, data)
	}
	return marshalResponse(resp)
}

func (s *Server) compile(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	var args lumarpc.CompileRequest
	if err := jsonv2.Unmarshal(req.Params, &args); err != nil {
		return nil, jsonrpc.Error(jsonrpc.InvalidParams, err)
	}

	source := []byte(args.Source)
	sum := sha256.Sum256(source)
	chunkID := uuid8.FromBytes(sum[:]).String()

	key := chunkcache.SourceKey(source, args.Strip)
	if s.cache != nil {
		entry, err := s.cache.Get(ctx, key)
		switch {
		case err == nil && entry.Name == args.Name:
			log.Debugf(ctx, "Chunk %s served from cache", chunkID)
			return marshalResponse(&lumarpc.CompileResponse{
				ChunkID: chunkID,
				Dump:    entry.Dump,
			})
		case err != nil && !errors.Is(err, chunkcache.ErrNotFound):
			log.Warnf(ctx, "Chunk cache lookup: %v", err)
		}
	}

	dump, err := compileChunk(args.Source, args.Name, args.Strip)
	if err != nil {
		return nil, jsonrpc.Error(lumarpc.ScriptError, err)
	}
	if s.cache != nil {
		if err := s.cache.Put(ctx, key, args.Name, dump); err != nil {
			log.Warnf(ctx, "Chunk cache store: %v", err)
		}
	}
	return marshalResponse(&lumarpc.CompileResponse{
		ChunkID: chunkID,
		Dump:    dump,
	})
}

// compileChunk compiles source in a throwaway interpreter
// and returns the binary dump of the resulting function.
func compileChunk(source, name string, strip bool) ([]byte, error) {
	l, err := luma.NewWith(luma.LibNone, luma.Options{})
	if err != nil {
		return nil, err
	}
	defer l.Close()

	chunk := l.LoadString(source)
	if name != "" {
		chunk.SetName(name)
	}
	f, err := chunk.Function()
	if err != nil {
		return nil, err
	}
	return f.Dump(strip)
}

func (s *Server) status(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	s.mu.Lock()
	ids := xmaps.SortedKeys(s.sessions)
	sessions := make([]*session, 0, len(ids))
	for _, id := range ids {
		sessions = append(sessions, s.sessions[id])
	}
	s.mu.Unlock()

	// Don't send null for the array.
	resp := &lumarpc.StatusResponse{Sessions: []*lumarpc.SessionInfo{}}
	for i, sess := range sessions {
		sess.mu.Lock()
		used := sess.lua.UsedMemory()
		sess.mu.Unlock()
		resp.Sessions = append(resp.Sessions, &lumarpc.SessionInfo{
			ID:          ids[i],
			Libraries:   sess.libs.Names(),
			MemoryLimit: sess.limit,
			UsedMemory:  int64(used),
			CreatedAt:   sess.createdAt,
		})
	}
	return marshalResponse(resp)
}

func marshalResponse(data any) (*jsonrpc.Response, error) {
	jsonData, err := jsonv2.Marshal(data)
	if err != nil {
		return nil, jsonrpc.Error(jsonrpc.InternalError, err)
	}
	return &jsonrpc.Response{Result: jsonData}, nil
}
