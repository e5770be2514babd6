// Copyright 2025 The Luma Authors
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net"
	"os"
	"path/filepath"

	jsonv2 "github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"
	"github.com/tailscale/hujson"
	luma "luma.256lights.llc/pkg"
	"luma.256lights.llc/pkg/internal/chunkcache"
	"luma.256lights.llc/pkg/internal/jsonrpc"
	"luma.256lights.llc/pkg/internal/lumarpc"
)

type globalConfig struct {
	Debug       bool     `json:"debug"`
	Socket      string   `json:"socket"`
	CacheDB     string   `json:"cacheDB"`
	Libraries   []string `json:"libraries"`
	MemoryLimit int64    `json:"memoryLimit"`
}

func defaultGlobalConfig() *globalConfig {
	return &globalConfig{
		Socket: filepath.Join(defaultVarDir(), "server.sock"),
	}
}

func (g *globalConfig) mergeEnvironment() error {
	if path := os.Getenv("LUMA_SOCKET"); path != "" {
		g.Socket = path
	}
	if g.CacheDB == "" {
		if cd := cacheDir(); cd != "" {
			g.CacheDB = filepath.Join(cd, "luma", "chunks.db")
		}
	}
	return nil
}

func (g *globalConfig) mergeFiles(paths iter.Seq[string]) error {
	for path := range paths {
		huJSONData, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return err
		}
		jsonData, err := hujson.Standardize(huJSONData)
		if err != nil {
			return fmt.Errorf("read %s: %v", path, err)
		}
		if err := jsonv2.Unmarshal(jsonData, g, jsonv2.RejectUnknownMembers(false)); err != nil {
			return fmt.Errorf("read %s: %v", path, err)
		}
	}

	return nil
}

// UnmarshalJSONFrom unmarshals the configuration object from the JSON decoder,
// merging any fields in the JSON object with existing values.
func (g *globalConfig) UnmarshalJSONFrom(in *jsontext.Decoder) error {
	tok, err := in.ReadToken()
	if err != nil {
		return err
	}
	if got := tok.Kind(); got != '{' {
		return fmt.Errorf("config must be an object not a %v", got)
	}

	for {
		keyToken, err := in.ReadToken()
		if err != nil {
			return err
		}
		switch kind := keyToken.Kind(); kind {
		case '}':
			return nil
		case '"':
			// Keep going.
		default:
			return fmt.Errorf("unexpected non-string key (%v) in object", kind)
		}

		switch k := keyToken.String(); k {
		case "debug":
			if err := jsonv2.UnmarshalDecode(in, &g.Debug); err != nil {
				return fmt.Errorf("unmarshal config.debug: %w", err)
			}
		case "socket":
			if err := jsonv2.UnmarshalDecode(in, &g.Socket); err != nil {
				return fmt.Errorf("unmarshal config.socket: %w", err)
			}
		case "cacheDB":
			if err := jsonv2.UnmarshalDecode(in, &g.CacheDB); err != nil {
				return fmt.Errorf("unmarshal config.cacheDB: %w", err)
			}
		case "libraries":
			// Use any unused capacity at end of the slice.
			newLibs := g.Libraries[len(g.Libraries):]

			if err := jsonv2.UnmarshalDecode(in, &newLibs); err != nil {
				return fmt.Errorf("unmarshal config.libraries: %w", err)
			}
			g.Libraries = append(g.Libraries, newLibs...)
		case "memoryLimit":
			if err := jsonv2.UnmarshalDecode(in, &g.MemoryLimit); err != nil {
				return fmt.Errorf("unmarshal config.memoryLimit: %w", err)
			}
		default:
			if reject, _ := jsonv2.GetOption(in.Options(), jsonv2.RejectUnknownMembers); reject {
				return fmt.Errorf("unmarshal config: unknown field %q", k)
			}
		}
	}
}

// defaultLibraries returns the standard library mask
// named by the configuration,
// or [luma.LibAllSafe] if the configuration does not name any.
func (g *globalConfig) defaultLibraries() (luma.StdLib, error) {
	if len(g.Libraries) == 0 {
		return luma.LibAllSafe, nil
	}
	libs := luma.LibNone
	for _, name := range g.Libraries {
		lib, err := luma.ParseStdLib(name)
		if err != nil {
			return 0, err
		}
		libs |= lib
	}
	return libs, nil
}

// openChunkCache opens the configured chunk cache database,
// or returns nil if the configuration does not name one.
// The caller is responsible for closing the returned cache.
func (g *globalConfig) openChunkCache() (*chunkcache.Cache, error) {
	if g.CacheDB == "" {
		return nil, nil
	}
	if err := os.MkdirAll(filepath.Dir(g.CacheDB), 0o755); err != nil {
		return nil, err
	}
	return chunkcache.Open(g.CacheDB), nil
}

// serverClient returns a JSON-RPC client
// that connects to the server socket on first use.
func (g *globalConfig) serverClient() *jsonrpc.Client {
	return jsonrpc.NewClient(func(ctx context.Context) (jsonrpc.ClientCodec, error) {
		conn, err := (&net.Dialer{}).DialContext(ctx, "unix", g.Socket)
		if err != nil {
			return nil, err
		}
		return lumarpc.NewCodec(conn), nil
	})
}

// configFilePaths returns the configuration file paths to read
// in increasing order of preference.
func configFilePaths() iter.Seq[string] {
	return func(yield func(string) bool) {
		for dir := range systemConfigDirs() {
			if !yield(filepath.Join(dir, "luma", "config.jwcc")) {
				return
			}
		}
	}
}
