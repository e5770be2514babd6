// Copyright 2025 The Luma Authors
// SPDX-License-Identifier: MIT

package lumarpc

import (
	"net"
	"strconv"
	"strings"
	"testing"

	"github.com/go-json-experiment/json/jsontext"
	"luma.256lights.llc/pkg/internal/jsonrpc"
)

func TestCodec(t *testing.T) {
	srvConn, clientConn := net.Pipe()
	server := NewCodec(srvConn)
	client := NewCodec(clientConn)
	defer func() {
		server.Close()
		client.Close()
	}()

	request := jsontext.Value(`{"jsonrpc":"2.0","method":"luma.nop","id":1}`)
	if err := client.WriteRequest(request); err != nil {
		t.Fatal("WriteRequest:", err)
	}
	got, err := server.ReadRequest()
	if err != nil {
		t.Fatal("ReadRequest:", err)
	}
	if string(got) != string(request) {
		t.Errorf("ReadRequest() = %s; want %s", got, request)
	}

	response := jsontext.Value(`{"jsonrpc":"2.0","result":null,"id":1}`)
	if err := server.WriteResponse(response); err != nil {
		t.Fatal("WriteResponse:", err)
	}
	got, err = client.ReadResponse()
	if err != nil {
		t.Fatal("ReadResponse:", err)
	}
	if string(got) != string(response) {
		t.Errorf("ReadResponse() = %s; want %s", got, response)
	}

	t.Run("SkipsUnknownContentType", func(t *testing.T) {
		w := jsonrpc.NewWriter(clientConn)
		hdr := jsonrpc.Header{
			"Content-Length": {"5"},
			"Content-Type":   {"text/plain"},
		}
		if err := w.WriteMessage(hdr, strings.NewReader("hello")); err != nil {
			t.Fatal("WriteMessage:", err)
		}
		if err := client.WriteRequest(request); err != nil {
			t.Fatal("WriteRequest:", err)
		}
		got, err := server.ReadRequest()
		if err != nil {
			t.Fatal("ReadRequest:", err)
		}
		if string(got) != string(request) {
			t.Errorf("ReadRequest() = %s; want %s", got, request)
		}
	})

	t.Run("RejectsLargeMessage", func(t *testing.T) {
		w := jsonrpc.NewWriter(clientConn)
		hdr := jsonrpc.Header{
			"Content-Length": {strconv.Itoa(maxAPIMessageSize + 1)},
			"Content-Type":   {rpcContentType},
		}
		// The writer fails to fill the declared length,
		// but the header alone is enough to trip the reader's limit.
		w.WriteMessage(hdr, strings.NewReader(""))

		if _, err := server.ReadRequest(); err == nil {
			t.Error("ReadRequest succeeded; want error")
		} else if !strings.Contains(err.Error(), "large api message") {
			t.Errorf("ReadRequest error = %v; want large api message", err)
		}
	})
}
