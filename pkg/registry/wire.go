package registry

import (
	"bytes"
	"fmt"

	xdr "github.com/rasky/go-xdr/xdr2"
)

// UDP registry datagrams are XDR encoded (RFC 4506). Every datagram starts
// with wireMagic so stray traffic on the port is dropped.
const wireMagic uint32 = 0x52504752 // "RPGR"

// Operations.
const (
	opRegister   uint32 = 1
	opUnregister uint32 = 2
	opList       uint32 = 3
)

// Reply status codes.
const (
	statusOK    uint32 = 0
	statusError uint32 = 1
)

// maxDatagramSize bounds a single registry datagram.
const maxDatagramSize = 64 * 1024

// wireRequest is sent by registrars and discovery clients.
type wireRequest struct {
	Magic      uint32
	Op         uint32
	InstanceID string
	Aliases    []string
	Port       uint32
}

// wireReply answers opRegister and opList. opUnregister gets no reply.
type wireReply struct {
	Magic   uint32
	Op      uint32
	Status  uint32
	Message string
	Entries []wireEntry
}

type wireEntry struct {
	InstanceID   string
	Alias        string
	Host         string
	Port         uint32
	RegisteredAt int64
	ExpiresAt    int64
}

func encodeXDR(v any) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := xdr.Marshal(&buf, v); err != nil {
		return nil, fmt.Errorf("xdr encode: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeRequest(data []byte) (*wireRequest, error) {
	req := &wireRequest{}
	if _, err := xdr.Unmarshal(bytes.NewReader(data), req); err != nil {
		return nil, fmt.Errorf("xdr decode request: %w", err)
	}
	if req.Magic != wireMagic {
		return nil, fmt.Errorf("bad magic 0x%08x", req.Magic)
	}
	return req, nil
}

func decodeReply(data []byte) (*wireReply, error) {
	reply := &wireReply{}
	if _, err := xdr.Unmarshal(bytes.NewReader(data), reply); err != nil {
		return nil, fmt.Errorf("xdr decode reply: %w", err)
	}
	if reply.Magic != wireMagic {
		return nil, fmt.Errorf("bad magic 0x%08x", reply.Magic)
	}
	return reply, nil
}
