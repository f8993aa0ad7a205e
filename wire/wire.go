// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package wire defines the envelope carried by remote operations and
// the polymorphic payload registry keyed by a stable 16-bit tag per
// operation kind. The actual transport framing is an external
// collaborator; this package only fixes the byte contract.
package wire

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/limitbuf"
	"github.com/grailbio/base/log"
	"github.com/spaolacci/murmur3"
)

// Tag identifies a payload kind on the wire. Tags are stable across
// versions: a payload kind keeps its tag forever.
type Tag uint16

// A Payload is the serialized argument block of one remote operation
// kind.
type Payload interface {
	// Tag returns the payload's stable wire tag.
	Tag() Tag
	// Marshal serializes the payload.
	Marshal() ([]byte, error)
	// Unmarshal replaces the payload's contents from serialized form.
	Unmarshal(data []byte) error
}

// An Envelope carries a remote operation's identity: the origin node,
// the operation's unique id and generation. The payload is encoded
// alongside it by Registry.Encode.
type Envelope struct {
	Origin     uuid.UUID
	UniqueID   uint64
	Generation uint64
}

// header layout: origin (16) | unique id (8) | generation (8) |
// tag (2) | payload size (4) | payload digest (8).
const headerSize = 16 + 8 + 8 + 2 + 4 + 8

// A Registry maps wire tags to payload factories. Registration is
// typically done from package init functions.
type Registry struct {
	mu        sync.Mutex
	factories map[Tag]func() Payload
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[Tag]func() Payload)}
}

// Register installs a payload factory for a tag. Registering a tag
// twice is a fatal error: tags are the wire contract.
func (r *Registry) Register(tag Tag, factory func() Payload) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[tag]; ok {
		return errors.E(errors.Exists, errors.Fatal, fmt.Sprintf("wire: tag %d registered twice", tag))
	}
	r.factories[tag] = factory
	return nil
}

// Encode serializes an envelope and its payload.
func (r *Registry) Encode(env Envelope, p Payload) ([]byte, error) {
	body, err := p.Marshal()
	if err != nil {
		return nil, err
	}
	out := make([]byte, headerSize+len(body))
	copy(out[0:16], env.Origin[:])
	binary.LittleEndian.PutUint64(out[16:], env.UniqueID)
	binary.LittleEndian.PutUint64(out[24:], env.Generation)
	binary.LittleEndian.PutUint16(out[32:], uint16(p.Tag()))
	binary.LittleEndian.PutUint32(out[34:], uint32(len(body)))
	binary.LittleEndian.PutUint64(out[38:], murmur3.Sum64(body))
	copy(out[headerSize:], body)
	return out, nil
}

// Decode parses an envelope and reconstructs its payload through the
// registry. An unknown tag rejects the message; a digest mismatch
// rejects it as corrupt.
func (r *Registry) Decode(data []byte) (Envelope, Payload, error) {
	var env Envelope
	if len(data) < headerSize {
		return env, nil, errors.E(errors.Invalid, "wire: short message")
	}
	copy(env.Origin[:], data[0:16])
	env.UniqueID = binary.LittleEndian.Uint64(data[16:])
	env.Generation = binary.LittleEndian.Uint64(data[24:])
	tag := Tag(binary.LittleEndian.Uint16(data[32:]))
	size := binary.LittleEndian.Uint32(data[34:])
	digest := binary.LittleEndian.Uint64(data[38:])
	body := data[headerSize:]
	if uint32(len(body)) != size {
		return env, nil, errors.E(errors.Invalid, "wire: payload size mismatch")
	}
	if murmur3.Sum64(body) != digest {
		return env, nil, errors.E(errors.Integrity, "wire: payload digest mismatch")
	}
	r.mu.Lock()
	factory := r.factories[tag]
	r.mu.Unlock()
	if factory == nil {
		log.Error.Printf("wire: rejecting message from %s with unknown tag %d: %s", env.Origin, tag, truncatef(body))
		return env, nil, errors.E(errors.Invalid, fmt.Sprintf("wire: unknown tag %d", tag))
	}
	p := factory()
	if err := p.Unmarshal(body); err != nil {
		return env, nil, err
	}
	return env, p, nil
}

// truncatef renders v, truncated for logging.
func truncatef(v interface{}) string {
	b := limitbuf.NewLogger(80)
	fmt.Fprintf(b, "%v", v)
	return b.String()
}
