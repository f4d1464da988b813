// Package credentials packs delegation tokens for hand-off to worker
// containers.
//
// The packed blob deliberately excludes the AM-RM token so a worker can never
// impersonate the application master against the resource manager. The blob
// is immutable; every launch context gets its own Duplicate with an
// independent read cursor over the shared backing bytes.
package credentials

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// AMRMTokenKind is the token kind the resource manager issues for the
// AM-RM channel. Tokens of this kind are stripped during Pack.
const AMRMTokenKind = "YARN_AM_RM_TOKEN"

// Token is a single delegation token granting scoped access to a cluster
// service.
type Token struct {
	Kind       string
	Service    string
	Identifier []byte
	Password   []byte
}

// Blob is an immutable serialized token set with a private read cursor.
type Blob struct {
	data []byte
	off  int
}

// Pack serializes all tokens except those whose kind equals AMRMTokenKind.
func Pack(tokens []Token) (*Blob, error) {
	var buf bytes.Buffer

	kept := make([]Token, 0, len(tokens))
	for _, t := range tokens {
		if t.Kind == AMRMTokenKind {
			continue
		}
		kept = append(kept, t)
	}

	writeUvarint(&buf, uint64(len(kept)))
	for _, t := range kept {
		writeBytes(&buf, []byte(t.Kind))
		writeBytes(&buf, []byte(t.Service))
		writeBytes(&buf, t.Identifier)
		writeBytes(&buf, t.Password)
	}

	return &Blob{data: buf.Bytes()}, nil
}

// Unpack restores the token set from a blob. It consumes the blob's cursor.
func Unpack(b *Blob) ([]Token, error) {
	r := bytes.NewReader(b.data[b.off:])

	n, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, fmt.Errorf("read token count: %w", err)
	}

	tokens := make([]Token, 0, n)
	for i := uint64(0); i < n; i++ {
		kind, err := readBytes(r)
		if err != nil {
			return nil, fmt.Errorf("read token kind: %w", err)
		}
		service, err := readBytes(r)
		if err != nil {
			return nil, fmt.Errorf("read token service: %w", err)
		}
		identifier, err := readBytes(r)
		if err != nil {
			return nil, fmt.Errorf("read token identifier: %w", err)
		}
		password, err := readBytes(r)
		if err != nil {
			return nil, fmt.Errorf("read token password: %w", err)
		}
		tokens = append(tokens, Token{
			Kind:       string(kind),
			Service:    string(service),
			Identifier: identifier,
			Password:   password,
		})
	}

	b.off = len(b.data) - r.Len()
	return tokens, nil
}

// LoadFile reads a serialized token set from disk.
func LoadFile(path string) ([]Token, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read token file %s: %w", path, err)
	}
	return Unpack(&Blob{data: data})
}

// Duplicate returns a view with a fresh cursor over the same backing bytes.
func (b *Blob) Duplicate() *Blob {
	return &Blob{data: b.data}
}

// Len returns the total size of the blob in bytes.
func (b *Blob) Len() int {
	return len(b.data)
}

// Read implements io.Reader, advancing this view's cursor only.
func (b *Blob) Read(p []byte) (int, error) {
	if b.off >= len(b.data) {
		return 0, io.EOF
	}
	n := copy(p, b.data[b.off:])
	b.off += n
	return n, nil
}

// MarshalJSON encodes the backing bytes as base64 for transport inside a
// launch context.
func (b *Blob) MarshalJSON() ([]byte, error) {
	return []byte(`"` + base64.StdEncoding.EncodeToString(b.data) + `"`), nil
}

// UnmarshalJSON decodes a base64 string into a fresh blob.
func (b *Blob) UnmarshalJSON(data []byte) error {
	if len(data) < 2 || data[0] != '"' || data[len(data)-1] != '"' {
		return fmt.Errorf("credential blob must be a base64 string")
	}
	decoded, err := base64.StdEncoding.DecodeString(string(data[1 : len(data)-1]))
	if err != nil {
		return fmt.Errorf("decode credential blob: %w", err)
	}
	b.data = decoded
	b.off = 0
	return nil
}

func writeUvarint(buf *bytes.Buffer, v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	buf.Write(tmp[:n])
}

func writeBytes(buf *bytes.Buffer, b []byte) {
	writeUvarint(buf, uint64(len(b)))
	buf.Write(b)
}

func readBytes(r *bytes.Reader) ([]byte, error) {
	n, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}
