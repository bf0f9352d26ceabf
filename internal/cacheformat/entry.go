// Package cacheformat implements the on-disk/on-wire framing of a
// compilation cache entry: a fixed 64-byte integrity header, a
// length-prefixed JSON meta block, and a framed keyed buffer of output
// files. It is the leaf-most component in the cache layer — everything
// else (ARC, disk cache, cache server) moves these bytes around without
// looking inside them.
package cacheformat

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"lukechampine.com/blake3"

	"github.com/yadcc-go/yadcc/internal/model"
)

const headerSize = 64 // 32B payload digest + 32B reserved

// FileEntry is one output file captured from the compiler, keyed by its
// extension (".o", ".d", ...) as the spec's `file_extensions[]` implies.
type FileEntry struct {
	Name string
	Data []byte
}

// Entry is the parsed form of `(exit_code, stdout, stderr, extra, files)`.
type Entry struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Extra    []byte // opaque, language-specific extra info
	Files    []FileEntry
}

type metaRecord struct {
	ExitCode     int    `json:"exit_code"`
	Stdout       string `json:"stdout"`
	Stderr       string `json:"stderr"`
	Extra        []byte `json:"extra,omitempty"`
	BlakeOfFiles string `json:"blake_of_files"`
}

// Key builds the stable cache-entry key for a C++ compilation task:
// "yadcc-cxx2-entry-" + hex(blake3("using-extra-info" || env || args || src)).
func Key(env model.EnvironmentDesc, invocationArgs, sourceDigest string) string {
	input := "using-extra-info" + env.CompilerDigest + invocationArgs + sourceDigest
	sum := blake3.Sum256([]byte(input))
	return "yadcc-cxx2-entry-" + hex.EncodeToString(sum[:])
}

// Digest builds a task digest: same inputs as Key but with a different
// salt, used for in-flight dedup rather than distributed caching.
func Digest(env model.EnvironmentDesc, invocationArgs, sourceDigest string) string {
	input := "using-task-digest" + env.CompilerDigest + invocationArgs + sourceDigest
	sum := blake3.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}

func encodeFiles(files []FileEntry) []byte {
	var buf bytes.Buffer
	var u32 [4]byte
	var u64 [8]byte

	binary.LittleEndian.PutUint32(u32[:], uint32(len(files)))
	buf.Write(u32[:])
	for _, f := range files {
		binary.LittleEndian.PutUint32(u32[:], uint32(len(f.Name)))
		buf.Write(u32[:])
		buf.WriteString(f.Name)
		binary.LittleEndian.PutUint64(u64[:], uint64(len(f.Data)))
		buf.Write(u64[:])
		buf.Write(f.Data)
	}
	return buf.Bytes()
}

func decodeFiles(buf []byte) ([]FileEntry, error) {
	if len(buf) < 4 {
		return nil, errors.Wrap(model.ErrCorruptedEntry, "truncated file table")
	}
	count := binary.LittleEndian.Uint32(buf[:4])
	buf = buf[4:]

	files := make([]FileEntry, 0, count)
	for i := uint32(0); i < count; i++ {
		if len(buf) < 4 {
			return nil, errors.Wrap(model.ErrCorruptedEntry, "truncated file name length")
		}
		nameLen := binary.LittleEndian.Uint32(buf[:4])
		buf = buf[4:]
		if uint32(len(buf)) < nameLen+8 {
			return nil, errors.Wrap(model.ErrCorruptedEntry, "truncated file header")
		}
		name := string(buf[:nameLen])
		buf = buf[nameLen:]
		dataLen := binary.LittleEndian.Uint64(buf[:8])
		buf = buf[8:]
		if uint64(len(buf)) < dataLen {
			return nil, errors.Wrap(model.ErrCorruptedEntry, "truncated file data")
		}
		data := buf[:dataLen]
		buf = buf[dataLen:]
		files = append(files, FileEntry{Name: name, Data: data})
	}
	return files, nil
}

// Write serializes e into the on-disk/on-wire wire form:
// [header(64B)][meta length(4B LE)][meta JSON][framed files].
func Write(e Entry) []byte {
	filesBuf := encodeFiles(e.Files)
	blakeOfFiles := blake3.Sum256(filesBuf)

	meta := metaRecord{
		ExitCode:     e.ExitCode,
		Stdout:       e.Stdout,
		Stderr:       e.Stderr,
		Extra:        e.Extra,
		BlakeOfFiles: hex.EncodeToString(blakeOfFiles[:]),
	}
	metaBytes, err := jsoniter.Marshal(meta)
	if err != nil {
		// meta is a plain, JSON-safe struct; Marshal cannot fail here.
		panic(err)
	}

	var metaLen [4]byte
	binary.LittleEndian.PutUint32(metaLen[:], uint32(len(metaBytes)))

	payload := make([]byte, 0, 4+len(metaBytes)+len(filesBuf))
	payload = append(payload, metaLen[:]...)
	payload = append(payload, metaBytes...)
	payload = append(payload, filesBuf...)

	digest := blake3.Sum256(payload)

	out := make([]byte, 0, headerSize+len(payload))
	out = append(out, digest[:]...)
	out = append(out, make([]byte, 32)...) // reserved
	out = append(out, payload...)
	return out
}

// Verify recomputes the header digest over the payload and reports
// corruption as model.ErrCorruptedEntry. It is the cheap check a storage
// layer runs on every read, without decoding the entry.
func Verify(buf []byte) error {
	if len(buf) < headerSize {
		return errors.Wrap(model.ErrCorruptedEntry, "buffer shorter than header")
	}
	gotDigest := blake3.Sum256(buf[headerSize:])
	if !bytes.Equal(buf[:32], gotDigest[:]) {
		return errors.Wrap(model.ErrCorruptedEntry, "payload digest mismatch")
	}
	return nil
}

// Parse verifies the integrity header and decodes buf back into an Entry.
// Any corruption — truncation, a flipped byte anywhere in the payload, a
// non-zero reserved header byte, a files-table checksum mismatch — is
// reported as model.ErrCorruptedEntry, which callers downgrade to a cache
// miss.
func Parse(buf []byte) (*Entry, error) {
	if err := Verify(buf); err != nil {
		return nil, err
	}
	for _, b := range buf[32:headerSize] {
		if b != 0 {
			return nil, errors.Wrap(model.ErrCorruptedEntry, "non-zero reserved header bytes")
		}
	}
	payload := buf[headerSize:]
	if len(payload) < 4 {
		return nil, errors.Wrap(model.ErrCorruptedEntry, "truncated meta length")
	}
	metaLen := binary.LittleEndian.Uint32(payload[:4])
	payload = payload[4:]
	if uint32(len(payload)) < metaLen {
		return nil, errors.Wrap(model.ErrCorruptedEntry, "truncated meta")
	}
	metaBytes := payload[:metaLen]
	filesBuf := payload[metaLen:]

	var meta metaRecord
	if err := jsoniter.Unmarshal(metaBytes, &meta); err != nil {
		return nil, errors.Wrap(model.ErrCorruptedEntry, "malformed meta json")
	}

	files, err := decodeFiles(filesBuf)
	if err != nil {
		return nil, err
	}

	blakeOfFiles := blake3.Sum256(filesBuf)
	if hex.EncodeToString(blakeOfFiles[:]) != meta.BlakeOfFiles {
		return nil, errors.Wrap(model.ErrCorruptedEntry, "files digest mismatch")
	}

	return &Entry{
		ExitCode: meta.ExitCode,
		Stdout:   meta.Stdout,
		Stderr:   meta.Stderr,
		Extra:    meta.Extra,
		Files:    files,
	}, nil
}
