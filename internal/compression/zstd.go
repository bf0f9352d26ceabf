// Package compression wraps the zstd codec used for every bulk payload
// on the wire: preprocessed source, compiler outputs, and full
// Bloom-filter snapshots.
package compression

import (
	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
)

// Zstd compresses raw at the default level.
func Zstd(raw []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, errors.Wrap(err, "creating zstd writer")
	}
	defer enc.Close()
	return enc.EncodeAll(raw, nil), nil
}

// Unzstd decompresses buf.
func Unzstd(buf []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, errors.Wrap(err, "creating zstd reader")
	}
	defer dec.Close()
	out, err := dec.DecodeAll(buf, nil)
	if err != nil {
		return nil, errors.Wrap(err, "decompressing")
	}
	return out, nil
}
