// Package codec implements the chunked zlib stream wsvc uses to store blob
// payloads: plaintext is cut into fixed-size chunks, each chunk is
// compressed independently at best-compression, and framed behind a small
// length-prefixed header so a reader never needs to buffer a whole blob in
// memory to either write or restore it.
//
// The per-chunk header is the pair of bytes 0x78 0xDA (the same two bytes
// klauspost/compress/zlib emits as the CMF/FLG header of a BestCompression
// stream) followed by a 16-bit big-endian length of the compressed bytes
// that follow. Readers rely on the length to know exactly how many bytes to
// hand to the zlib reader; the leading 0x78 0xDA is a fixed sentinel, not
// reparsed out of the compressed payload itself (which happens to start
// with the same two bytes again, since that's a zlib stream's own header).
package codec

import (
	"bytes"
	"encoding/binary"
	"io"

	kzlib "github.com/klauspost/compress/zlib"

	"github.com/ret2shell/wsvc/internal/wsvcerr"
)

// ChunkSize is the amount of plaintext compressed into a single chunk.
const ChunkSize = 16 * 1024

// readBufSize is the scratch buffer size used when draining chunk payloads.
const readBufSize = 32 * 1024

// magicHi and magicLo are the two sentinel bytes that open every chunk
// header. They equal the CMF/FLG bytes zlib.BestCompression produces, which
// is a property of the format, not something this package constructs by
// hand.
const (
	magicHi byte = 0x78
	magicLo byte = 0xDA
)

// maxChunkLen is the largest compressed-chunk length the 16-bit length field
// can express.
const maxChunkLen = 0xFFFF

// Compress reads plaintext from r in ChunkSize pieces, zlib-compresses each
// piece independently at BestCompression, and writes the framed chunk
// stream to w.
func Compress(w io.Writer, r io.Reader) error {
	buf := make([]byte, ChunkSize)
	for {
		n, readErr := io.ReadFull(r, buf)
		if n > 0 {
			if err := writeChunk(w, buf[:n]); err != nil {
				return err
			}
		}
		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			return nil
		}
		if readErr != nil {
			return wsvcerr.Wrap(wsvcerr.IO, "codec: read plaintext", readErr)
		}
	}
}

func writeChunk(w io.Writer, plain []byte) error {
	var compressed bytes.Buffer
	zw, err := kzlib.NewWriterLevel(&compressed, kzlib.BestCompression)
	if err != nil {
		return wsvcerr.Wrap(wsvcerr.IO, "codec: open zlib writer", err)
	}
	if _, err := zw.Write(plain); err != nil {
		return wsvcerr.Wrap(wsvcerr.IO, "codec: compress chunk", err)
	}
	if err := zw.Close(); err != nil {
		return wsvcerr.Wrap(wsvcerr.IO, "codec: close zlib writer", err)
	}

	if compressed.Len() > maxChunkLen {
		return wsvcerr.Newf(wsvcerr.Corrupt, "codec: compressed chunk of %d bytes exceeds %d-byte frame limit", compressed.Len(), maxChunkLen)
	}
	if compressed.Len() < 2 || compressed.Bytes()[0] != magicHi || compressed.Bytes()[1] != magicLo {
		return wsvcerr.Newf(wsvcerr.Corrupt, "codec: unexpected zlib header %x", compressed.Bytes()[:min(2, compressed.Len())])
	}

	var header [4]byte
	header[0] = magicHi
	header[1] = magicLo
	binary.BigEndian.PutUint16(header[2:], uint16(compressed.Len()))
	if _, err := w.Write(header[:]); err != nil {
		return wsvcerr.Wrap(wsvcerr.IO, "codec: write chunk header", err)
	}
	if _, err := w.Write(compressed.Bytes()); err != nil {
		return wsvcerr.Wrap(wsvcerr.IO, "codec: write chunk payload", err)
	}
	return nil
}

// Decompress reads a framed chunk stream from r and writes the recovered
// plaintext to w, validating each chunk header and rejecting corrupt input.
func Decompress(w io.Writer, r io.Reader) error {
	var header [4]byte
	for {
		_, err := io.ReadFull(r, header[:])
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return wsvcerr.Wrap(wsvcerr.Corrupt, "codec: read chunk header", err)
		}
		if header[0] != magicHi || header[1] != magicLo {
			return wsvcerr.Newf(wsvcerr.Corrupt, "codec: bad chunk magic %x", header[:2])
		}
		length := binary.BigEndian.Uint16(header[2:])
		if length == 0 {
			return wsvcerr.New(wsvcerr.Corrupt, "codec: zero-length chunk")
		}

		payload := make([]byte, length)
		if _, err := io.ReadFull(r, payload); err != nil {
			return wsvcerr.Wrap(wsvcerr.Corrupt, "codec: read chunk payload", err)
		}

		zr, err := kzlib.NewReader(bytes.NewReader(payload))
		if err != nil {
			return wsvcerr.Wrap(wsvcerr.Corrupt, "codec: open zlib reader", err)
		}
		if _, err := io.CopyBuffer(w, zr, make([]byte, readBufSize)); err != nil {
			zr.Close()
			return wsvcerr.Wrap(wsvcerr.Corrupt, "codec: decompress chunk", err)
		}
		if err := zr.Close(); err != nil {
			return wsvcerr.Wrap(wsvcerr.Corrupt, "codec: close zlib reader", err)
		}
	}
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
