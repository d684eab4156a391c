// Package decode turns an inbound upload body into a file on disk without
// buffering the whole payload.
package decode

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// Encoding is the transfer encoding of an upload body.
type Encoding string

const (
	// EncodingBase64 is what browsers send after FileReader.readAsDataURL.
	EncodingBase64 Encoding = "base64"
	// EncodingIdentity is a raw binary body.
	EncodingIdentity Encoding = "identity"
)

// ParseEncoding normalizes a header or config value. Empty maps to fallback.
func ParseEncoding(value string, fallback Encoding) (Encoding, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "":
		return fallback, nil
	case string(EncodingBase64):
		return EncodingBase64, nil
	case string(EncodingIdentity), "binary", "raw":
		return EncodingIdentity, nil
	default:
		return "", fmt.Errorf("unknown transfer encoding %q", value)
	}
}

var (
	// ErrDestination means the destination file could not be created or opened.
	ErrDestination = errors.New("cannot access destination file")
	// ErrDecode means reading, decoding or writing failed mid-stream.
	ErrDecode = errors.New("decode failed")
)

// maxDataURLPrefix bounds how far we look for the "data:...;base64," header.
const maxDataURLPrefix = 256

// Decoder streams payloads to disk in fixed-size chunks.
type Decoder struct {
	bufferSize int
}

// New returns a decoder reading bufferSize bytes at a time.
func New(bufferSize int) *Decoder {
	if bufferSize <= 0 {
		bufferSize = 64 * 1024
	}
	return &Decoder{bufferSize: bufferSize}
}

// DecodeToFile writes the decoded body of r to dst (created or truncated) and
// returns the number of decoded bytes written. Both the destination handle and
// the decoding reader are released before returning.
func (d *Decoder) DecodeToFile(r io.Reader, enc Encoding, dst string) (written int64, err error) {
	if r == nil {
		return 0, fmt.Errorf("%w: reader is required", ErrDecode)
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrDestination, err)
	}
	defer func() {
		if cerr := out.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("%w: close %s: %v", ErrDecode, dst, cerr)
		}
	}()

	src, err := d.reader(r, enc)
	if err != nil {
		return 0, err
	}
	if closer, ok := src.(io.Closer); ok {
		defer closer.Close()
	}

	buf := make([]byte, d.bufferSize)
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				return written, fmt.Errorf("%w: write %s: %v", ErrDecode, dst, werr)
			}
			written += int64(n)
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, fmt.Errorf("%w: read: %v", ErrDecode, rerr)
		}
	}
}

func (d *Decoder) reader(r io.Reader, enc Encoding) (io.Reader, error) {
	switch enc {
	case EncodingIdentity:
		return r, nil
	case EncodingBase64, "":
		br := bufio.NewReaderSize(r, d.bufferSize)
		if err := skipDataURLPrefix(br); err != nil {
			return nil, err
		}
		return base64.NewDecoder(base64.StdEncoding, br), nil
	default:
		return nil, fmt.Errorf("%w: unknown transfer encoding %q", ErrDecode, enc)
	}
}

// skipDataURLPrefix consumes a leading "data:<mime>;base64," if present.
func skipDataURLPrefix(br *bufio.Reader) error {
	head, err := br.Peek(5)
	if err != nil && err != io.EOF {
		return fmt.Errorf("%w: read: %v", ErrDecode, err)
	}
	if !bytes.Equal(head, []byte("data:")) {
		return nil
	}
	limit := maxDataURLPrefix
	if limit > br.Size() {
		limit = br.Size()
	}
	window, err := br.Peek(limit)
	if err != nil && err != io.EOF && !errors.Is(err, bufio.ErrBufferFull) {
		return fmt.Errorf("%w: read: %v", ErrDecode, err)
	}
	comma := bytes.IndexByte(window, ',')
	if comma < 0 {
		return fmt.Errorf("%w: malformed data url prefix", ErrDecode)
	}
	if !bytes.HasSuffix(window[:comma], []byte(";base64")) {
		return fmt.Errorf("%w: data url is not base64 encoded", ErrDecode)
	}
	_, err = br.Discard(comma + 1)
	return err
}
