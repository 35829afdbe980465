package diag

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/fxamacker/cbor/v2"
	"github.com/ulikunitz/xz"
)

// readableFormats is the range of snapshot formats this package decodes.
const readableFormats = "^1.0.0"

// ErrIncompatibleFormat is returned when decoding a snapshot written in a
// format this package cannot read.
var ErrIncompatibleFormat = errors.New("diag: incompatible snapshot format")

var (
	cborEncMode      cbor.EncMode
	formatConstraint *semver.Constraints
)

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("diag: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em

	c, err := semver.NewConstraint(readableFormats)
	if err != nil {
		panic(fmt.Sprintf("diag: bad format constraint: %v", err))
	}
	formatConstraint = c
}

// Encode serializes a snapshot to CBOR bytes.
func Encode(s *Snapshot) ([]byte, error) {
	return cborEncMode.Marshal(s)
}

// Decode deserializes a snapshot from CBOR bytes.
func Decode(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := cbor.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("diag: unmarshal snapshot: %w", err)
	}
	v, err := semver.NewVersion(s.Format)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrIncompatibleFormat, s.Format)
	}
	if !formatConstraint.Check(v) {
		return nil, fmt.Errorf("%w: %s, want %s", ErrIncompatibleFormat, v, readableFormats)
	}
	return &s, nil
}

// WriteFile writes a snapshot to path, xz-compressed if path ends in ".xz".
func WriteFile(path string, s *Snapshot) (err error) {
	data, err := Encode(s)
	if err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	return writeEncoded(f, data, strings.HasSuffix(path, ".xz"))
}

// writeEncoded writes data to w, through an xz stream if compress is set.
// The xz stream is closed on every path.
func writeEncoded(w io.Writer, data []byte, compress bool) error {
	if !compress {
		_, err := w.Write(data)
		return err
	}
	xw, err := xz.NewWriter(w)
	if err != nil {
		return fmt.Errorf("diag: xz writer: %w", err)
	}
	if _, err := xw.Write(data); err != nil {
		xw.Close()
		return err
	}
	return xw.Close()
}

// xzMagic starts every xz stream.
var xzMagic = []byte{0xfd, '7', 'z', 'X', 'Z', 0x00}

// ReadFile reads a snapshot written by WriteFile, compressed or not.
func ReadFile(path string) (*Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	br := bufio.NewReader(f)
	var r io.Reader = br
	if head, _ := br.Peek(len(xzMagic)); bytes.Equal(head, xzMagic) {
		xr, err := xz.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("diag: xz reader: %w", err)
		}
		r = xr
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("diag: read %s: %w", path, err)
	}
	return Decode(data)
}
