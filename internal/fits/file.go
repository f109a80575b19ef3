package fits

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// ErrNoEnd is returned when a file ends before the END card.
var ErrNoEnd = errors.New("fits: END card not found")

// maxHeaderBlocks bounds the header scan for files that are not FITS.
const maxHeaderBlocks = 1000

// ReadPrimaryHeader parses the primary header of the file at path. Only
// header blocks are read.
func ReadPrimaryHeader(path string) (*Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	h, _, err := readHeader(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return h, nil
}

// readHeader returns the header and the number of bytes it occupies.
func readHeader(r io.Reader) (*Header, int64, error) {
	h := NewHeader()
	block := make([]byte, blockSize)
	var size int64
	for n := 0; n < maxHeaderBlocks; n++ {
		if _, err := io.ReadFull(r, block); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, 0, ErrNoEnd
			}
			return nil, 0, err
		}
		size += blockSize
		if n == 0 && !bytes.HasPrefix(block, []byte("SIMPLE  =")) && !bytes.HasPrefix(block, []byte("XTENSION=")) {
			return nil, 0, errors.New("fits: not a FITS file")
		}
		for off := 0; off < blockSize; off += cardSize {
			line := string(block[off : off+cardSize])
			card := parseCard(line)
			if card.Key == "END" && !card.HasEq {
				return h, size, nil
			}
			h.cards = append(h.cards, card)
		}
	}
	return nil, 0, ErrNoEnd
}

// UpdatePrimaryHeader applies fn to the primary header of path and writes
// the result back. When the header still fits the same number of blocks
// it is overwritten in place, otherwise the file is rewritten through a
// temporary file with the data copied verbatim. Symlinks are followed.
func UpdatePrimaryHeader(path string, fn func(*Header) error) error {
	real, err := filepath.EvalSymlinks(path)
	if err != nil {
		return err
	}

	f, err := os.OpenFile(real, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer f.Close()

	h, size, err := readHeader(f)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	if err := fn(h); err != nil {
		return err
	}
	encoded := h.Encode()

	if int64(len(encoded)) == size {
		if _, err := f.WriteAt(encoded, 0); err != nil {
			return fmt.Errorf("write header %s: %w", path, err)
		}
		return f.Sync()
	}

	info, err := f.Stat()
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(real), "."+filepath.Base(real)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(encoded); err != nil {
		tmp.Close()
		return err
	}
	if _, err := f.Seek(size, io.SeekStart); err != nil {
		tmp.Close()
		return err
	}
	if _, err := io.Copy(tmp, f); err != nil {
		tmp.Close()
		return fmt.Errorf("copy data units of %s: %w", path, err)
	}
	if err := tmp.Chmod(info.Mode().Perm()); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), real)
}

// WriteFile writes a header followed by data, padding data to whole blocks.
// It is used to build small frames and masks.
func WriteFile(path string, h *Header, data []byte) error {
	buf := bytes.NewBuffer(h.Encode())
	buf.Write(data)
	if rem := len(data) % blockSize; rem != 0 {
		buf.Write(make([]byte, blockSize-rem))
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}
