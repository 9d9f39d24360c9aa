package corpus

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/arturoeanton/wikirag/internal/domain"
)

const maxLineSize = 16 << 20

// WriteChunks writes one chunk text per line in id order.
func WriteChunks(w io.Writer, chunks []domain.Chunk) error {
	bw := bufio.NewWriter(w)
	for i, c := range chunks {
		if c.ID != i {
			return fmt.Errorf("corpus: chunk at position %d has id %d", i, c.ID)
		}
		if strings.ContainsAny(c.Text, "\r\n") {
			return fmt.Errorf("corpus: chunk %d contains a line break", c.ID)
		}
		if _, err := bw.WriteString(c.Text); err != nil {
			return err
		}
		if err := bw.WriteByte('\n'); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// ReadChunks reads a chunk file. Line order defines chunk ids.
func ReadChunks(r io.Reader) ([]domain.Chunk, error) {
	var chunks []domain.Chunk
	err := scanLines(r, func(line string) {
		chunks = append(chunks, domain.Chunk{ID: len(chunks), Text: strings.TrimSpace(line)})
	})
	if err != nil {
		return nil, fmt.Errorf("corpus: read chunks: %w", err)
	}
	return chunks, nil
}

// ReadRecords reads a raw corpus where every line is one record.
func ReadRecords(r io.Reader) ([]string, error) {
	var records []string
	err := scanLines(r, func(line string) {
		records = append(records, line)
	})
	if err != nil {
		return nil, fmt.Errorf("corpus: read records: %w", err)
	}
	return records, nil
}

// SaveChunks atomically writes the chunk file at path.
func SaveChunks(path string, chunks []domain.Chunk) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if err := WriteChunks(f, chunks); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

// LoadChunks reads the chunk file at path.
func LoadChunks(path string) ([]domain.Chunk, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadChunks(f)
}

func scanLines(r io.Reader, fn func(string)) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineSize)
	for sc.Scan() {
		fn(sc.Text())
	}
	return sc.Err()
}
