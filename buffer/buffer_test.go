package buffer

import (
	"bytes"
	"fmt"
	"math/rand"
	"sync"
	"testing"
)

type chunk struct {
	offset  int64
	content []byte
}

// splitRandom cuts data into chunks of random sizes between min and max.
func splitRandom(data []byte, min, max int) []chunk {
	var chunks []chunk
	var offset int64
	for offset < int64(len(data)) {
		size := min + rand.Intn(max-min+1)
		end := offset + int64(size)
		if end > int64(len(data)) {
			end = int64(len(data))
		}
		chunks = append(chunks, chunk{offset: offset, content: data[offset:end]})
		offset = end
	}
	return chunks
}

func randomBytes(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(rand.Intn(256))
	}
	return b
}

func shuffle(chunks []chunk) {
	rand.Shuffle(len(chunks), func(i, j int) { chunks[i], chunks[j] = chunks[j], chunks[i] })
}

func TestWriteAtReordersShuffledChunks(t *testing.T) {
	t.Parallel()
	for run := 0; run < 32; run++ {
		run := run
		t.Run(fmt.Sprintf("Run%d", run), func(t *testing.T) {
			t.Parallel()
			expected := randomBytes(1024 * 16)
			chunks := splitRandom(expected, 5, 1000)
			shuffle(chunks)

			var result bytes.Buffer
			w := NewOrderedWriterAt(&result)
			for _, c := range chunks {
				if _, err := w.WriteAt(c.content, c.offset); err != nil {
					t.Fatalf("WriteAt(%d): %v", c.offset, err)
				}
			}

			if !bytes.Equal(result.Bytes(), expected) {
				t.Errorf("reassembled %d bytes, expected %d", result.Len(), len(expected))
			}
			if w.Buffered() != 0 {
				t.Errorf("expected no parked chunks after all offsets arrived, got %d", w.Buffered())
			}
		})
	}
}

func TestWriteAtParksChunksUntilGapFills(t *testing.T) {
	var result bytes.Buffer
	w := NewOrderedWriterAt(&result)

	if _, err := w.WriteAt([]byte("world"), 5); err != nil {
		t.Fatalf("WriteAt(5): %v", err)
	}
	if result.Len() != 0 {
		t.Fatalf("nothing should flush before offset 0 arrives, got %q", result.String())
	}
	if w.Buffered() != 1 {
		t.Fatalf("expected 1 parked chunk, got %d", w.Buffered())
	}

	if _, err := w.WriteAt([]byte("hello"), 0); err != nil {
		t.Fatalf("WriteAt(0): %v", err)
	}
	if got := result.String(); got != "helloworld" {
		t.Errorf("expected both chunks flushed in order, got %q", got)
	}
	if w.Buffered() != 0 {
		t.Errorf("expected the parked chunk drained, got %d", w.Buffered())
	}
}

func TestWriteAtConcurrent(t *testing.T) {
	t.Parallel()
	for run := 0; run < 16; run++ {
		run := run
		t.Run(fmt.Sprintf("Run%d", run), func(t *testing.T) {
			t.Parallel()
			expected := randomBytes(1024 * 4)
			chunks := splitRandom(expected, 5, 100)
			shuffle(chunks)

			var result bytes.Buffer
			w := NewOrderedWriterAt(&result)

			var wg sync.WaitGroup
			for _, c := range chunks {
				c := c
				wg.Add(1)
				go func() {
					defer wg.Done()
					w.WriteAt(c.content, c.offset)
				}()
			}
			wg.Wait()

			if !bytes.Equal(result.Bytes(), expected) {
				t.Errorf("reassembled %d bytes, expected %d", result.Len(), len(expected))
			}
		})
	}
}
