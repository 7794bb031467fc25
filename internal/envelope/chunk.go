package envelope

import "bytes"

// ChunkCount returns how many chunks of chunkSize are needed for n bytes.
// A zero-length payload still occupies one (empty) chunk.
func ChunkCount(n int64, chunkSize int) int {
	if chunkSize <= 0 {
		chunkSize = ChunkSize
	}
	if n <= 0 {
		return 1
	}
	return int((n + int64(chunkSize) - 1) / int64(chunkSize))
}

// Split cuts data into consecutive chunkSize pieces; the last may be shorter.
// The returned slices alias data.
func Split(data []byte, chunkSize int) [][]byte {
	if chunkSize <= 0 {
		chunkSize = ChunkSize
	}
	chunks := make([][]byte, 0, ChunkCount(int64(len(data)), chunkSize))
	for off := 0; off < len(data); off += chunkSize {
		end := min(off+chunkSize, len(data))
		chunks = append(chunks, data[off:end])
	}
	if len(chunks) == 0 {
		chunks = append(chunks, []byte{})
	}
	return chunks
}

// Join concatenates chunks in order.
func Join(chunks [][]byte) []byte {
	return bytes.Join(chunks, nil)
}
