package lib

import (
	"fmt"
	"io"
)

// ChunkReader is the streaming asset flavor of a read handle. GetChunk
// returns at most length bytes starting at offset; a short return marks the
// final block of the transfer.
type ChunkReader interface {
	GetChunk(offset int64, length int) ([]byte, error)
}

// readerAtChunker adapts a positioned byte source to the ChunkReader shape.
type readerAtChunker struct {
	r io.ReaderAt
}

func (a *readerAtChunker) GetChunk(offset int64, length int) ([]byte, error) {
	buffer := make([]byte, length)
	n, err := a.r.ReadAt(buffer, offset)
	if err != nil && err != io.EOF {
		return nil, err
	}
	return buffer[:n], nil
}

// newChunkReader detects the capability of an application supplied read
// handle. Detection is by capability, not by concrete type.
func newChunkReader(handle interface{}) (ChunkReader, error) {
	switch h := handle.(type) {
	case ChunkReader:
		return h, nil
	case io.ReaderAt:
		return &readerAtChunker{r: h}, nil
	default:
		return nil, fmt.Errorf("handle of type %T supports neither GetChunk nor ReadAt", handle)
	}
}
