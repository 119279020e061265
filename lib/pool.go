package lib

import (
	"fmt"
	"log"

	rp "github.com/Clouded-Sabre/ringpool/lib"
)

// Pool hands out payload chunks for DATA packets. One chunk holds the
// payload of exactly one block, sized for the largest negotiable blksize.
var Pool *rp.RingPool

// DataChunk is one pooled DATA payload buffer.
type DataChunk struct {
	buf    []byte
	length int
}

// NewDataChunk creates a pool element able to hold the largest DATA
// payload. The single parameter is the chunk size in bytes.
func NewDataChunk(params ...interface{}) rp.DataInterface {
	if len(params) != 1 {
		log.Println("NewDataChunk: Invalid number of calling parameters. Should be only one: the chunk size")
		return nil
	}
	size, ok := params[0].(int)
	if !ok || size < MinBlockSize {
		log.Printf("NewDataChunk: chunk size must be an int of at least %d", MinBlockSize)
		return nil
	}
	return &DataChunk{buf: make([]byte, size)}
}

// Reset clears the previous block's bytes before the chunk is reused.
func (d *DataChunk) Reset() {
	for i := 0; i < d.length; i++ {
		d.buf[i] = 0
	}
	d.length = 0
}

// PrintContent prints the block payload held by the chunk.
func (d *DataChunk) PrintContent() {
	fmt.Printf("DATA payload (%d bytes): %q\n", d.length, d.buf[:d.length])
}

// Fill copies one block payload into the chunk. The final block of a
// transfer is the only one allowed to be short, but never here: an empty
// payload needs no chunk, and one beyond the largest negotiable block
// size cannot appear in a legal DATA packet.
func (d *DataChunk) Fill(src []byte) error {
	if len(src) == 0 {
		return fmt.Errorf("DataChunk Fill: block payload is empty")
	}
	if len(src) > len(d.buf) {
		return fmt.Errorf("DataChunk Fill: block payload (%d bytes) exceeds the largest block size (%d)", len(src), len(d.buf))
	}
	copy(d.buf, src)
	d.length = len(src)
	return nil
}

// Bytes returns the block payload held by the chunk.
func (d *DataChunk) Bytes() []byte {
	return d.buf[:d.length]
}
