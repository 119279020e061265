package lib

import (
	"bytes"
	"testing"
)

func TestRequestRoundTrip(t *testing.T) {
	request := &TftpPacket{
		Opcode:   OpcodeRrq,
		Filename: "hi.txt",
		Mode:     "octet",
		OackOptions: []Option{
			{Name: "blksize", Value: "1024"},
			{Name: "tsize", Value: "0"},
		},
	}
	buffer := make([]byte, MaxDatagramSize)
	n, err := request.Marshal(buffer)
	if err != nil {
		t.Fatal(err)
	}
	expected := "\x00\x01hi.txt\x00octet\x00blksize\x001024\x00tsize\x000\x00"
	if string(buffer[:n]) != expected {
		t.Fatalf("unexpected frame %q", buffer[:n])
	}

	decoded := &TftpPacket{}
	if err := decoded.Unmarshal(buffer[:n]); err != nil {
		t.Fatal(err)
	}
	if decoded.Filename != "hi.txt" || decoded.Mode != "octet" {
		t.Fatalf("decoded filename=%q mode=%q", decoded.Filename, decoded.Mode)
	}
	if decoded.Options["blksize"] != "1024" || decoded.Options["tsize"] != "0" {
		t.Fatalf("decoded options %v", decoded.Options)
	}
}

func TestRequestOptionNamesAreLowercased(t *testing.T) {
	frame := []byte("\x00\x02up.bin\x00OCTET\x00BlkSize\x008\x00")
	decoded := &TftpPacket{}
	if err := decoded.Unmarshal(frame); err != nil {
		t.Fatal(err)
	}
	if decoded.Options["blksize"] != "8" {
		t.Fatalf("expected lowercased option key, got %v", decoded.Options)
	}
}

func TestRequestMissingOptionValue(t *testing.T) {
	// A key without its value decodes as an empty string.
	frame := []byte("\x00\x01hi.txt\x00octet\x00tsize")
	decoded := &TftpPacket{}
	if err := decoded.Unmarshal(frame); err != nil {
		t.Fatal(err)
	}
	if value, ok := decoded.Options["tsize"]; !ok || value != "" {
		t.Fatalf("expected empty tsize value, got %v", decoded.Options)
	}
}

func TestAckTolerantDecode(t *testing.T) {
	// Extra trailing bytes on an ACK are ignored.
	frame := []byte{0, 4, 0, 7, 0xde, 0xad, 0xbe, 0xef}
	decoded := &TftpPacket{}
	if err := decoded.Unmarshal(frame); err != nil {
		t.Fatal(err)
	}
	if decoded.BlockNumber != 7 {
		t.Fatalf("expected block 7, got %d", decoded.BlockNumber)
	}
}

func TestErrorRoundTrip(t *testing.T) {
	packet := &TftpPacket{Opcode: OpcodeError, ErrorCode: ErrDiskFull.Code, ErrorMessage: "tsize exceeded"}
	buffer := make([]byte, MaxDatagramSize)
	n, err := packet.Marshal(buffer)
	if err != nil {
		t.Fatal(err)
	}
	if string(buffer[:n]) != "\x00\x05\x00\x03tsize exceeded\x00" {
		t.Fatalf("unexpected frame %q", buffer[:n])
	}

	decoded := &TftpPacket{}
	if err := decoded.Unmarshal(buffer[:n]); err != nil {
		t.Fatal(err)
	}
	if decoded.ErrorCode != 3 || decoded.ErrorMessage != "tsize exceeded" {
		t.Fatalf("decoded code=%d message=%q", decoded.ErrorCode, decoded.ErrorMessage)
	}
}

func TestDataRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte("p"), 512)
	packet := NewDataPacket(3, payload)
	if packet == nil {
		t.Fatal("NewDataPacket returned nil")
	}
	defer packet.ReturnChunk()

	buffer := make([]byte, MaxDatagramSize)
	n, err := packet.Marshal(buffer)
	if err != nil {
		t.Fatal(err)
	}
	if n != DataHeaderLength+512 {
		t.Fatalf("expected %d byte frame, got %d", DataHeaderLength+512, n)
	}

	decoded := &TftpPacket{}
	if err := decoded.Unmarshal(buffer[:n]); err != nil {
		t.Fatal(err)
	}
	defer decoded.ReturnChunk()
	if decoded.BlockNumber != 3 || !bytes.Equal(decoded.Payload, payload) {
		t.Fatal("DATA payload did not survive the round trip")
	}
}

func TestOackMarshalPreservesOrder(t *testing.T) {
	packet := &TftpPacket{
		Opcode: OpcodeOack,
		OackOptions: []Option{
			{Name: "blksize", Value: "1024"},
			{Name: "timeout", Value: "5"},
			{Name: "tsize", Value: "2000"},
		},
	}
	buffer := make([]byte, MaxDatagramSize)
	n, err := packet.Marshal(buffer)
	if err != nil {
		t.Fatal(err)
	}
	if string(buffer[:n]) != "\x00\x06blksize\x001024\x00timeout\x005\x00tsize\x002000\x00" {
		t.Fatalf("unexpected frame %q", buffer[:n])
	}
}

func TestUnmarshalRejectsRunts(t *testing.T) {
	testCases := [][]byte{
		{},              // empty
		{0},             // half an opcode
		{0, 3, 0},       // DATA without a full block number
		{0, 4},          // ACK without a block number
		{0, 5, 0},       // ERROR without a full code
		{0, 99, 0, 0},   // unknown opcode
		{0, 1},          // RRQ without filename
	}
	for _, frame := range testCases {
		decoded := &TftpPacket{}
		if err := decoded.Unmarshal(frame); err == nil {
			t.Errorf("frame %v should not decode", frame)
		}
	}
}
