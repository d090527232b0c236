package models

import (
	"encoding/json"
	"time"
)

// Upload tracks a resumable chunked upload. Chunks must arrive in order;
// Received maps chunk index to the number of bytes stored for that chunk.
type Upload struct {
	ID            string    `db:"id" json:"id"`
	OwnerID       string    `db:"owner_id" json:"owner_id"`
	Filename      string    `db:"filename" json:"filename"`
	TotalBytes    int64     `db:"total_bytes" json:"total_bytes"`
	ChunkBytes    int64     `db:"chunk_bytes" json:"chunk_bytes"`
	ReceivedJSON  string    `db:"received" json:"-"`
	ReceivedBytes int64     `db:"received_bytes" json:"received_bytes"`
	Completed     bool      `db:"completed" json:"completed"`
	PartPath      string    `db:"part_path" json:"-"`
	FinalPath     string    `db:"final_path" json:"-"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time `db:"updated_at" json:"updated_at"`
}

// Received decodes the per-chunk byte map.
func (u *Upload) Received() map[int]int64 {
	m := make(map[int]int64)
	if u.ReceivedJSON != "" {
		_ = json.Unmarshal([]byte(u.ReceivedJSON), &m)
	}
	return m
}

// SetReceived encodes the per-chunk byte map.
func (u *Upload) SetReceived(m map[int]int64) {
	b, err := json.Marshal(m)
	if err != nil {
		return
	}
	u.ReceivedJSON = string(b)
}

// TotalChunks returns the number of chunks implied by total and chunk sizes.
func (u *Upload) TotalChunks() int {
	if u.ChunkBytes <= 0 {
		return 0
	}
	return int((u.TotalBytes + u.ChunkBytes - 1) / u.ChunkBytes)
}

// NextExpectedChunk is the index of the next chunk the client must send.
// Chunks are accepted strictly in order.
func (u *Upload) NextExpectedChunk() int {
	return len(u.Received())
}

// ExpectedChunkSize returns the required byte count for the given chunk
// index: ChunkBytes for every chunk except a shorter final remainder.
func (u *Upload) ExpectedChunkSize(index int) int64 {
	if index == u.TotalChunks()-1 {
		if rem := u.TotalBytes % u.ChunkBytes; rem != 0 {
			return rem
		}
	}
	return u.ChunkBytes
}
