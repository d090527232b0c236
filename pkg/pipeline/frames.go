package pipeline

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// maxFrameBytes bounds a protocol frame. Stage requests and responses are
// small metadata; anything larger is a corrupted stream.
const maxFrameBytes = 4 << 20

// StageRequest is the supervisor-to-child frame describing one stage run.
type StageRequest struct {
	JobID   string            `json:"job_id"`
	Stage   string            `json:"stage"`
	WorkDir string            `json:"work_dir"`
	Inputs  map[string]string `json:"inputs,omitempty"`
	Params  map[string]string `json:"params,omitempty"`
}

// StageResponse is the child-to-supervisor result frame.
type StageResponse struct {
	OK bool `json:"ok"`
	// Artifacts maps artifact keys to produced file paths.
	Artifacts map[string]string `json:"artifacts,omitempty"`
	// Outputs carries small key-value results (durations, track counts).
	Outputs map[string]string `json:"outputs,omitempty"`
	// Degraded lists warnings for stages that succeeded in a reduced form.
	Degraded []string `json:"degraded,omitempty"`
	Error    string   `json:"error,omitempty"`
	Trace    string   `json:"trace,omitempty"`
}

// WriteFrame writes one length-prefixed JSON frame: a 4-byte big-endian
// length followed by the payload.
func WriteFrame(w io.Writer, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding frame: %w", err)
	}
	if len(payload) > maxFrameBytes {
		return fmt.Errorf("frame too large: %d bytes", len(payload))
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err = w.Write(payload)
	return err
}

// ReadFrame reads one length-prefixed JSON frame into v.
func ReadFrame(r io.Reader, v any) error {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n == 0 || n > maxFrameBytes {
		return fmt.Errorf("invalid frame length %d", n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return err
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("decoding frame: %w", err)
	}
	return nil
}
