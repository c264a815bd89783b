package methods

import (
	"context"
	"encoding/json"

	"github.com/claudia-dev/claudia/internal/gateway"
	"github.com/claudia-dev/claudia/internal/librarian"
	"github.com/claudia-dev/claudia/internal/protocol"
)

// MemoryMethods handles memory.process (§6), letting a client force an
// out-of-cycle pass over ready conversations instead of waiting for the
// librarian's own cron poll.
type MemoryMethods struct {
	worker *librarian.Worker
}

// NewMemoryMethods builds the memory.* handler set. worker may be nil when
// the librarian is disabled (cfg.Librarian.Enabled == false); memory.process
// then reports ErrNotSupported rather than panicking.
func NewMemoryMethods(worker *librarian.Worker) *MemoryMethods {
	return &MemoryMethods{worker: worker}
}

// Register binds memory.process onto router.
func (m *MemoryMethods) Register(router *gateway.MethodRouter) {
	router.RegisterMethod(protocol.MethodMemoryProcess, m.process)
}

func (m *MemoryMethods) process(ctx context.Context, _ protocol.Envelope, raw json.RawMessage) (interface{}, error) {
	if m.worker == nil {
		return nil, protocol.Errorf(protocol.ErrNotSupported, "librarian is disabled")
	}
	var params struct {
		BatchSize int `json:"batchSize"`
	}
	if err := unmarshalParams(raw, &params); err != nil {
		return nil, err
	}
	if params.BatchSize <= 0 {
		params.BatchSize = 10
	}
	queued, err := m.worker.QueueReady(params.BatchSize)
	if err != nil {
		return nil, err
	}
	return map[string]int{"queued": queued}, nil
}
