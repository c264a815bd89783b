// Package methods registers the RPC handlers enumerated in §6 against a
// gateway.MethodRouter. Each Methods type owns one namespace and only the
// collaborators it needs, mirroring how the teacher splits its own RPC
// surface across internal/gateway/methods/*.go files rather than one
// monolithic dispatcher.
package methods

import (
	"encoding/json"

	"github.com/claudia-dev/claudia/internal/protocol"
)

// unmarshalParams decodes raw into dst, tolerating a nil/empty params
// field (every handler here has optional-to-absent fields zero-valued).
func unmarshalParams(raw json.RawMessage, dst interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return protocol.Errorf(protocol.ErrInvalidParams, err.Error())
	}
	return nil
}
