package methods

import (
	"context"
	"encoding/json"

	"github.com/claudia-dev/claudia/internal/extension"
	"github.com/claudia-dev/claudia/internal/gateway"
	"github.com/claudia-dev/claudia/internal/protocol"
)

// IntrospectionMethods handles extension.list and method.list (§6), the
// two self-describing endpoints a client uses to discover what it can call
// without hardcoding a method table.
type IntrospectionMethods struct {
	host   *extension.Host
	router *gateway.MethodRouter
}

// NewIntrospectionMethods builds the introspection handler set. router is
// the same router these handlers are about to be registered on; it is
// closed over so method.list can report every name registered onto it,
// including the ones registered after this call.
func NewIntrospectionMethods(host *extension.Host, router *gateway.MethodRouter) *IntrospectionMethods {
	return &IntrospectionMethods{host: host, router: router}
}

// Register binds extension.list and method.list onto router.
func (m *IntrospectionMethods) Register(router *gateway.MethodRouter) {
	router.RegisterMethod(protocol.MethodExtensionList, m.extensionList)
	router.RegisterMethod(protocol.MethodMethodList, m.methodList)
}

func (m *IntrospectionMethods) extensionList(ctx context.Context, _ protocol.Envelope, _ json.RawMessage) (interface{}, error) {
	return m.host.List(), nil
}

func (m *IntrospectionMethods) methodList(ctx context.Context, _ protocol.Envelope, _ json.RawMessage) (interface{}, error) {
	return map[string][]string{"methods": m.router.Methods()}, nil
}
