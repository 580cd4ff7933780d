package routing

import "reflect"

// Node exposes the content routers configured for a node.
type Node interface {
	// ContentRouters returns the configured routers in configuration order.
	ContentRouters() []ContentRouter
	// PrimaryRouter returns the router that should be asked first, or nil.
	PrimaryRouter() ContentRouter
}

var _ Node = Modules{}

// Modules is a static Node.
type Modules struct {
	Primary ContentRouter
	Routers []ContentRouter
}

func (m Modules) ContentRouters() []ContentRouter {
	return m.Routers
}

func (m Modules) PrimaryRouter() ContentRouter {
	return m.Primary
}

// Backends returns the routers of the node in search order. The primary router, when
// present, comes first and is followed by the configured routers in their original order.
// The returned slice is never shared with the node.
func Backends(node Node) []ContentRouter {
	if node == nil {
		return []ContentRouter{}
	}
	configured := node.ContentRouters()
	backends := make([]ContentRouter, 0, len(configured)+1)
	if primary := node.PrimaryRouter(); !isNil(primary) {
		backends = append(backends, primary)
	}
	for _, r := range configured {
		if isNil(r) {
			continue
		}
		backends = append(backends, r)
	}
	return backends
}

// isNil also catches typed nil pointers stored in the interface.
func isNil(r ContentRouter) bool {
	if r == nil {
		return true
	}
	v := reflect.ValueOf(r)
	switch v.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Slice, reflect.Func, reflect.Interface, reflect.Chan:
		return v.IsNil()
	default:
		return false
	}
}
