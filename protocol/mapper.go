package protocol

import (
	"fmt"
	"strings"
	"sync"
)

// MethodMapper maps RPC methods to the command names carried on the wire.
// The zero value is ready to use and falls back to the bare method name.
type MethodMapper struct {
	mu     sync.RWMutex
	alias  map[string]string
	strict bool
}

// NewMethodMapper returns a mapper. A strict mapper fails for methods that
// have no registered alias.
func NewMethodMapper(strict bool) *MethodMapper {
	return &MethodMapper{alias: map[string]string{}, strict: strict}
}

// SetStrict toggles strict mapping.
func (m *MethodMapper) SetStrict(strict bool) {
	m.mu.Lock()
	m.strict = strict
	m.mu.Unlock()
}

// Register binds "Service.Method" to a command name.
func (m *MethodMapper) Register(service, method, command string) {
	m.RegisterFullMethod(service+"."+method, command)
}

// RegisterFullMethod binds a full method name to a command name.
// Rebinding a method to a different command panics.
func (m *MethodMapper) RegisterFullMethod(fullMethod, command string) {
	fullMethod = strings.TrimSpace(fullMethod)
	if _, _, err := splitFullMethod(fullMethod); err != nil {
		panic("RegisterFullMethod: " + err.Error())
	}
	if command == "" {
		panic("RegisterFullMethod: empty command for " + fullMethod)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.alias == nil {
		m.alias = map[string]string{}
	}
	if existing, ok := m.alias[fullMethod]; ok && existing != command {
		panic(fmt.Sprintf("method %q already bound to %q (attempted %q)", fullMethod, existing, command))
	}
	m.alias[fullMethod] = command
}

// CommandNameFor maps an RPC method to its command name. Unregistered
// methods use the bare method name unless the mapper is strict.
func (m *MethodMapper) CommandNameFor(fullMethod string) (string, error) {
	service, method, err := splitFullMethod(strings.TrimSpace(fullMethod))
	if err != nil {
		return "", err
	}
	normalized := service + "." + method

	m.mu.RLock()
	name, ok := m.alias[normalized]
	strict := m.strict
	m.mu.RUnlock()
	if ok {
		return name, nil
	}
	if strict {
		return "", fmt.Errorf("unregistered command mapping for %q", normalized)
	}
	return method, nil
}

func splitFullMethod(fullMethod string) (service string, method string, err error) {
	idx := strings.LastIndexByte(fullMethod, '.')
	if idx <= 0 || idx >= len(fullMethod)-1 {
		return "", "", fmt.Errorf("invalid method format: %s", fullMethod)
	}
	service = strings.TrimSpace(fullMethod[:idx])
	method = strings.TrimSpace(fullMethod[idx+1:])
	if service == "" || method == "" {
		return "", "", fmt.Errorf("invalid method format: %s", fullMethod)
	}
	return service, method, nil
}
