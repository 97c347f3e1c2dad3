package netif

import (
	"sort"
)

// Manager is the registry of interfaces of one node, keyed by name
type Manager struct {
	interfaces map[string]*Interface
}

func NewManager() *Manager {
	return &Manager{
		interfaces: make(map[string]*Interface),
	}
}

// Add registers intf, replacing any interface with the same name
func (m *Manager) Add(intf *Interface) {
	m.interfaces[intf.Name()] = intf
}

func (m *Manager) Get(name string) (*Interface, bool) {
	l, ok := m.interfaces[name]
	return l, ok
}

func (m *Manager) Delete(name string) {
	delete(m.interfaces, name)
}

// List returns the registered interfaces ordered by name
func (m *Manager) List() []*Interface {
	result := make([]*Interface, 0, len(m.interfaces))
	for _, i := range m.interfaces {
		result = append(result, i)
	}
	sort.Slice(result, func(a, b int) bool {
		return result[a].Name() < result[b].Name()
	})
	return result
}
