package mocks

import (
	"context"
	"github.com/shimmeringbee/zenroll/host"
	"github.com/stretchr/testify/mock"
	"sort"
	"sync"
)

type MockHost struct {
	mock.Mock
}

func (m *MockHost) HasCapability(name string) bool {
	return m.Called(name).Bool(0)
}

func (m *MockHost) Capabilities() []string {
	return m.Called().Get(0).([]string)
}

func (m *MockHost) AddCapability(ctx context.Context, name string) error {
	return m.Called(ctx, name).Error(0)
}

func (m *MockHost) RemoveCapability(ctx context.Context, name string) error {
	return m.Called(ctx, name).Error(0)
}

func (m *MockHost) CapabilityValue(name string) (any, bool) {
	args := m.Called(name)
	return args.Get(0), args.Bool(1)
}

func (m *MockHost) SetAvailable(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

var _ host.Host = (*MockHost)(nil)

// FakeHost is a stateful in memory host, for tests which care about the resulting capability set rather than the
// calls made.
type FakeHost struct {
	m            sync.Mutex
	capabilities map[string]bool
	values       map[string]any
	available    int
}

func NewFakeHost(capabilities ...string) *FakeHost {
	h := &FakeHost{capabilities: map[string]bool{}, values: map[string]any{}}

	for _, c := range capabilities {
		h.capabilities[c] = true
	}

	return h
}

func (h *FakeHost) HasCapability(name string) bool {
	h.m.Lock()
	defer h.m.Unlock()

	return h.capabilities[name]
}

func (h *FakeHost) Capabilities() []string {
	h.m.Lock()
	defer h.m.Unlock()

	var names []string
	for name := range h.capabilities {
		names = append(names, name)
	}

	sort.Strings(names)
	return names
}

func (h *FakeHost) AddCapability(_ context.Context, name string) error {
	h.m.Lock()
	defer h.m.Unlock()

	h.capabilities[name] = true
	return nil
}

func (h *FakeHost) RemoveCapability(_ context.Context, name string) error {
	h.m.Lock()
	defer h.m.Unlock()

	delete(h.capabilities, name)
	delete(h.values, name)
	return nil
}

func (h *FakeHost) CapabilityValue(name string) (any, bool) {
	h.m.Lock()
	defer h.m.Unlock()

	v, found := h.values[name]
	return v, found
}

// SetValue sets the displayed value of a capability.
func (h *FakeHost) SetValue(name string, value any) {
	h.m.Lock()
	defer h.m.Unlock()

	h.values[name] = value
}

func (h *FakeHost) SetAvailable(context.Context) error {
	h.m.Lock()
	defer h.m.Unlock()

	h.available++
	return nil
}

// Available returns how many times the host was marked available.
func (h *FakeHost) Available() int {
	h.m.Lock()
	defer h.m.Unlock()

	return h.available
}

var _ host.Host = (*FakeHost)(nil)
