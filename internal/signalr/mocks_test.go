package signalr

import (
	"context"
	"errors"
	"time"
)

// MockConnection implements wsConnection
type MockConnection struct {
	ReadMessageFunc  func() (int, []byte, error)
	WriteMessageFunc func(int, []byte) error
	CloseFunc        func() error
}

func (m *MockConnection) ReadMessage() (int, []byte, error) {
	if m.ReadMessageFunc != nil {
		return m.ReadMessageFunc()
	}
	return 0, nil, errors.New("mock: out of reads")
}

func (m *MockConnection) WriteMessage(messageType int, data []byte) error {
	if m.WriteMessageFunc != nil {
		return m.WriteMessageFunc(messageType, data)
	}
	return nil
}

func (m *MockConnection) Close() error {
	if m.CloseFunc != nil {
		return m.CloseFunc()
	}
	return nil
}

func (m *MockConnection) SetWriteDeadline(_ time.Time) error { return nil }

func (m *MockConnection) SetReadDeadline(_ time.Time) error { return nil }

// mockAuthenticator resolves fixed tokens to identities.
type mockAuthenticator struct {
	identities map[string]Identity
}

func (a *mockAuthenticator) Authenticate(_ context.Context, token string) (*Identity, error) {
	if id, ok := a.identities[token]; ok {
		return &id, nil
	}
	return nil, errors.New("unknown token")
}
