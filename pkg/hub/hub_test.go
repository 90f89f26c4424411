package hub

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/epw80/studyhall/pkg/notify"
)

var _ notify.Deliverer = (*Hub)(nil)

// mockClient implements the Client interface for testing
type mockClient struct {
	id       string
	userID   string
	messages [][]byte
	closed   bool
	mu       sync.Mutex
}

func (m *mockClient) Send(data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.messages = append(m.messages, data)
	}
}

func (m *mockClient) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
}

func (m *mockClient) ID() string {
	return m.id
}

func (m *mockClient) UserID() string {
	return m.userID
}

func (m *mockClient) MessageCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.messages)
}

func (m *mockClient) IsClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func newMockClient(id, userID string) *mockClient {
	return &mockClient{id: id, userID: userID}
}

func newTestHub() *Hub {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelError, // Reduce noise in tests
	}))
	return New(logger)
}

func TestHub_RegisterUnregister(t *testing.T) {
	hub := newTestHub()
	go hub.Run()
	defer hub.Shutdown()

	client := newMockClient("test1", "alice")

	hub.Register(client)
	time.Sleep(10 * time.Millisecond) // Allow processing

	if count := hub.ClientCount(); count != 1 {
		t.Errorf("expected 1 client, got %d", count)
	}
	if !hub.Online("alice") {
		t.Error("alice should be online")
	}

	hub.Unregister(client)
	time.Sleep(10 * time.Millisecond)

	if count := hub.ClientCount(); count != 0 {
		t.Errorf("expected 0 clients, got %d", count)
	}
	if hub.Online("alice") {
		t.Error("alice should be offline")
	}
	if !client.IsClosed() {
		t.Error("client should be closed after unregister")
	}
}

func TestHub_SendToUser(t *testing.T) {
	hub := newTestHub()
	go hub.Run()
	defer hub.Shutdown()

	phone := newMockClient("c1", "alice")
	laptop := newMockClient("c2", "alice")
	other := newMockClient("c3", "bob")
	for _, c := range []*mockClient{phone, laptop, other} {
		hub.Register(c)
	}
	time.Sleep(10 * time.Millisecond)

	if n := hub.SendToUser("alice", []byte("badge earned")); n != 2 {
		t.Errorf("expected delivery to 2 connections, got %d", n)
	}
	if phone.MessageCount() != 1 || laptop.MessageCount() != 1 {
		t.Error("every connection of the user should receive the message")
	}
	if other.MessageCount() != 0 {
		t.Error("other users should not receive the message")
	}

	if n := hub.SendToUser("nobody", []byte("x")); n != 0 {
		t.Errorf("expected 0 deliveries for an offline user, got %d", n)
	}
}

func TestHub_SendToUsers(t *testing.T) {
	hub := newTestHub()
	go hub.Run()
	defer hub.Shutdown()

	clients := []*mockClient{
		newMockClient("c1", "alice"),
		newMockClient("c2", "bob"),
		newMockClient("c3", "carol"),
	}
	for _, c := range clients {
		hub.Register(c)
	}
	time.Sleep(10 * time.Millisecond)

	n := hub.SendToUsers([]string{"alice", "bob", "dave"}, []byte("room message"))
	if n != 2 {
		t.Errorf("expected 2 deliveries, got %d", n)
	}
	if clients[2].MessageCount() != 0 {
		t.Error("carol is not a recipient")
	}
}

func TestHub_ConcurrentOperations(t *testing.T) {
	hub := newTestHub()
	go hub.Run()
	defer hub.Shutdown()

	const numClients = 50
	const numMessages = 100

	var wg sync.WaitGroup
	clients := make([]*mockClient, numClients)

	wg.Add(numClients)
	for i := 0; i < numClients; i++ {
		go func(idx int) {
			defer wg.Done()
			clients[idx] = newMockClient(fmt.Sprintf("client-%d", idx), fmt.Sprintf("user-%d", idx%10))
			hub.Register(clients[idx])
		}(i)
	}
	wg.Wait()
	time.Sleep(50 * time.Millisecond)

	if count := hub.ClientCount(); count != numClients {
		t.Errorf("expected %d clients, got %d", numClients, count)
	}

	wg.Add(numMessages)
	for i := 0; i < numMessages; i++ {
		go func(idx int) {
			defer wg.Done()
			hub.SendToUser(fmt.Sprintf("user-%d", idx%10), []byte("message"))
		}(i)
	}
	wg.Wait()

	// 10 messages per user, each user holds 5 connections
	for _, c := range clients {
		if count := c.MessageCount(); count != numMessages/10 {
			t.Errorf("client %s: expected %d messages, got %d", c.ID(), numMessages/10, count)
		}
	}

	wg.Add(numClients)
	for i := 0; i < numClients; i++ {
		go func(idx int) {
			defer wg.Done()
			hub.Unregister(clients[idx])
		}(i)
	}
	wg.Wait()
	time.Sleep(50 * time.Millisecond)

	if count := hub.ClientCount(); count != 0 {
		t.Errorf("expected 0 clients, got %d", count)
	}
}

func TestHub_Shutdown(t *testing.T) {
	hub := newTestHub()
	go hub.Run()

	clients := []*mockClient{
		newMockClient("client1", "alice"),
		newMockClient("client2", "bob"),
	}
	for _, c := range clients {
		hub.Register(c)
	}
	time.Sleep(10 * time.Millisecond)

	hub.Shutdown()
	time.Sleep(10 * time.Millisecond)

	for _, c := range clients {
		if !c.IsClosed() {
			t.Errorf("client %s should be closed after shutdown", c.ID())
		}
	}
	if count := hub.ClientCount(); count != 0 {
		t.Errorf("expected 0 clients after shutdown, got %d", count)
	}

	// must not block once the loop has stopped
	hub.Register(newMockClient("late", "carol"))
	hub.Shutdown()
}

func TestHub_UnregisterNonExistentClient(t *testing.T) {
	hub := newTestHub()
	go hub.Run()
	defer hub.Shutdown()

	client := newMockClient("test1", "alice")

	// Unregister without registering first
	hub.Unregister(client)
	time.Sleep(10 * time.Millisecond)

	if count := hub.ClientCount(); count != 0 {
		t.Errorf("expected 0 clients, got %d", count)
	}
	if client.IsClosed() {
		t.Error("an unknown client is left alone")
	}
}

func TestHub_DuplicateRegister(t *testing.T) {
	hub := newTestHub()
	go hub.Run()
	defer hub.Shutdown()

	client := newMockClient("test1", "alice")

	hub.Register(client)
	hub.Register(client)
	time.Sleep(10 * time.Millisecond)

	if count := hub.ClientCount(); count != 1 {
		t.Errorf("expected 1 client, got %d", count)
	}
}

// Test for race conditions - run with: go test -race
func TestHub_RaceConditions(t *testing.T) {
	hub := newTestHub()
	go hub.Run()
	defer hub.Shutdown()

	var wg sync.WaitGroup
	const numGoroutines = 100

	wg.Add(numGoroutines * 3)
	for i := 0; i < numGoroutines; i++ {
		user := fmt.Sprintf("user-%d", i%26)
		go func(idx int) {
			defer wg.Done()
			c := newMockClient(fmt.Sprintf("c-%d", idx), user)
			hub.Register(c)
			time.Sleep(time.Millisecond)
			hub.Unregister(c)
		}(i)

		go func() {
			defer wg.Done()
			hub.SendToUser(user, []byte("test"))
		}()

		go func() {
			defer wg.Done()
			_ = hub.ClientCount()
		}()
	}

	wg.Wait()
}

func BenchmarkHub_SendToUser(b *testing.B) {
	hub := newTestHub()
	go hub.Run()
	defer hub.Shutdown()

	for i := 0; i < 100; i++ {
		hub.Register(newMockClient(fmt.Sprintf("c-%d", i), fmt.Sprintf("user-%d", i%10)))
	}
	time.Sleep(50 * time.Millisecond)

	message := []byte("benchmark message")
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		hub.SendToUser("user-3", message)
	}
}
