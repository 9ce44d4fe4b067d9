package internal

import (
	"fmt"
	"sync"
)

type MissingSupportedClientError struct {
	PlatformId uint64
}

func (e *MissingSupportedClientError) Error() string {
	return fmt.Sprintf("Missing supported client with platformId=%d", e.PlatformId)
}

type SupportedClient struct {
	PlatformId     uint64
	ClientNonce    int32
	RegisteredTime int64
	Registrations  int
}

// SupportedClientsTable records which clients completed the chat handshake,
// keyed by platform id, along with the nonce they last registered.
type SupportedClientsTable struct {
	mut_clients sync.RWMutex
	clients     map[uint64]*SupportedClient
}

func CreateSupportedClientsTable() *SupportedClientsTable {
	return &SupportedClientsTable{
		mut_clients: sync.RWMutex{},
		clients:     make(map[uint64]*SupportedClient),
	}
}

// Record stores nonce for platformId, replacing any earlier registration.
func (t *SupportedClientsTable) Record(platformId uint64, nonce int32, timestamp int64) {
	t.mut_clients.Lock()
	defer t.mut_clients.Unlock()

	client, has := t.clients[platformId]
	if !has {
		client = &SupportedClient{PlatformId: platformId}
		t.clients[platformId] = client
	}

	client.ClientNonce = nonce
	client.RegisteredTime = timestamp
	client.Registrations++
}

func (t *SupportedClientsTable) GetNonce(platformId uint64) (int32, bool) {
	t.mut_clients.RLock()
	defer t.mut_clients.RUnlock()

	client, has := t.clients[platformId]
	if !has {
		return 0, false
	}
	return client.ClientNonce, true
}

func (t *SupportedClientsTable) Get(platformId uint64) (SupportedClient, error) {
	t.mut_clients.RLock()
	defer t.mut_clients.RUnlock()

	client, has := t.clients[platformId]
	if !has {
		return SupportedClient{}, &MissingSupportedClientError{PlatformId: platformId}
	}
	return *client, nil
}

func (t *SupportedClientsTable) HasClient(platformId uint64) bool {
	_, has := t.GetNonce(platformId)
	return has
}

func (t *SupportedClientsTable) Remove(platformId uint64) {
	t.mut_clients.Lock()
	defer t.mut_clients.Unlock()
	delete(t.clients, platformId)
}

func (t *SupportedClientsTable) Len() int {
	t.mut_clients.RLock()
	defer t.mut_clients.RUnlock()
	return len(t.clients)
}
