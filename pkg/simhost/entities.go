package simhost

import (
	"sync"

	"github.com/sessamekesh/spanreed-overlay/pkg/host"
)

const UserComponent host.ComponentType = "simhost.User"

type EntityStore struct {
	mut_components sync.RWMutex
	nextIndex      int32
	components     map[host.Entity]map[host.ComponentType]any
}

func CreateEntityStore() *EntityStore {
	return &EntityStore{
		mut_components: sync.RWMutex{},
		components:     make(map[host.Entity]map[host.ComponentType]any),
	}
}

func (s *EntityStore) CreateEntity() host.Entity {
	s.mut_components.Lock()
	defer s.mut_components.Unlock()

	s.nextIndex++
	entity := host.Entity{Index: s.nextIndex, Version: 1}
	s.components[entity] = make(map[host.ComponentType]any)
	return entity
}

func (s *EntityStore) DestroyEntity(entity host.Entity) {
	s.mut_components.Lock()
	defer s.mut_components.Unlock()
	delete(s.components, entity)
}

func (s *EntityStore) Exists(entity host.Entity) bool {
	s.mut_components.RLock()
	defer s.mut_components.RUnlock()
	_, has := s.components[entity]
	return has
}

func (s *EntityStore) Count() int {
	s.mut_components.RLock()
	defer s.mut_components.RUnlock()
	return len(s.components)
}

func (s *EntityStore) SetComponentObject(entity host.Entity, component host.ComponentType, data any) error {
	s.mut_components.Lock()
	defer s.mut_components.Unlock()

	components, has := s.components[entity]
	if !has {
		return &MissingEntityError{Entity: entity}
	}
	components[component] = data
	return nil
}

func (s *EntityStore) GetComponentObject(entity host.Entity, component host.ComponentType) (any, bool) {
	s.mut_components.RLock()
	defer s.mut_components.RUnlock()

	components, has := s.components[entity]
	if !has {
		return nil, false
	}
	data, has := components[component]
	return data, has
}

func (s *EntityStore) GetUser(entity host.Entity) (host.User, bool) {
	data, has := s.GetComponentObject(entity, UserComponent)
	if !has {
		return host.User{}, false
	}
	user, ok := data.(host.User)
	return user, ok
}
