package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is a DocumentStore for tests and for running without a
// database. Contents do not survive the process.
type MemoryStore struct {
	lock       sync.Mutex
	documents  map[string]*Document
	roomStates map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		documents:  map[string]*Document{},
		roomStates: map[string][]byte{},
	}
}

func (self *MemoryStore) List(ctx context.Context) ([]*Document, error) {
	self.lock.Lock()
	defer self.lock.Unlock()
	documents := []*Document{}
	for _, document := range self.documents {
		out := *document
		documents = append(documents, &out)
	}
	sort.Slice(documents, func(i int, j int) bool {
		return documents[j].UpdatedAt.Before(documents[i].UpdatedAt)
	})
	return documents, nil
}

func (self *MemoryStore) Get(ctx context.Context, id string) (*Document, error) {
	self.lock.Lock()
	defer self.lock.Unlock()
	document, ok := self.documents[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *document
	return &out, nil
}

func (self *MemoryStore) Create(ctx context.Context, title string, content string) (*Document, error) {
	self.lock.Lock()
	defer self.lock.Unlock()
	now := time.Now().UTC()
	document := &Document{
		Id:        newDocumentId(),
		Title:     title,
		Content:   content,
		CreatedAt: now,
		UpdatedAt: now,
	}
	self.documents[document.Id] = document
	out := *document
	return &out, nil
}

func (self *MemoryStore) Update(ctx context.Context, id string, title string, content string) (*Document, error) {
	self.lock.Lock()
	defer self.lock.Unlock()
	document, ok := self.documents[id]
	if !ok {
		return nil, ErrNotFound
	}
	document.Title = title
	document.Content = content
	document.UpdatedAt = time.Now().UTC()
	out := *document
	return &out, nil
}

func (self *MemoryStore) Delete(ctx context.Context, id string) error {
	self.lock.Lock()
	defer self.lock.Unlock()
	if _, ok := self.documents[id]; !ok {
		return ErrNotFound
	}
	delete(self.documents, id)
	return nil
}

func (self *MemoryStore) SaveRoomState(ctx context.Context, room string, state []byte) error {
	self.lock.Lock()
	defer self.lock.Unlock()
	buf := make([]byte, len(state))
	copy(buf, state)
	self.roomStates[room] = buf
	return nil
}

func (self *MemoryStore) LoadRoomState(ctx context.Context, room string) ([]byte, error) {
	self.lock.Lock()
	defer self.lock.Unlock()
	state, ok := self.roomStates[room]
	if !ok {
		return nil, nil
	}
	buf := make([]byte, len(state))
	copy(buf, state)
	return buf, nil
}
