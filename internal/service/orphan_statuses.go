package service

import (
	"sync"

	"lopeswhatsapp/internal/models"
)

const defaultOrphanCapacity = 1024

// orphanStatuses remembers status updates for messages not stored yet, so a
// message arriving after its receipt still ends up with the right status.
// The oldest entry is evicted when full.
type orphanStatuses struct {
	mu       sync.Mutex
	capacity int
	order    []string
	byID     map[string]models.MessageStatus
}

func newOrphanStatuses(capacity int) *orphanStatuses {
	if capacity <= 0 {
		capacity = defaultOrphanCapacity
	}
	return &orphanStatuses{
		capacity: capacity,
		byID:     make(map[string]models.MessageStatus),
	}
}

func (o *orphanStatuses) put(id string, status models.MessageStatus) {
	if id == "" || !status.Valid() {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()

	if current, ok := o.byID[id]; ok {
		if merged, changed := models.MergeStatus(current, status); changed {
			o.byID[id] = merged
		}
		return
	}
	if len(o.order) >= o.capacity {
		oldest := o.order[0]
		o.order = o.order[1:]
		delete(o.byID, oldest)
	}
	o.order = append(o.order, id)
	o.byID[id] = status
}

func (o *orphanStatuses) peek(id string) (models.MessageStatus, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	status, ok := o.byID[id]
	return status, ok
}

func (o *orphanStatuses) take(id string) (models.MessageStatus, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	status, ok := o.byID[id]
	if !ok {
		return "", false
	}
	delete(o.byID, id)
	for i, v := range o.order {
		if v == id {
			o.order = append(o.order[:i], o.order[i+1:]...)
			break
		}
	}
	return status, true
}

func (o *orphanStatuses) len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.byID)
}
