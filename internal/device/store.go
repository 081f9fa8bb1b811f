package device

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/carelink/devicehub/internal/vital"
)

// Filter narrows a DeviceStore listing.
type Filter struct {
	DeviceID     string
	PatientID    *uuid.UUID
	PluginIDs    []string
	ActiveOnly   bool
	AutoSyncOnly bool
}

// DeviceStore is the persistence contract for device registrations.
type DeviceStore interface {
	Save(ctx context.Context, reg *Registration) error
	FindByID(ctx context.Context, id uuid.UUID) (*Registration, error)
	FindByIdentifier(ctx context.Context, deviceIdentifier string) (*Registration, error)
	FindMany(ctx context.Context, filter Filter) ([]*Registration, error)
	Update(ctx context.Context, reg *Registration) error
	Deactivate(ctx context.Context, id uuid.UUID) error
}

// StoredReading is a persisted vital reading with its audit linkage.
type StoredReading struct {
	ID        uuid.UUID       `json:"id"`
	DeviceID  string          `json:"device_id"`
	PluginID  string          `json:"plugin_id"`
	Reading   vital.VitalData `json:"reading"`
	CreatedAt time.Time       `json:"created_at"`
}

// ReadingStore is the persistence contract for vital readings. Idempotency
// for duplicate inserts of the same device+type+timestamp is the store's
// responsibility, not the service's.
type ReadingStore interface {
	Insert(ctx context.Context, data *vital.VitalData, deviceID, pluginID string) error
	ListByDevice(ctx context.Context, deviceID string, limit, offset int) ([]*StoredReading, int, error)
}

// ---------------------------------------------------------------------------
// In-memory implementations
// ---------------------------------------------------------------------------

// InMemoryDeviceStore is a thread-safe, in-memory DeviceStore used in
// development mode and as the test fake.
type InMemoryDeviceStore struct {
	mu    sync.RWMutex
	regs  map[uuid.UUID]*Registration
	order []uuid.UUID
}

// NewInMemoryDeviceStore creates an empty store.
func NewInMemoryDeviceStore() *InMemoryDeviceStore {
	return &InMemoryDeviceStore{regs: make(map[uuid.UUID]*Registration)}
}

func (s *InMemoryDeviceStore) Save(_ context.Context, reg *Registration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if reg.ID == uuid.Nil {
		reg.ID = uuid.New()
	}
	now := time.Now()
	reg.CreatedAt = now
	reg.UpdatedAt = now
	cp := *reg
	s.regs[reg.ID] = &cp
	s.order = append(s.order, reg.ID)
	return nil
}

func (s *InMemoryDeviceStore) FindByID(_ context.Context, id uuid.UUID) (*Registration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	reg, ok := s.regs[id]
	if !ok {
		return nil, fmt.Errorf("device registration %s not found", id)
	}
	cp := *reg
	return &cp, nil
}

func (s *InMemoryDeviceStore) FindByIdentifier(_ context.Context, deviceIdentifier string) (*Registration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, id := range s.order {
		if reg := s.regs[id]; reg != nil && reg.DeviceIdentifier == deviceIdentifier {
			cp := *reg
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("device %s not found", deviceIdentifier)
}

func (s *InMemoryDeviceStore) FindMany(_ context.Context, filter Filter) ([]*Registration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Registration
	for _, id := range s.order {
		reg := s.regs[id]
		if reg == nil || !matchesFilter(reg, filter) {
			continue
		}
		cp := *reg
		out = append(out, &cp)
	}
	return out, nil
}

func matchesFilter(reg *Registration, filter Filter) bool {
	if filter.DeviceID != "" && reg.DeviceIdentifier != filter.DeviceID {
		return false
	}
	if filter.PatientID != nil && reg.PatientID != *filter.PatientID {
		return false
	}
	if len(filter.PluginIDs) > 0 {
		found := false
		for _, pid := range filter.PluginIDs {
			if reg.PluginID == pid {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if filter.ActiveOnly && !reg.Active {
		return false
	}
	if filter.AutoSyncOnly && !reg.AutoSync {
		return false
	}
	return true
}

func (s *InMemoryDeviceStore) Update(_ context.Context, reg *Registration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.regs[reg.ID]; !ok {
		return fmt.Errorf("device registration %s not found", reg.ID)
	}
	reg.UpdatedAt = time.Now()
	cp := *reg
	s.regs[reg.ID] = &cp
	return nil
}

func (s *InMemoryDeviceStore) Deactivate(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	reg, ok := s.regs[id]
	if !ok {
		return fmt.Errorf("device registration %s not found", id)
	}
	reg.Active = false
	reg.UpdatedAt = time.Now()
	return nil
}

// InMemoryReadingStore is a thread-safe, in-memory ReadingStore. Duplicate
// inserts for the same device+type+timestamp are dropped, mirroring the
// Postgres store's ON CONFLICT DO NOTHING.
type InMemoryReadingStore struct {
	mu       sync.RWMutex
	readings []*StoredReading
	seen     map[string]bool
}

// NewInMemoryReadingStore creates an empty store.
func NewInMemoryReadingStore() *InMemoryReadingStore {
	return &InMemoryReadingStore{seen: make(map[string]bool)}
}

func readingKey(deviceID string, data *vital.VitalData) string {
	return fmt.Sprintf("%s|%s|%d", deviceID, data.ReadingType, data.Timestamp.UnixNano())
}

func (s *InMemoryReadingStore) Insert(_ context.Context, data *vital.VitalData, deviceID, pluginID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := readingKey(deviceID, data)
	if s.seen[key] {
		return nil
	}
	s.seen[key] = true
	s.readings = append(s.readings, &StoredReading{
		ID:        uuid.New(),
		DeviceID:  deviceID,
		PluginID:  pluginID,
		Reading:   *data,
		CreatedAt: time.Now(),
	})
	return nil
}

func (s *InMemoryReadingStore) ListByDevice(_ context.Context, deviceID string, limit, offset int) ([]*StoredReading, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var filtered []*StoredReading
	for _, r := range s.readings {
		if r.DeviceID == deviceID {
			filtered = append(filtered, r)
		}
	}
	total := len(filtered)
	if offset >= total {
		return []*StoredReading{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return filtered[offset:end], total, nil
}

// Count reports the number of stored readings. Test helper.
func (s *InMemoryReadingStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.readings)
}
