package profile

import (
	"sort"
	"sync"
)

// DB holds validated profiles keyed by manufacturer and model.
type DB struct {
	mu       sync.RWMutex
	profiles []*DeviceProfile
	byModel  map[string][]*DeviceProfile
}

func modelKey(manufacturer, model string) string {
	return manufacturer + "\x00" + model
}

// NewDB creates an empty profile database.
func NewDB() *DB {
	return &DB{byModel: make(map[string][]*DeviceProfile)}
}

// Add inserts a profile. The profile must already be validated.
func (db *DB) Add(p *DeviceProfile) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.profiles = append(db.profiles, p)
	for _, m := range p.Models {
		k := modelKey(m.Manufacturer, m.Model)
		db.byModel[k] = append(db.byModel[k], p)
	}
}

// Match returns the first profile whose models include the device identity
// and whose signature, if any, agrees with the advertised descriptors.
func (db *DB) Match(id Identity, sig map[uint8]Descriptor) *DeviceProfile {
	db.mu.RLock()
	defer db.mu.RUnlock()
	for _, p := range db.byModel[modelKey(id.Manufacturer, id.Model)] {
		if p.Matches(id, sig) {
			return p
		}
	}
	return nil
}

// Get returns a profile by name.
func (db *DB) Get(name string) *DeviceProfile {
	db.mu.RLock()
	defer db.mu.RUnlock()
	for _, p := range db.profiles {
		if p.Name == name {
			return p
		}
	}
	return nil
}

// All returns the profiles sorted by name.
func (db *DB) All() []*DeviceProfile {
	db.mu.RLock()
	out := make([]*DeviceProfile, len(db.profiles))
	copy(out, db.profiles)
	db.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len returns the number of profiles.
func (db *DB) Len() int {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return len(db.profiles)
}
