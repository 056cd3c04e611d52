package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"wisefido-energy/internal/models"

	"github.com/google/uuid"
)

// MemoryAssignmentRepo in-memory assignments, used when the DB is disabled and in tests
type MemoryAssignmentRepo struct {
	mu          sync.RWMutex
	assignments map[string]models.DeviceAssignment
}

func NewMemoryAssignmentRepo(assignments ...models.DeviceAssignment) *MemoryAssignmentRepo {
	r := &MemoryAssignmentRepo{assignments: map[string]models.DeviceAssignment{}}
	for _, a := range assignments {
		r.Put(a)
	}
	return r
}

// Put adds or replaces an assignment
func (r *MemoryAssignmentRepo) Put(a models.DeviceAssignment) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.assignments[a.AssignmentID] = a
}

func (r *MemoryAssignmentRepo) GetAssignment(_ context.Context, assignmentID string) (*models.DeviceAssignment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.assignments[assignmentID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrUnknownDevice, assignmentID)
	}
	return &a, nil
}

func (r *MemoryAssignmentRepo) GetAssignmentByDevice(_ context.Context, deviceID string) (*models.DeviceAssignment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, a := range r.assignments {
		if a.DeviceID == deviceID && a.Active {
			a := a
			return &a, nil
		}
	}
	return nil, fmt.Errorf("%w: device %s", models.ErrUnknownDevice, deviceID)
}

func (r *MemoryAssignmentRepo) ListAssignmentsByClinic(_ context.Context, systemID, clinicID string) ([]*models.DeviceAssignment, error) {
	return r.list(func(a models.DeviceAssignment) bool {
		return a.Active && a.SystemID == systemID && a.ClinicID == clinicID
	}), nil
}

func (r *MemoryAssignmentRepo) ListActiveAssignments(_ context.Context) ([]*models.DeviceAssignment, error) {
	return r.list(func(a models.DeviceAssignment) bool { return a.Active }), nil
}

func (r *MemoryAssignmentRepo) list(keep func(models.DeviceAssignment) bool) []*models.DeviceAssignment {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*models.DeviceAssignment, 0)
	for _, a := range r.assignments {
		if keep(a) {
			a := a
			out = append(out, &a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AssignmentID < out[j].AssignmentID })
	return out
}

// MemoryAppointmentRepo in-memory appointment view
type MemoryAppointmentRepo struct {
	mu           sync.RWMutex
	appointments map[string]models.Appointment
	services     map[string]models.AppointmentService
}

func NewMemoryAppointmentRepo() *MemoryAppointmentRepo {
	return &MemoryAppointmentRepo{
		appointments: map[string]models.Appointment{},
		services:     map[string]models.AppointmentService{},
	}
}

// PutAppointment adds an appointment with its service lines
func (r *MemoryAppointmentRepo) PutAppointment(a models.Appointment, services ...models.AppointmentService) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.appointments[a.AppointmentID] = a
	for _, s := range services {
		s.AppointmentID = a.AppointmentID
		r.services[s.AppointmentServiceID] = s
	}
}

func (r *MemoryAppointmentRepo) GetAppointment(_ context.Context, appointmentID string) (*models.Appointment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.appointments[appointmentID]
	if !ok {
		return nil, fmt.Errorf("%w: appointment %s", models.ErrUnknownAppointment, appointmentID)
	}
	return &a, nil
}

func (r *MemoryAppointmentRepo) GetAppointmentService(_ context.Context, appointmentServiceID string) (*models.AppointmentService, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.services[appointmentServiceID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrUnknownAppointment, appointmentServiceID)
	}
	return &s, nil
}

func (r *MemoryAppointmentRepo) ListServicesForEquipment(_ context.Context, appointmentID, equipmentID string) ([]models.AppointmentService, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.AppointmentService, 0)
	for _, s := range r.services {
		if s.AppointmentID == appointmentID && s.EquipmentID == equipmentID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AppointmentServiceID < out[j].AppointmentServiceID })
	return out, nil
}

// MemorySessionRepo in-memory sessions with the same invariants as the SQL schema
type MemorySessionRepo struct {
	mu       sync.RWMutex
	sessions map[string]models.DeviceUsageSession
}

func NewMemorySessionRepo() *MemorySessionRepo {
	return &MemorySessionRepo{sessions: map[string]models.DeviceUsageSession{}}
}

func (r *MemorySessionRepo) CreateSession(_ context.Context, s *models.DeviceUsageSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[s.SessionID]; ok {
		return fmt.Errorf("session %s already exists", s.SessionID)
	}
	if s.Status.IsOpen() {
		for _, cur := range r.sessions {
			if !cur.Status.IsOpen() {
				continue
			}
			if cur.DeviceAssignmentID == s.DeviceAssignmentID {
				return fmt.Errorf("%w: assignment %s owned by session %s", models.ErrDeviceBusy, s.DeviceAssignmentID, cur.SessionID)
			}
			if cur.AppointmentID == s.AppointmentID && cur.EquipmentID == s.EquipmentID {
				return fmt.Errorf("%w: appointment %s already runs equipment %s in session %s",
					models.ErrDeviceBusy, s.AppointmentID, s.EquipmentID, cur.SessionID)
			}
		}
	}
	r.sessions[s.SessionID] = *s
	return nil
}

func (r *MemorySessionRepo) UpdateSession(_ context.Context, s *models.DeviceUsageSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.sessions[s.SessionID]
	if !ok {
		return fmt.Errorf("%w: %s", models.ErrUnknownSession, s.SessionID)
	}
	if cur.Status == models.SessionCompleted {
		return fmt.Errorf("%w: session %s is completed", models.ErrInvalidTransition, s.SessionID)
	}
	r.sessions[s.SessionID] = *s
	return nil
}

func (r *MemorySessionRepo) GetSession(_ context.Context, sessionID string) (*models.DeviceUsageSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrUnknownSession, sessionID)
	}
	return &s, nil
}

func (r *MemorySessionRepo) FindOpenByAssignment(_ context.Context, assignmentID string) (*models.DeviceUsageSession, error) {
	return r.find(func(s models.DeviceUsageSession) bool {
		return s.Status.IsOpen() && s.DeviceAssignmentID == assignmentID
	}), nil
}

func (r *MemorySessionRepo) FindOpenByAppointmentEquipment(_ context.Context, appointmentID, equipmentID string) (*models.DeviceUsageSession, error) {
	return r.find(func(s models.DeviceUsageSession) bool {
		return s.Status.IsOpen() && s.AppointmentID == appointmentID && s.EquipmentID == equipmentID
	}), nil
}

func (r *MemorySessionRepo) FindCompleted(_ context.Context, appointmentID, assignmentID string) (*models.DeviceUsageSession, error) {
	return r.find(func(s models.DeviceUsageSession) bool {
		return s.Status == models.SessionCompleted && s.AppointmentID == appointmentID && s.DeviceAssignmentID == assignmentID
	}), nil
}

// All snapshot of every session, ordered by start
func (r *MemorySessionRepo) All() []models.DeviceUsageSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.DeviceUsageSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

func (r *MemorySessionRepo) find(match func(models.DeviceUsageSession) bool) *models.DeviceUsageSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var found *models.DeviceUsageSession
	for _, s := range r.sessions {
		if match(s) && (found == nil || s.UpdatedAt.After(found.UpdatedAt)) {
			s := s
			found = &s
		}
	}
	return found
}

// MemoryProfileRepo in-memory energy profiles
type MemoryProfileRepo struct {
	mu       sync.RWMutex
	profiles map[string]models.ServiceEnergyProfile
}

func NewMemoryProfileRepo() *MemoryProfileRepo {
	return &MemoryProfileRepo{profiles: map[string]models.ServiceEnergyProfile{}}
}

func profileKey(systemID, equipmentID, serviceID string) string {
	return systemID + "|" + equipmentID + "|" + serviceID
}

func (r *MemoryProfileRepo) GetProfile(_ context.Context, systemID, equipmentID, serviceID string) (*models.ServiceEnergyProfile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.profiles[profileKey(systemID, equipmentID, serviceID)]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (r *MemoryProfileRepo) SaveProfile(_ context.Context, p *models.ServiceEnergyProfile) error {
	if p.SystemID == "" {
		return fmt.Errorf("system_id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.profiles[profileKey(p.SystemID, p.EquipmentID, p.ServiceID)] = *p
	return nil
}

func (r *MemoryProfileRepo) ListProfiles(_ context.Context, systemID string, minSamples int64) ([]*models.ServiceEnergyProfile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*models.ServiceEnergyProfile, 0)
	for _, p := range r.profiles {
		if p.SystemID == systemID && p.SampleCount >= minSamples {
			p := p
			out = append(out, &p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EquipmentID != out[j].EquipmentID {
			return out[i].EquipmentID < out[j].EquipmentID
		}
		return out[i].ServiceID < out[j].ServiceID
	})
	return out, nil
}

// MemoryScoreRepo in-memory risk records plus legacy per-clinic rows
type MemoryScoreRepo struct {
	mu     sync.RWMutex
	scores map[string]*models.AnomalyScore
	legacy []*models.AnomalyScore
}

func NewMemoryScoreRepo() *MemoryScoreRepo {
	return &MemoryScoreRepo{scores: map[string]*models.AnomalyScore{}}
}

func scoreKey(kind models.EntityKind, systemID, entityID string) string {
	return string(kind) + "|" + systemID + "|" + entityID
}

func (r *MemoryScoreRepo) GetScore(_ context.Context, kind models.EntityKind, systemID, entityID string) (*models.AnomalyScore, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.scores[scoreKey(kind, systemID, entityID)]
	if !ok {
		return nil, nil
	}
	return cloneScore(s), nil
}

func (r *MemoryScoreRepo) SaveScore(_ context.Context, s *models.AnomalyScore) error {
	if s.SystemID == "" {
		return fmt.Errorf("system_id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	key := scoreKey(s.Kind, s.SystemID, s.EntityID)
	if cur, ok := r.scores[key]; ok {
		s.ID = cur.ID
	} else if s.ID == "" {
		s.ID = uuid.New().String()
	}
	r.scores[key] = cloneScore(s)
	return nil
}

func (r *MemoryScoreRepo) ListScores(_ context.Context, kind models.EntityKind, systemID string) ([]*models.AnomalyScore, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*models.AnomalyScore, 0)
	for _, s := range r.scores {
		if s.Kind == kind && s.SystemID == systemID {
			out = append(out, cloneScore(s))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RiskScore != out[j].RiskScore {
			return out[i].RiskScore > out[j].RiskScore
		}
		return out[i].EntityID < out[j].EntityID
	})
	return out, nil
}

// SeedLegacy adds per-clinic legacy rows to be consolidated
func (r *MemoryScoreRepo) SeedLegacy(rows ...*models.AnomalyScore) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range rows {
		r.legacy = append(r.legacy, cloneScore(s))
	}
}

// LegacyCount rows still waiting for consolidation
func (r *MemoryScoreRepo) LegacyCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.legacy)
}

func (r *MemoryScoreRepo) ConsolidateLegacy(_ context.Context, kind models.EntityKind, systemID string, merge MergeFunc) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	groups := map[string][]*models.AnomalyScore{}
	var order []string
	kept := r.legacy[:0]
	for _, s := range r.legacy {
		if s.Kind != kind || s.SystemID != systemID {
			kept = append(kept, s)
			continue
		}
		if _, ok := groups[s.EntityID]; !ok {
			order = append(order, s.EntityID)
		}
		groups[s.EntityID] = append(groups[s.EntityID], s)
	}
	r.legacy = kept

	for _, entityID := range order {
		key := scoreKey(kind, systemID, entityID)
		merged := merge(r.scores[key], groups[entityID])
		if cur, ok := r.scores[key]; ok {
			merged.ID = cur.ID
		} else if merged.ID == "" {
			merged.ID = uuid.New().String()
		}
		merged.Kind, merged.SystemID, merged.EntityID = kind, systemID, entityID
		r.scores[key] = cloneScore(merged)
	}
	return len(order), nil
}

func cloneScore(s *models.AnomalyScore) *models.AnomalyScore {
	if s == nil {
		return nil
	}
	c := *s
	c.Counterparts = make(map[string]int64, len(s.Counterparts))
	for k, v := range s.Counterparts {
		c.Counterparts[k] = v
	}
	c.Patterns = make(map[models.PatternTag]int64, len(s.Patterns))
	for k, v := range s.Patterns {
		c.Patterns[k] = v
	}
	c.TimeBuckets = make(map[models.TimeBucket]int64, len(s.TimeBuckets))
	for k, v := range s.TimeBuckets {
		c.TimeBuckets[k] = v
	}
	c.Indicators = append([]models.PatternTag{}, s.Indicators...)
	if s.LastAnomalyDate != nil {
		t := *s.LastAnomalyDate
		c.LastAnomalyDate = &t
	}
	if s.AvgEfficiency != nil {
		v := *s.AvgEfficiency
		c.AvgEfficiency = &v
	}
	if s.ConsistencyScore != nil {
		v := *s.ConsistencyScore
		c.ConsistencyScore = &v
	}
	return &c
}

// MemoryProcessedStore in-process exactly-once markers
type MemoryProcessedStore struct {
	mu   sync.Mutex
	seen map[string]time.Time
}

func NewMemoryProcessedStore() *MemoryProcessedStore {
	return &MemoryProcessedStore{seen: map[string]time.Time{}}
}

func (s *MemoryProcessedStore) MarkProcessed(_ context.Context, scope, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := scope + ":" + id
	if _, ok := s.seen[key]; ok {
		return false, nil
	}
	s.seen[key] = time.Now()
	return true, nil
}

func (s *MemoryProcessedStore) Unmark(_ context.Context, scope, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.seen, scope+":"+id)
	return nil
}
