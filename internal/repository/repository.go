package repository

import (
	"context"

	"wisefido-energy/internal/models"
)

// AssignmentRepository read-only view of device assignments
type AssignmentRepository interface {
	GetAssignment(ctx context.Context, assignmentID string) (*models.DeviceAssignment, error)
	GetAssignmentByDevice(ctx context.Context, deviceID string) (*models.DeviceAssignment, error)
	ListAssignmentsByClinic(ctx context.Context, systemID, clinicID string) ([]*models.DeviceAssignment, error)
	ListActiveAssignments(ctx context.Context) ([]*models.DeviceAssignment, error)
}

// AppointmentRepository read-only view of the appointment domain
type AppointmentRepository interface {
	GetAppointment(ctx context.Context, appointmentID string) (*models.Appointment, error)
	GetAppointmentService(ctx context.Context, appointmentServiceID string) (*models.AppointmentService, error)
	// ListServicesForEquipment services of one appointment that run on the given equipment
	ListServicesForEquipment(ctx context.Context, appointmentID, equipmentID string) ([]models.AppointmentService, error)
}

// SessionRepository device usage sessions. Lookups that may legitimately
// find nothing return (nil, nil).
type SessionRepository interface {
	CreateSession(ctx context.Context, s *models.DeviceUsageSession) error
	UpdateSession(ctx context.Context, s *models.DeviceUsageSession) error
	GetSession(ctx context.Context, sessionID string) (*models.DeviceUsageSession, error)
	FindOpenByAssignment(ctx context.Context, assignmentID string) (*models.DeviceUsageSession, error)
	FindOpenByAppointmentEquipment(ctx context.Context, appointmentID, equipmentID string) (*models.DeviceUsageSession, error)
	FindCompleted(ctx context.Context, appointmentID, assignmentID string) (*models.DeviceUsageSession, error)
}

// ProfileRepository service energy profiles, keyed by (system, equipment, service)
type ProfileRepository interface {
	GetProfile(ctx context.Context, systemID, equipmentID, serviceID string) (*models.ServiceEnergyProfile, error)
	SaveProfile(ctx context.Context, p *models.ServiceEnergyProfile) error
	ListProfiles(ctx context.Context, systemID string, minSamples int64) ([]*models.ServiceEnergyProfile, error)
}

// MergeFunc folds legacy duplicates into the current record, which may be nil
type MergeFunc func(current *models.AnomalyScore, legacy []*models.AnomalyScore) *models.AnomalyScore

// ScoreRepository consolidated risk records, unique on (system, entity)
type ScoreRepository interface {
	GetScore(ctx context.Context, kind models.EntityKind, systemID, entityID string) (*models.AnomalyScore, error)
	SaveScore(ctx context.Context, s *models.AnomalyScore) error
	ListScores(ctx context.Context, kind models.EntityKind, systemID string) ([]*models.AnomalyScore, error)
	// ConsolidateLegacy merges per-clinic legacy rows of a system into the
	// unique records and removes them. Returns the number of entities merged.
	ConsolidateLegacy(ctx context.Context, kind models.EntityKind, systemID string, merge MergeFunc) (int, error)
}

// ProcessedStore exactly-once markers for completion handlers
type ProcessedStore interface {
	// MarkProcessed returns false when (scope, id) was already marked
	MarkProcessed(ctx context.Context, scope, id string) (bool, error)
	// Unmark releases a marker so a failed handler can be retried
	Unmark(ctx context.Context, scope, id string) error
}
