package models

import "strings"

// EntityType identifies a kind of locally captured, syncable record.
type EntityType string

const (
	EntityLocationSample         EntityType = "location_sample"
	EntityTimeRecord             EntityType = "time_record"
	EntityCheckpointVerification EntityType = "checkpoint_verification"
	EntityReport                 EntityType = "report"
	EntityPhoto                  EntityType = "photo"
)

// OperationClass groups network operations by cost and importance.
type OperationClass string

const (
	ClassAuthentication OperationClass = "authentication"
	ClassSmallMutation  OperationClass = "small_mutation"
	ClassLocationBatch  OperationClass = "location_batch"
	ClassPhotoUpload    OperationClass = "photo_upload"
	ClassBulkDownload   OperationClass = "bulk_download"
)

// SyncPriority is the order in which a sync pass visits entity types.
// Time records and checkpoint evidence go first; photos go last.
var SyncPriority = []EntityType{
	EntityTimeRecord,
	EntityCheckpointVerification,
	EntityReport,
	EntityLocationSample,
	EntityPhoto,
}

// AllOperationClasses returns every operation class.
func AllOperationClasses() []OperationClass {
	return []OperationClass{
		ClassAuthentication,
		ClassSmallMutation,
		ClassLocationBatch,
		ClassPhotoUpload,
		ClassBulkDownload,
	}
}

// AllEntityTypes returns all valid entity types.
func AllEntityTypes() map[EntityType]bool {
	return map[EntityType]bool{
		EntityLocationSample:         true,
		EntityTimeRecord:             true,
		EntityCheckpointVerification: true,
		EntityReport:                 true,
		EntityPhoto:                  true,
	}
}

// IsValidEntityType checks if the given entity type string is valid.
func IsValidEntityType(et string) bool {
	return AllEntityTypes()[EntityType(et)]
}

// NormalizeEntityType normalizes an entity type string to its canonical form.
// Accepts singular, plural and a few short aliases used on the command line.
func NormalizeEntityType(entityType string) (EntityType, bool) {
	switch strings.ToLower(strings.ReplaceAll(entityType, "-", "_")) {
	case "location", "locations", "location_sample", "location_samples":
		return EntityLocationSample, true
	case "time", "time_record", "time_records", "clock":
		return EntityTimeRecord, true
	case "checkpoint", "checkpoints", "checkpoint_verification", "checkpoint_verifications":
		return EntityCheckpointVerification, true
	case "report", "reports":
		return EntityReport, true
	case "photo", "photos":
		return EntityPhoto, true
	default:
		return "", false
	}
}

// Class returns the operation class used to upload records of this type.
func (e EntityType) Class() OperationClass {
	switch e {
	case EntityLocationSample:
		return ClassLocationBatch
	case EntityPhoto:
		return ClassPhotoUpload
	default:
		return ClassSmallMutation
	}
}

// Table returns the local table that stores records of this type.
func (e EntityType) Table() string {
	switch e {
	case EntityLocationSample:
		return "location_samples"
	case EntityTimeRecord:
		return "time_records"
	case EntityCheckpointVerification:
		return "checkpoint_verifications"
	case EntityReport:
		return "reports"
	case EntityPhoto:
		return "photos"
	default:
		return ""
	}
}

// New returns a pointer to a zero entity of this type, or nil for unknown types.
func (e EntityType) New() any {
	switch e {
	case EntityLocationSample:
		return &LocationSample{}
	case EntityTimeRecord:
		return &TimeRecord{}
	case EntityCheckpointVerification:
		return &CheckpointVerification{}
	case EntityReport:
		return &Report{}
	case EntityPhoto:
		return &Photo{}
	default:
		return nil
	}
}
