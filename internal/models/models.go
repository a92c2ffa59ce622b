package models

import "time"

// ModelType identifies an image-generation model from the pricing table.
type ModelType string

const (
	ModelFlux2      ModelType = "flux-2"
	ModelNanoBanana ModelType = "nano-banana-pro"
)

// GenerationStatus is the lifecycle state of a generation request.
// Transitions are forward-only; approved, rejected and failed are terminal.
type GenerationStatus string

const (
	StatusQueued     GenerationStatus = "queued"
	StatusGenerating GenerationStatus = "generating"
	StatusApproved   GenerationStatus = "approved"
	StatusRejected   GenerationStatus = "rejected"
	StatusFailed     GenerationStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s GenerationStatus) Terminal() bool {
	switch s {
	case StatusApproved, StatusRejected, StatusFailed:
		return true
	}
	return false
}

// User is the token ledger row. TokensCurrent only decreases through a
// successful reservation; it increases through regeneration or an admin
// grant, never past TokensMax.
type User struct {
	ID               string
	TokensCurrent    int
	TokensMax        int
	CooldownUntil    *time.Time
	TotalGenerations int
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Generation records one requested artifact from creation through its
// terminal status. TokenCost is snapshotted at creation and never changes,
// even if pricing does.
type Generation struct {
	ID              string
	UserID          string
	Prompt          string
	Model           ModelType
	Size            string
	Status          GenerationStatus
	TokenCost       int
	ImageURL        *string
	RejectionReason *string
	ErrorMessage    *string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Slot is the durable record of what is currently shown at one grid
// coordinate. Version increments by exactly one on every successful
// placement and is the CAS guard for redirecting CurrentPlacementID.
type Slot struct {
	ID                 int64
	Z                  int
	X                  int
	Y                  int
	CurrentPlacementID *string
	Version            int64
	CreatedAt          time.Time
}

// Placement is one immutable historical claim on a slot. It is deleted only
// as rollback compensation when binding it to its slot loses the version
// race.
type Placement struct {
	ID           string
	SlotID       int64
	UserID       string
	GenerationID string
	ImageURL     string
	CreatedAt    time.Time
}
