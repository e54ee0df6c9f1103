package api

import (
	"github.com/fieldworkhq/fieldwork/internal/models"
	"github.com/fieldworkhq/fieldwork/internal/services"
)

// Store is the persistence surface the HTTP layer wires into the services.
// It is the union of the per-service store interfaces plus the record
// management the seed and admin paths need. Implementations must guarantee
// token uniqueness on CreateResult and make RetireIncrementalResult atomic.
type Store interface {
	services.AuthStore
	services.EnrollmentStore
	services.ResultStore
	services.ExportStore

	AddStudy(st *models.Study) error
	AddConsent(c *models.Consent) error
	GetConsent(id string) (*models.Consent, error)
	GetGuest(id string) (*models.Guest, error)
	GetData(id string) (*models.Data, error)
}
