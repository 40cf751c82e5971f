// internal/errors/errors.go
package appErrors

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidInput marks a request the caller must fix before retrying.
	ErrInvalidInput = errors.New("invalid input")
	// ErrInvalidTransition is returned when a campaign cannot move to the requested status.
	ErrInvalidTransition = errors.New("invalid campaign status transition")
)

// ErrCampaignNotFound is returned when no campaign matches the id (and tenant, when scoped).
type ErrCampaignNotFound struct {
	CampaignID string
}

func (e *ErrCampaignNotFound) Error() string {
	return fmt.Sprintf("campaign with ID %s not found", e.CampaignID)
}

// Helper constructor
func NewCampaignNotFound(id string) error {
	return &ErrCampaignNotFound{CampaignID: id}
}

type ErrTemplateNotFound struct {
	TemplateID string
}

func (e *ErrTemplateNotFound) Error() string {
	return fmt.Sprintf("template with ID %s not found", e.TemplateID)
}

func NewTemplateNotFound(id string) error {
	return &ErrTemplateNotFound{TemplateID: id}
}

type ErrContactNotFound struct {
	ContactID string
}

func (e *ErrContactNotFound) Error() string {
	return fmt.Sprintf("contact with ID %s not found", e.ContactID)
}

func NewContactNotFound(id string) error {
	return &ErrContactNotFound{ContactID: id}
}

type ErrTenantNotFound struct {
	TenantID string
}

func (e *ErrTenantNotFound) Error() string {
	return fmt.Sprintf("tenant with ID %s not found", e.TenantID)
}

func NewTenantNotFound(id string) error {
	return &ErrTenantNotFound{TenantID: id}
}

type ErrListNotFound struct {
	ListID string
}

func (e *ErrListNotFound) Error() string {
	return fmt.Sprintf("list with ID %s not found", e.ListID)
}

func NewListNotFound(id string) error {
	return &ErrListNotFound{ListID: id}
}

// IsNotFound reports whether err wraps any of the typed not-found errors.
func IsNotFound(err error) bool {
	var c *ErrCampaignNotFound
	var t *ErrTemplateNotFound
	var ct *ErrContactNotFound
	var tn *ErrTenantNotFound
	var l *ErrListNotFound
	return errors.As(err, &c) || errors.As(err, &t) || errors.As(err, &ct) || errors.As(err, &tn) || errors.As(err, &l)
}

// Invalid wraps ErrInvalidInput with a message.
func Invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}
