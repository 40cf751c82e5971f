package repository

import (
	"context"
	"database/sql"
	"errors"

	appErrors "github.com/unclebandit/commsblock-backend/internal/errors"
	"github.com/unclebandit/commsblock-backend/internal/model"
)

type TemplateRepositoryInterface interface {
	GetByID(ctx context.Context, tenantID, id string) (*model.Template, error)
}

type TemplateRepository struct {
	DB *sql.DB
}

func (r *TemplateRepository) GetByID(ctx context.Context, tenantID, id string) (*model.Template, error) {
	query := `
		SELECT id, tenant_id, name, COALESCE(subject, ''), COALESCE(body_html, ''), COALESCE(body_text, '')
		FROM templates
		WHERE id = $1 AND tenant_id = $2
	`
	var t model.Template
	err := r.DB.QueryRowContext(ctx, query, id, tenantID).Scan(&t.ID, &t.TenantID, &t.Name, &t.Subject, &t.HTML, &t.Text)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewTemplateNotFound(id)
		}
		return nil, err
	}
	return &t, nil
}

var _ TemplateRepositoryInterface = (*TemplateRepository)(nil)
