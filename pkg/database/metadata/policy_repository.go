package metadata

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/supporttools/GoBackupKeeper/pkg/metadata/types"
)

// PolicyRepository handles database operations for retention policies
type PolicyRepository struct {
	db *gorm.DB
}

// NewPolicyRepository creates a new PolicyRepository instance
func NewPolicyRepository(db *gorm.DB) *PolicyRepository {
	return &PolicyRepository{db: db}
}

var _ types.PolicyStore = (*PolicyRepository)(nil)

// GetByID retrieves a retention policy by ID
func (r *PolicyRepository) GetByID(ctx context.Context, id string) (*types.RetentionPolicy, error) {
	var m RetentionPolicy

	err := r.db.WithContext(ctx).Where("id = ?", id).First(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: retention policy %s", types.ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to get retention policy: %w", err)
	}

	p := m.toDomain()
	return &p, nil
}

// GetAll retrieves every retention policy
func (r *PolicyRepository) GetAll(ctx context.Context) ([]types.RetentionPolicy, error) {
	var models []RetentionPolicy
	if err := r.db.WithContext(ctx).Order("created_at").Find(&models).Error; err != nil {
		return nil, fmt.Errorf("failed to get retention policies: %w", err)
	}

	policies := make([]types.RetentionPolicy, 0, len(models))
	for _, m := range models {
		policies = append(policies, m.toDomain())
	}
	return policies, nil
}

// Create creates a new retention policy
func (r *PolicyRepository) Create(ctx context.Context, policy *types.RetentionPolicy) error {
	now := time.Now().UTC()
	if policy.CreatedAt.IsZero() {
		policy.CreatedAt = now
	}
	if policy.UpdatedAt.IsZero() {
		policy.UpdatedAt = now
	}

	m := policyFromDomain(policy)
	if err := r.db.WithContext(ctx).Create(&m).Error; err != nil {
		return fmt.Errorf("failed to create retention policy: %w", err)
	}
	return nil
}

// Update replaces every column of a stored policy
func (r *PolicyRepository) Update(ctx context.Context, policy *types.RetentionPolicy) error {
	m := policyFromDomain(policy)

	result := r.db.WithContext(ctx).Model(&RetentionPolicy{}).
		Where("id = ?", policy.ID).
		Select("*").Omit("id", "created_at").
		Updates(&m)
	if result.Error != nil {
		return fmt.Errorf("failed to update retention policy: %w", result.Error)
	}

	if result.RowsAffected == 0 {
		found, err := exists(ctx, r.db, &RetentionPolicy{}, policy.ID)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("%w: retention policy %s", types.ErrNotFound, policy.ID)
		}
	}
	return nil
}

// Delete deletes a retention policy
func (r *PolicyRepository) Delete(ctx context.Context, id string) error {
	result := r.db.WithContext(ctx).Where("id = ?", id).Delete(&RetentionPolicy{})
	if result.Error != nil {
		return fmt.Errorf("failed to delete retention policy: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: retention policy %s", types.ErrNotFound, id)
	}
	return nil
}

// AuditRepository appends audit entries
type AuditRepository struct {
	db *gorm.DB
}

// NewAuditRepository creates a new AuditRepository instance
func NewAuditRepository(db *gorm.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

var _ types.AuditStore = (*AuditRepository)(nil)

// Create inserts an audit entry
func (r *AuditRepository) Create(ctx context.Context, entry *types.AuditLog) error {
	m := AuditLog{
		ID:         entry.ID,
		Action:     entry.Action,
		EntityType: entry.EntityType,
		EntityID:   entry.EntityID,
		UserID:     entry.UserID,
		Status:     entry.Status,
		Timestamp:  entry.Timestamp,
		Details:    entry.Details,
	}
	if err := r.db.WithContext(ctx).Create(&m).Error; err != nil {
		return fmt.Errorf("failed to create audit log: %w", err)
	}
	return nil
}
