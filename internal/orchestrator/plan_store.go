package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/01Bisheshwar/ServiceNowAgentv1/internal/cache"
	"github.com/01Bisheshwar/ServiceNowAgentv1/internal/models"
)

// ErrPlanNotFound is returned for unknown or expired plan ids.
var ErrPlanNotFound = errors.New("plan not found")

const (
	DefaultPlanTTL = 15 * time.Minute
	planKeyPrefix  = "plan:"
)

// PlanStore keeps plans awaiting confirmation until they expire.
type PlanStore struct {
	store cache.Store
	ttl   time.Duration
}

func NewPlanStore(store cache.Store, ttl time.Duration) *PlanStore {
	if ttl <= 0 {
		ttl = DefaultPlanTTL
	}
	return &PlanStore{store: store, ttl: ttl}
}

// Save stores p, assigning an id and creation time when missing.
func (s *PlanStore) Save(ctx context.Context, p *models.Plan) error {
	if p == nil {
		return errors.New("plan store: nil plan")
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	s.store.SetTTL(ctx, planKeyPrefix+p.ID, *p, s.ttl)
	return nil
}

func (s *PlanStore) Get(ctx context.Context, id string) (*models.Plan, error) {
	v, ok := s.store.Get(ctx, planKeyPrefix+id)
	if !ok || v == nil {
		return nil, fmt.Errorf("%w: %s", ErrPlanNotFound, id)
	}
	p, err := DecodePlan(v)
	if err != nil {
		return nil, fmt.Errorf("plan store: decode %s: %w", id, err)
	}
	return p, nil
}

// DecodePlan turns a cached value back into a plan copy. Shared backends
// hand back decoded JSON rather than the stored struct.
func DecodePlan(v any) (*models.Plan, error) {
	switch p := v.(type) {
	case models.Plan:
		return &p, nil
	case *models.Plan:
		cp := *p
		return &cp, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var p models.Plan
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PlanStore) Delete(ctx context.Context, id string) {
	s.store.Delete(ctx, planKeyPrefix+id)
}
