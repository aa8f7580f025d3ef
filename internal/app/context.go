package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"cashline/internal/config"
	"cashline/internal/domain"
	"cashline/internal/repo"
)

// ResolveProjectAndConfig picks the active project and ensures a project + config exist in DB,
// seeding defaults if missing. It prefers overrides, then single-project DB.
// If the project does not exist, it is created on the fly.
func ResolveProjectAndConfig(ctx context.Context, projectOverride string, r repo.Repo) (string, *config.Config, error) {
	projectID := projectOverride
	if projectID == "" {
		if p, err := r.SingleProject(ctx); err == nil {
			projectID = p.ID
		} else {
			return "", nil, fmt.Errorf("project not specified; use --project")
		}
	}
	seedCfg := config.Default(projectID)

	if _, err := r.GetProject(ctx, projectID); err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		if err := createProject(ctx, r, projectID, seedCfg); err != nil {
			return "", nil, err
		}
	}
	cfg, err := r.GetProjectConfig(ctx, projectID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			if err := r.UpsertProjectConfig(ctx, projectID, seedCfg); err != nil {
				return "", nil, fmt.Errorf("seed project config: %w", err)
			}
			cfg = seedCfg
		} else {
			return "", nil, err
		}
	}
	cfg.Project.ID = projectID
	return projectID, cfg, nil
}

func createProject(ctx context.Context, r repo.Repo, projectID string, seedCfg *config.Config) error {
	if seedCfg == nil {
		seedCfg = config.Default(projectID)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	if err := r.InsertProject(ctx, domain.Project{
		ID:        projectID,
		Name:      projectID,
		Status:    "active",
		CreatedAt: now,
	}); err != nil {
		return fmt.Errorf("insert project: %w", err)
	}
	if err := r.UpsertProjectConfig(ctx, projectID, seedCfg); err != nil {
		return fmt.Errorf("insert project config: %w", err)
	}
	return nil
}

// SeedDemo loads a small demo data set: one project with an owner, three
// available units, a qualified lead, an active cash target and a first
// receipt. Safe to run once against an empty workspace.
func SeedDemo(ctx context.Context, r repo.Repo, now func() time.Time) (string, error) {
	if now == nil {
		now = time.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	projectID := "skyline-residences"

	if _, err := r.GetProject(ctx, projectID); err == nil {
		return projectID, fmt.Errorf("project %s already exists", projectID)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return "", err
	}

	if err := r.InsertProject(ctx, domain.Project{
		ID: projectID, Name: "Skyline Residences", City: "Pune", Status: "active", CreatedAt: ts,
	}); err != nil {
		return "", err
	}
	if err := r.UpsertProjectConfig(ctx, projectID, config.Default(projectID)); err != nil {
		return "", err
	}
	if err := r.InsertUser(ctx, domain.User{
		ID: uuid.NewString(), Email: "owner@cashline.local", Name: "Demo Owner", Role: "OWNER", CreatedAt: ts,
	}); err != nil {
		return "", err
	}

	units := []domain.Unit{
		{UnitNumber: "A101", BHK: 2, CarpetArea: 650, BasePrice: 8500000, FloorRise: 0, Parking: 1},
		{UnitNumber: "A201", BHK: 2, CarpetArea: 650, BasePrice: 8650000, FloorRise: 25, Parking: 1},
		{UnitNumber: "A301", BHK: 3, CarpetArea: 950, BasePrice: 12500000, FloorRise: 50, Parking: 2},
	}
	for _, u := range units {
		u.ID = uuid.NewString()
		u.ProjectID = projectID
		u.Status = "AVAILABLE"
		u.CreatedAt = ts
		if err := r.InsertUnit(ctx, u); err != nil {
			return "", err
		}
	}

	if err := r.InsertLead(ctx, domain.Lead{
		ID: uuid.NewString(), ProjectID: projectID,
		Name: "Rahul Sharma", Phone: "+919876543210", Source: "WHATSAPP",
		Status: "QUALIFIED", Notes: "Interested in 2-3 BHK units",
		CreatedAt: ts, UpdatedAt: ts,
	}); err != nil {
		return "", err
	}

	if err := r.InsertCashTarget(ctx, domain.CashTarget{
		ID: uuid.NewString(), ProjectID: projectID,
		TargetAmount: 120000000,
		TargetDate:   now().UTC().Add(90 * 24 * time.Hour).Format(time.RFC3339),
		Status:       "ACTIVE", CreatedAt: ts,
	}); err != nil {
		return "", err
	}
	if err := r.InsertReceipt(ctx, domain.Receipt{
		ID: uuid.NewString(), ProjectID: projectID, Amount: 2500000, CreatedAt: ts,
	}); err != nil {
		return "", err
	}
	return projectID, nil
}
