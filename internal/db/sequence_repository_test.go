package db

import (
	"context"
	"errors"
	"testing"

	"github.com/homelistingai/followup/internal/models"
)

func testSequence(id string, trigger models.TriggerType) *models.Sequence {
	return &models.Sequence{
		ID:          id,
		Name:        "Sequence " + id,
		TriggerType: trigger,
		IsActive:    true,
		Tags:        []string{"buyer"},
		Steps: []models.Step{
			{ID: id + "-1", Type: models.StepTypeEmail, Content: "Hi {{lead.name}}", Subject: "Welcome"},
		},
	}
}

func TestSequenceRepositoryUpsertAndList(t *testing.T) {
	database := setupTestDB(t)
	defer database.Close()
	ctx := context.Background()
	repo := NewSequenceRepository(database)

	a := testSequence("a", models.TriggerLeadCapture)
	b := testSequence("b", models.TriggerMarketUpdate)
	for _, seq := range []*models.Sequence{a, b} {
		if err := repo.Upsert(ctx, seq); err != nil {
			t.Fatalf("Upsert: %v", err)
		}
	}

	a.Signature = "Jane Doe"
	if err := repo.Upsert(ctx, a); err != nil {
		t.Fatalf("Upsert update: %v", err)
	}

	got, err := repo.Get(ctx, "a")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Signature != "Jane Doe" || len(got.Tags) != 1 || got.Steps[0].Subject != "Welcome" {
		t.Fatalf("unexpected sequence: %+v", got)
	}

	trigger := models.TriggerLeadCapture
	list, err := repo.List(ctx, SequenceQuery{TriggerType: &trigger, ActiveOnly: true})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 1 || list[0].ID != "a" {
		t.Fatalf("expected only sequence a, got %+v", list)
	}

	if err := repo.SetActive(ctx, "a", false); err != nil {
		t.Fatalf("SetActive: %v", err)
	}
	list, err = repo.List(ctx, SequenceQuery{ActiveOnly: true})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 1 || list[0].ID != "b" {
		t.Fatalf("expected only sequence b active, got %+v", list)
	}

	if err := repo.SetActive(ctx, "zzz", true); !errors.Is(err, ErrSequenceNotFound) {
		t.Fatalf("expected ErrSequenceNotFound, got %v", err)
	}
}

func TestSequenceRepositoryRejectsInvalid(t *testing.T) {
	database := setupTestDB(t)
	defer database.Close()

	seq := testSequence("bad", models.TriggerCustom)
	if err := NewSequenceRepository(database).Upsert(context.Background(), seq); !errors.Is(err, ErrInvalidSequence) {
		t.Fatalf("expected ErrInvalidSequence for custom trigger without key, got %v", err)
	}
}
