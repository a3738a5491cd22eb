package record

import (
	"errors"
	"testing"
)

func TestRecordValidate(t *testing.T) {
	tests := []struct {
		name    string
		rec     Record
		wantErr bool
	}{
		{
			name: "valid plan",
			rec: Record{
				ID:   "p1",
				Type: TypePlan,
				Meta: PlanMeta{Title: "Roadmap", Status: "active"},
			},
		},
		{
			name:    "missing id",
			rec:     Record{Type: TypePlan, Meta: PlanMeta{Title: "x"}},
			wantErr: true,
		},
		{
			name:    "unknown type",
			rec:     Record{ID: "x1", Type: "widgets"},
			wantErr: true,
		},
		{
			name: "metadata type mismatch",
			rec: Record{
				ID:   "p1",
				Type: TypePlan,
				Meta: DocumentMeta{Title: "x"},
			},
			wantErr: true,
		},
		{
			name: "bad plan status",
			rec: Record{
				ID:   "p1",
				Type: TypePlan,
				Meta: PlanMeta{Title: "x", Status: "bogus"},
			},
			wantErr: true,
		},
		{
			name: "no metadata is allowed",
			rec:  Record{ID: "p1", Type: TypePlan},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.rec.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidMetadata) {
				t.Errorf("Validate() error %v does not wrap ErrInvalidMetadata", err)
			}
		})
	}
}

func TestFieldsFlattening(t *testing.T) {
	rec := Record{
		ID:   "pr1",
		Type: TypeProject,
		Meta: ProjectMeta{Name: "Apollo", Status: "active", Owner: "sam"},
	}
	fields := rec.Fields()
	if fields["title"] != "Apollo" || fields["status"] != "active" || fields["owner"] != "sam" {
		t.Errorf("unexpected fields: %v", fields)
	}

	bare := Record{ID: "d1", Type: TypeDocument}
	if got := bare.Fields(); got == nil || len(got) != 0 {
		t.Errorf("bare record fields = %v, want empty map", got)
	}
}

func TestNewEvent(t *testing.T) {
	rec := Record{ID: "p1", Type: TypePlan}
	ev := NewEvent(EventCreated, rec)

	if ev.ID == "" {
		t.Error("event id must be set")
	}
	if ev.Kind != EventCreated {
		t.Errorf("kind = %q", ev.Kind)
	}
	if ev.EnqueuedAt.IsZero() {
		t.Error("enqueued time must be set")
	}
	if ev.Collection() != TypePlan {
		t.Errorf("collection = %q", ev.Collection())
	}

	other := NewEvent(EventCreated, rec)
	if other.ID == ev.ID {
		t.Error("event ids must be unique")
	}
}
