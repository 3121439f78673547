package job

import (
	"testing"
	"time"
)

func TestNewID_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewID()
		if id == "" {
			t.Fatal("NewID() returned empty string")
		}
		if seen[id] {
			t.Fatalf("duplicate ID %q on iteration %d", id, i)
		}
		seen[id] = true
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusRunning, true},
		{StatusPending, StatusQueued, true},
		{StatusPending, StatusFailed, true},
		{StatusQueued, StatusRunning, true},
		{StatusQueued, StatusCancelled, true},
		{StatusQueued, StatusFailed, false},
		{StatusQueued, StatusCompleted, false},
		{StatusRunning, StatusCompleted, true},
		{StatusRunning, StatusFailed, true},
		{StatusRunning, StatusCancelled, true},
		{StatusCompleted, StatusRunning, false},
		{StatusCompleted, StatusCompleted, false},
		{StatusFailed, StatusRunning, false},
		{StatusCancelled, StatusQueued, false},
		{StatusRunning, StatusQueued, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestStatusTerminal(t *testing.T) {
	terminal := []Status{StatusCompleted, StatusFailed, StatusCancelled}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s.Terminal() = false, want true", s)
		}
	}
	active := []Status{StatusPending, StatusQueued, StatusRunning}
	for _, s := range active {
		if s.Terminal() {
			t.Errorf("%s.Terminal() = true, want false", s)
		}
	}
}

func TestValidType(t *testing.T) {
	for _, v := range ValidTypes {
		if !ValidType(v) {
			t.Errorf("ValidType(%s) = false", v)
		}
	}
	if ValidType("repository_delete") {
		t.Error("ValidType accepted unknown type")
	}
}

func TestClone_DeepCopy(t *testing.T) {
	now := time.Now()
	j := &SyncJob{
		ID:           "a",
		Username:     "alice",
		UserAlias:    "Alice",
		Type:         TypeRepositorySync,
		Status:       StatusRunning,
		CreatedAt:    now,
		StartedAt:    &now,
		PhaseOrder:   []string{"git_pull", "indexing"},
		PhaseWeights: map[string]float64{"git_pull": 0.2, "indexing": 0.8},
		Phases: map[string]*PhaseInfo{
			"git_pull": {PhaseName: "git_pull", Status: PhaseRunning, Progress: 50, Metrics: map[string]any{"bytes": 42}},
			"indexing": {PhaseName: "indexing", Status: PhasePending},
		},
		ProgressHistory:    []ProgressSnapshot{{Timestamp: now, Phase: "git_pull", PhaseProgress: 50, OverallProgress: 10}},
		RecoveryCheckpoint: map[string]any{"offset": 3},
	}

	cp := j.Clone()
	cp.Phases["git_pull"].Progress = 99
	cp.Phases["git_pull"].Metrics["bytes"] = 0
	cp.PhaseWeights["git_pull"] = 0.9
	cp.PhaseOrder[0] = "other"
	cp.RecoveryCheckpoint["offset"] = 7
	*cp.StartedAt = now.Add(time.Hour)

	if j.Phases["git_pull"].Progress != 50 {
		t.Error("clone shares phase records with original")
	}
	if j.Phases["git_pull"].Metrics["bytes"] != 42 {
		t.Error("clone shares phase metrics with original")
	}
	if j.PhaseWeights["git_pull"] != 0.2 {
		t.Error("clone shares weights with original")
	}
	if j.PhaseOrder[0] != "git_pull" {
		t.Error("clone shares phase order with original")
	}
	if j.RecoveryCheckpoint["offset"] != 3 {
		t.Error("clone shares checkpoint with original")
	}
	if !j.StartedAt.Equal(now) {
		t.Error("clone shares started_at with original")
	}
}

func TestValidate(t *testing.T) {
	valid := SyncJob{
		ID:        "x",
		Username:  "alice",
		Type:      TypeRepositorySync,
		Status:    StatusCompleted,
		CreatedAt: time.Now(),
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("Validate() on valid record: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*SyncJob)
	}{
		{"missing id", func(j *SyncJob) { j.ID = "" }},
		{"blank username", func(j *SyncJob) { j.Username = "   " }},
		{"bad type", func(j *SyncJob) { j.Type = "nope" }},
		{"bad status", func(j *SyncJob) { j.Status = "limbo" }},
		{"zero created_at", func(j *SyncJob) { j.CreatedAt = time.Time{} }},
	}
	for _, tt := range tests {
		j := valid
		tt.mutate(&j)
		if err := j.Validate(); err == nil {
			t.Errorf("%s: Validate() = nil, want error", tt.name)
		}
	}
}
