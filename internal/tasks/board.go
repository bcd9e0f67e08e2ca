// Package tasks tracks the task list of the active session and submits
// work for scoring.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"kairo-sync/internal/backend"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in-progress"
	StatusCompleted  Status = "completed"
)

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

var (
	ErrUnknownTask = errors.New("unknown task")
	ErrInvalid     = errors.New("invalid submission")
)

// Requirements are supplied by the backend per task.
type Requirements struct {
	MinSelections int
	MinInterviews int
	NeedsArtifact bool
}

type Task struct {
	ID           string
	Title        string
	Description  string
	Status       Status
	Priority     Priority
	Requirements Requirements
}

type Rating struct {
	ResumeID string
	Rating   int
	Notes    string
}

type Submission struct {
	TaskID          string
	Text            string
	Files           []string
	SelectedResumes []string
	Ratings         []Rating
	InterviewIDs    []string
	EmailIDs        []string
	Transcript      string
}

// Backend is the subset of the REST client the board needs.
type Backend interface {
	SubmitTask(ctx context.Context, sub backend.Submission) (backend.SubmissionResult, error)
	UploadFile(ctx context.Context, name string, r io.Reader) (backend.UploadResult, error)
}

type Board struct {
	api Backend

	mu        sync.RWMutex
	sessionID string
	tasks     []Task
}

func NewBoard(api Backend) *Board {
	return &Board{api: api}
}

// Seed replaces the board content with the tasks of a freshly started session.
func (b *Board) Seed(sessionID string, ts []backend.Task) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sessionID = sessionID
	b.tasks = make([]Task, 0, len(ts))
	for _, t := range ts {
		b.tasks = append(b.tasks, fromBackend(t))
	}
}

func (b *Board) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sessionID = ""
	b.tasks = nil
}

func (b *Board) List() []Task {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Task, len(b.tasks))
	copy(out, b.tasks)
	return out
}

func (b *Board) Get(id string) (Task, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, t := range b.tasks {
		if t.ID == id {
			return t, true
		}
	}
	return Task{}, false
}

func (b *Board) SetStatus(id string, st Status) error {
	switch st {
	case StatusPending, StatusInProgress, StatusCompleted:
	default:
		return fmt.Errorf("set status %q: unsupported status", st)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.tasks {
		if b.tasks[i].ID == id {
			b.tasks[i].Status = st
			return nil
		}
	}
	return fmt.Errorf("set status %q: %w", id, ErrUnknownTask)
}

// Upload stores an artifact and returns its URL for use in Submission.Files.
func (b *Board) Upload(ctx context.Context, name string, r io.Reader) (string, error) {
	res, err := b.api.UploadFile(ctx, name, r)
	if err != nil {
		return "", err
	}
	return res.URL, nil
}

// Submit validates sub against the task requirements, sends it and applies
// the verdict: canProceed completes the task, anything else leaves it in
// progress. A next task announced by the backend is added to the board.
func (b *Board) Submit(ctx context.Context, sub Submission) (backend.SubmissionResult, error) {
	t, ok := b.Get(sub.TaskID)
	if !ok {
		return backend.SubmissionResult{}, fmt.Errorf("submit %q: %w", sub.TaskID, ErrUnknownTask)
	}
	if err := Validate(t.Requirements, sub); err != nil {
		return backend.SubmissionResult{}, err
	}

	b.mu.RLock()
	sessionID := b.sessionID
	b.mu.RUnlock()

	res, err := b.api.SubmitTask(ctx, toBackend(sessionID, sub))
	if err != nil {
		return backend.SubmissionResult{}, err
	}

	st := StatusInProgress
	if res.CanProceed {
		st = StatusCompleted
	}
	if err := b.SetStatus(t.ID, st); err != nil {
		return res, err
	}
	if res.NextTask != nil {
		b.add(fromBackend(*res.NextTask))
	}
	return res, nil
}

func (b *Board) add(t Task) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, existing := range b.tasks {
		if existing.ID == t.ID {
			return
		}
	}
	b.tasks = append(b.tasks, t)
}

// Validate checks a submission against req. Selection and interview tasks
// have their own rules; every other task needs an artifact or text.
func Validate(req Requirements, sub Submission) error {
	switch {
	case req.MinSelections > 0:
		if len(sub.SelectedResumes) < req.MinSelections {
			return fmt.Errorf("%w: please select at least %d candidates", ErrInvalid, req.MinSelections)
		}
		rated := make(map[string]bool, len(sub.Ratings))
		for _, r := range sub.Ratings {
			if r.Rating > 0 {
				rated[r.ResumeID] = true
			}
		}
		for _, id := range sub.SelectedResumes {
			if !rated[id] {
				return fmt.Errorf("%w: please rate all selected candidates", ErrInvalid)
			}
		}
	case req.MinInterviews > 0:
		if len(sub.InterviewIDs) < req.MinInterviews {
			return fmt.Errorf("%w: please schedule at least %d interview(s)", ErrInvalid, req.MinInterviews)
		}
		if len(sub.EmailIDs) < 1 {
			return fmt.Errorf("%w: please send at least 1 email for a scheduled interview", ErrInvalid)
		}
	default:
		if len(sub.Files) == 0 && strings.TrimSpace(sub.Text) == "" && (req.NeedsArtifact || strings.TrimSpace(sub.Transcript) == "") {
			return fmt.Errorf("%w: please upload a file or enter text", ErrInvalid)
		}
	}
	return nil
}

func fromBackend(t backend.Task) Task {
	st := Status(t.Status)
	if st == "" {
		st = StatusPending
	}
	return Task{
		ID:          t.ID,
		Title:       t.Title,
		Description: t.Description,
		Status:      st,
		Priority:    Priority(t.Priority),
		Requirements: Requirements{
			MinSelections: t.Requirements.MinSelections,
			MinInterviews: t.Requirements.MinInterviews,
			NeedsArtifact: t.Requirements.NeedsArtifact,
		},
	}
}

func toBackend(sessionID string, s Submission) backend.Submission {
	out := backend.Submission{
		SessionID:       sessionID,
		TaskID:          s.TaskID,
		Text:            strings.TrimSpace(s.Text),
		Files:           s.Files,
		SelectedResumes: s.SelectedResumes,
		InterviewIDs:    s.InterviewIDs,
		EmailIDs:        s.EmailIDs,
		Transcript:      s.Transcript,
	}
	for _, r := range s.Ratings {
		out.ResumeRatings = append(out.ResumeRatings, backend.Rating{ResumeID: r.ResumeID, Rating: r.Rating, Notes: r.Notes})
	}
	return out
}
