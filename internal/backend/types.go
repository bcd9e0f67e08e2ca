package backend

import "time"

type Context struct {
	Role            string   `json:"role"`
	Department      string   `json:"department,omitempty"`
	CurrentScenario string   `json:"currentScenario,omitempty"`
	Objectives      []string `json:"objectives,omitempty"`
}

type Message struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Sender    string    `json:"sender,omitempty"`
}

type Requirements struct {
	MinSelections int  `json:"minSelections,omitempty"`
	MinInterviews int  `json:"minInterviews,omitempty"`
	NeedsArtifact bool `json:"needsArtifact,omitempty"`
}

type Task struct {
	ID           string       `json:"id"`
	Title        string       `json:"title"`
	Description  string       `json:"description"`
	Status       string       `json:"status"`
	Priority     string       `json:"priority"`
	Requirements Requirements `json:"requirements"`
}

type StartRequest struct {
	Role      string `json:"role"`
	SessionID string `json:"sessionId,omitempty"`
}

type StartResponse struct {
	SessionID      string    `json:"sessionId"`
	Context        Context   `json:"context"`
	IsResumed      bool      `json:"isResumed"`
	History        []Message `json:"history,omitempty"`
	Tasks          []Task    `json:"tasks,omitempty"`
	InitialMessage *Message  `json:"initialMessage,omitempty"`
}

type Rating struct {
	ResumeID string `json:"resumeId"`
	Rating   int    `json:"rating"`
	Notes    string `json:"notes,omitempty"`
}

type Submission struct {
	SessionID       string   `json:"sessionId,omitempty"`
	TaskID          string   `json:"taskId"`
	Text            string   `json:"text,omitempty"`
	Files           []string `json:"files,omitempty"`
	SelectedResumes []string `json:"selectedResumes,omitempty"`
	ResumeRatings   []Rating `json:"resumeRatings,omitempty"`
	InterviewIDs    []string `json:"interviewIds,omitempty"`
	EmailIDs        []string `json:"emailIds,omitempty"`
	Transcript      string   `json:"transcript,omitempty"`
}

type SubmissionResult struct {
	CanProceed bool   `json:"canProceed"`
	Message    string `json:"message"`
	Completed  bool   `json:"completed"`
	NextTask   *Task  `json:"nextTask,omitempty"`
	Score      *struct {
		Min          float64 `json:"min"`
		Max          float64 `json:"max"`
		PassingScore float64 `json:"passingScore"`
		CurrentScore float64 `json:"currentScore"`
	} `json:"scoreInfo,omitempty"`
}

type UploadResult struct {
	URL string `json:"url"`
}

type MediaDetails struct {
	ServerURL        string `json:"serverUrl"`
	RoomName         string `json:"roomName"`
	ParticipantName  string `json:"participantName"`
	ParticipantToken string `json:"participantToken"`
}

type Skill struct {
	Name  string `json:"name"`
	Level int    `json:"level"`
}

type Evaluation struct {
	Score        float64  `json:"score"`
	Feedback     string   `json:"feedback"`
	Strengths    []string `json:"strengths"`
	Improvements []string `json:"improvements"`
	Skills       []Skill  `json:"skills"`
}

type EvaluateRequest struct {
	SessionID string    `json:"sessionId,omitempty"`
	Messages  []Message `json:"messages"`
	Tasks     []Task    `json:"tasks"`
}
