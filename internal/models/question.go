package models

import "time"

// QuestionType classifies an extracted exam item.
type QuestionType string

const (
	QuestionChoice  QuestionType = "Multiple Choice"
	QuestionFill    QuestionType = "Fill in the Blank"
	QuestionText    QuestionType = "Short Answer"
	QuestionUnknown QuestionType = "Unknown"
)

// Difficulty is the estimated difficulty of a question.
type Difficulty string

const (
	DifficultyEasy   Difficulty = "Easy"
	DifficultyMedium Difficulty = "Medium"
	DifficultyHard   Difficulty = "Hard"
)

// Question is one exam item in the bank, produced by extraction,
// QR import, or manual entry.
type Question struct {
	ID           string       `json:"id"`
	OriginalText string       `json:"originalText"`
	Type         QuestionType `json:"type"`
	Options      []string     `json:"options,omitempty"`
	Answer       string       `json:"answer,omitempty"`
	Subject      string       `json:"subject"`
	Difficulty   Difficulty   `json:"difficulty"`
	Source       string       `json:"source"`
	Selected     bool         `json:"selected"`
	CreatedAt    time.Time    `json:"created_at"`
}

// ExamSnapshot is the saved worksheet kept in the preference store.
type ExamSnapshot struct {
	Title     string     `json:"title"`
	Questions []Question `json:"questions"`
}
