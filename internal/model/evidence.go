package model

import "time"

// Evidence is one collected article with its processed content levels.
type Evidence struct {
	ID                 string    `json:"id"`
	WindowID           string    `json:"window_id"`
	Title              string    `json:"title"`
	URL                string    `json:"url"`
	NormalizedURL      string    `json:"normalized_url"`
	RawContent         string    `json:"raw_content"`
	CleanedContent     string    `json:"cleaned_content,omitempty"`
	NeutralizedContent string    `json:"neutralized_content,omitempty"`
	AbstractedContent  string    `json:"abstracted_content,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
}

// Content returns the text for view, falling back to raw content when the
// level has not been produced yet.
func (e *Evidence) Content(view EvidenceView) string {
	var s string
	switch view {
	case EvidenceViewCleaned:
		s = e.CleanedContent
	case EvidenceViewNeutralized:
		s = e.NeutralizedContent
	case EvidenceViewAbstracted:
		s = e.AbstractedContent
	}
	if s == "" {
		return e.RawContent
	}
	return s
}

// LevelContent returns the content written by an evidence stage.
func (e *Evidence) LevelContent(stage Stage) string {
	switch stage {
	case StageEvidenceClean:
		return e.CleanedContent
	case StageEvidenceNeutralize:
		return e.NeutralizedContent
	case StageEvidenceAbstract:
		return e.AbstractedContent
	}
	return ""
}

// InputFor returns the content an evidence stage consumes.
func (e *Evidence) InputFor(stage Stage) string {
	switch stage {
	case StageEvidenceNeutralize:
		return e.CleanedContent
	case StageEvidenceAbstract:
		return e.NeutralizedContent
	}
	return e.RawContent
}

// NextEvidenceStage returns the level that follows stage, or "".
func NextEvidenceStage(stage Stage) Stage {
	switch stage {
	case StageEvidenceClean:
		return StageEvidenceNeutralize
	case StageEvidenceNeutralize:
		return StageEvidenceAbstract
	}
	return ""
}

// Article is a search hit handed to evidence collection.
type Article struct {
	Title      string `json:"title"`
	URL        string `json:"url"`
	RawContent string `json:"raw_content"`
}
