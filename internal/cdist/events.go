package cdist

import (
	"context"
	"strconv"
	"time"

	"cdist-go/internal/model"
)

// EventClientFilesChanged is the event name every catalog notification is published under.
const EventClientFilesChanged = "client_files_changed"

// Action says what happened to the files named in an Event.
type Action string

const (
	ActionFileAdded      Action = "file_added"
	ActionFileUpdated    Action = "file_updated"
	ActionFileDeleted    Action = "file_deleted"
	ActionSync           Action = "sync"
	ActionIntegrityCheck Action = "integrity_check"
)

// FileEvent describes one file in an Event. Sizes are decimal strings so
// consumers without 64-bit integers do not lose precision.
type FileEvent struct {
	ClientDirectory string `json:"clientDirectory"`
	FilePath        string `json:"filePath"`
	FileHash        string `json:"fileHash,omitempty"`
	FileSize        string `json:"fileSize,omitempty"`
	FileType        string `json:"fileType,omitempty"`
	Verified        *bool  `json:"verified,omitempty"`
}

// Summary is attached to sync events.
type Summary struct {
	Added         int `json:"added"`
	Updated       int `json:"updated"`
	Errors        int `json:"errors"`
	TotalFiles    int `json:"totalFiles"`
	VerifiedFiles int `json:"verifiedFiles"`
	FailedFiles   int `json:"failedFiles"`
}

// Event is the payload handed to an EventSink.
type Event struct {
	Version   string      `json:"version"`
	VersionID string      `json:"versionId"`
	Action    Action      `json:"action"`
	Files     []FileEvent `json:"files"`
	Summary   *Summary    `json:"summary,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// EventSink receives catalog notifications. Notify is fire-and-forget:
// implementations must not block the caller on delivery failures.
type EventSink interface {
	Notify(ctx context.Context, name string, event Event)
}

// NopSink drops every event.
type NopSink struct{}

func (NopSink) Notify(context.Context, string, Event) {}

func newFileEvent(f *model.ClientFile) FileEvent {
	return FileEvent{
		ClientDirectory: f.ClientDirectory,
		FilePath:        f.FilePath,
		FileHash:        f.FileHash,
		FileSize:        strconv.FormatInt(f.FileSize, 10),
		FileType:        string(f.FileType),
	}
}

func (s *Service) notify(ctx context.Context, v *model.ClientVersion, action Action, files []FileEvent, summary *Summary) {
	if files == nil {
		files = []FileEvent{}
	}
	s.sink.Notify(ctx, EventClientFilesChanged, Event{
		Version:   v.Version,
		VersionID: v.ID,
		Action:    action,
		Files:     files,
		Summary:   summary,
		Timestamp: s.clock.Now().UTC(),
	})
}
