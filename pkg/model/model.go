package model

import (
	"fmt"
)

// MediaKind is the closed set of media variants the bot transcribes.
type MediaKind int

const (
	KindVoice MediaKind = iota + 1
	KindVideoNote
)

// String returns the name used in logs and metrics labels
func (k MediaKind) String() string {
	switch k {
	case KindVoice:
		return "voice"
	case KindVideoNote:
		return "video_note"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// Extension returns the file extension used for the temporary download.
// Telegram voice notes are Opus in an Ogg container and come as .oga.
func (k MediaKind) Extension() string {
	switch k {
	case KindVideoNote:
		return "mp4"
	default:
		return "oga"
	}
}

// Media references one uploaded voice or video note
type Media struct {
	Kind     MediaKind `json:"kind"`
	FileID   string    `json:"file_id"`
	UniqueID string    `json:"file_unique_id"`
	Duration int       `json:"duration"`
}

// FileName returns the scratch file name for this media: {unique id}.{ext}
func (m Media) FileName() string {
	return m.UniqueID + "." + m.Kind.Extension()
}

// Job is one inbound media event handed to the pipeline
type Job struct {
	ID        string `json:"id"`
	ChatID    int64  `json:"chat_id"`
	MessageID int    `json:"message_id"`
	Sender    string `json:"sender"`
	Media     Media  `json:"media"`
}
