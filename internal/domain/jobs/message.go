package jobs

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const MessageTypeTemplate = "template"

// RenderMessage is the body of a render queue message. Caption messages
// predate jobType and omit it.
type RenderMessage struct {
	JobType     string    `json:"jobType,omitempty"`
	RenderJobID string    `json:"renderJobId,omitempty"`
	JobID       string    `json:"jobId,omitempty"`
	UserID      string    `json:"userId,omitempty"`
	RequestedAt time.Time `json:"requestedAt"`
}

// DeadLetter is a render message parked after it could not be processed.
type DeadLetter struct {
	ID           string          `json:"id"`
	Body         json.RawMessage `json:"body"`
	Reason       string          `json:"reason"`
	ReceiveCount int             `json:"receiveCount"`
	DeadAt       time.Time       `json:"deadAt"`
}

func TemplateRenderMessage(jobID string, at time.Time) RenderMessage {
	return RenderMessage{JobType: MessageTypeTemplate, RenderJobID: jobID, RequestedAt: at.UTC()}
}

func CaptionRenderMessage(jobID, userID string, at time.Time) RenderMessage {
	return RenderMessage{JobID: jobID, UserID: userID, RequestedAt: at.UTC()}
}

// ParseRenderMessage decodes body and returns the job kind and id it targets.
func ParseRenderMessage(body []byte) (RenderMessage, Kind, string, error) {
	var m RenderMessage
	if err := json.Unmarshal(body, &m); err != nil {
		return m, "", "", fmt.Errorf("decode render message: %w", err)
	}
	switch strings.ToLower(strings.TrimSpace(m.JobType)) {
	case MessageTypeTemplate:
		id := strings.TrimSpace(m.RenderJobID)
		if id == "" {
			id = strings.TrimSpace(m.JobID)
		}
		if id == "" {
			return m, "", "", errors.New("template render message without renderJobId")
		}
		return m, KindTemplate, id, nil
	case "", string(KindCaption):
		id := strings.TrimSpace(m.JobID)
		if id == "" {
			return m, "", "", errors.New("caption render message without jobId")
		}
		return m, KindCaption, id, nil
	default:
		return m, "", "", fmt.Errorf("unknown jobType %q", m.JobType)
	}
}
