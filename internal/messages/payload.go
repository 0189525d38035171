package messages

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Payload is the bus record for one message. It is derived from the
// committed Message row and deliberately has no credential fields, so
// nothing secret can round-trip through the bus.
type Payload struct {
	MessageID string     `json:"message_id"`
	SiteID    *uuid.UUID `json:"site_id,omitempty"`
	Channel   Channel    `json:"channel"`

	Recipient           string            `json:"recipient"`
	Subject             *string           `json:"subject,omitempty"`
	Body                *string           `json:"body,omitempty"`
	IsHTML              bool              `json:"is_html"`
	ImageURL            *string           `json:"image_url,omitempty"`
	VideoURL            *string           `json:"video_url,omitempty"`
	DocumentURL         *string           `json:"document_url,omitempty"`
	FileName            *string           `json:"file_name,omitempty"`
	Caption             *string           `json:"caption,omitempty"`
	FromEmail           *string           `json:"from_email,omitempty"`
	FromName            *string           `json:"from_name,omitempty"`
	WhatsAppSessionName *string           `json:"whatsapp_session_name,omitempty"`
	Metadata            map[string]string `json:"metadata,omitempty"`
}

// NewPayload serializes the row into its bus representation.
func NewPayload(msg *Message) *Payload {
	return &Payload{
		MessageID:           msg.MessageID,
		SiteID:              msg.SiteID,
		Channel:             msg.Channel,
		Recipient:           msg.Recipient,
		Subject:             msg.Subject,
		Body:                msg.Body,
		IsHTML:              msg.IsHTML,
		ImageURL:            msg.ImageURL,
		VideoURL:            msg.VideoURL,
		DocumentURL:         msg.DocumentURL,
		FileName:            msg.FileName,
		Caption:             msg.Caption,
		FromEmail:           msg.FromEmail,
		FromName:            msg.FromName,
		WhatsAppSessionName: msg.WhatsAppSessionName,
		Metadata:            msg.Metadata,
	}
}

func (p *Payload) Marshal() ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return data, nil
}

func ParsePayload(data []byte) (*Payload, error) {
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	return &p, nil
}
