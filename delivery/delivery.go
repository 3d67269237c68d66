// Package delivery sends relay output to Discord channels and fetches clip
// video files for attachment.
package delivery

import (
	"context"
	"errors"
	"time"
)

// ErrChannelNotFound means the destination channel no longer exists (or the
// bot cannot see it). Callers should disable the offending channel config
// rather than retry.
var ErrChannelNotFound = errors.New("delivery: channel not found")

// ErrForbidden means the bot lacks permission to post in the destination
// channel.
var ErrForbidden = errors.New("delivery: missing permissions")

// Attachment is a file uploaded alongside a message.
type Attachment struct {
	Name string
	Data []byte
}

// Embed is the rich-card portion of a message.
type Embed struct {
	Title        string
	URL          string
	Description  string
	ThumbnailURL string
	Color        int
	Fields       []EmbedField
	Timestamp    time.Time
}

// EmbedField is one name/value pair inside an embed.
type EmbedField struct {
	Name   string
	Value  string
	Inline bool
}

// Message is a single outbound Discord message.
type Message struct {
	Content    string
	Embed      *Embed
	Attachment *Attachment
}

// Sink delivers messages to a channel. Send must not return nil unless the
// message was actually accepted by the destination; the relay records a clip
// as delivered only on a nil return.
type Sink interface {
	Send(ctx context.Context, channelID string, msg Message) error
}
