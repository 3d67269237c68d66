package delivery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"
)

// DiscordSink posts messages through an open discordgo session. The session's
// built-in rate limiter paces outbound REST calls, so the relay can hand it a
// burst of clips without tripping Discord's limits.
type DiscordSink struct {
	Session *discordgo.Session
}

func NewDiscordSink(s *discordgo.Session) *DiscordSink {
	return &DiscordSink{Session: s}
}

func (d *DiscordSink) Send(ctx context.Context, channelID string, msg Message) error {
	send := &discordgo.MessageSend{Content: msg.Content}
	if msg.Embed != nil {
		send.Embed = toDiscordEmbed(msg.Embed)
	}
	if msg.Attachment != nil {
		send.Files = []*discordgo.File{{
			Name:   msg.Attachment.Name,
			Reader: bytes.NewReader(msg.Attachment.Data),
		}}
	}
	_, err := d.Session.ChannelMessageSendComplex(channelID, send, discordgo.WithContext(ctx))
	if err != nil {
		return mapRESTError(err)
	}
	return nil
}

func toDiscordEmbed(e *Embed) *discordgo.MessageEmbed {
	out := &discordgo.MessageEmbed{
		Title:       e.Title,
		URL:         e.URL,
		Description: e.Description,
		Color:       e.Color,
	}
	if e.ThumbnailURL != "" {
		out.Thumbnail = &discordgo.MessageEmbedThumbnail{URL: e.ThumbnailURL}
	}
	if !e.Timestamp.IsZero() {
		out.Timestamp = e.Timestamp.UTC().Format(time.RFC3339)
	}
	for _, f := range e.Fields {
		out.Fields = append(out.Fields, &discordgo.MessageEmbedField{
			Name: f.Name, Value: f.Value, Inline: f.Inline,
		})
	}
	return out
}

// mapRESTError translates discordgo REST failures into the sink's typed
// errors so callers can distinguish "channel is gone" from transient faults.
func mapRESTError(err error) error {
	var rerr *discordgo.RESTError
	if !errors.As(err, &rerr) {
		return err
	}
	if rerr.Message != nil {
		switch rerr.Message.Code {
		case discordgo.ErrCodeUnknownChannel:
			return fmt.Errorf("%w: %s", ErrChannelNotFound, rerr.Message.Message)
		case discordgo.ErrCodeMissingAccess, discordgo.ErrCodeMissingPermissions:
			return fmt.Errorf("%w: %s", ErrForbidden, rerr.Message.Message)
		}
	}
	if rerr.Response != nil {
		switch rerr.Response.StatusCode {
		case http.StatusNotFound:
			return fmt.Errorf("%w: http 404", ErrChannelNotFound)
		case http.StatusForbidden:
			return fmt.Errorf("%w: http 403", ErrForbidden)
		}
	}
	return err
}
