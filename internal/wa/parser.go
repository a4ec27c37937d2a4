package wa

import (
	"context"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/matheus3301/wafleet/internal/bus"
)

// parseMessage normalizes a live message event. When the message carries
// downloadable media the payload gets a Fetch closure bound to the raw
// message; the pipeline decides when (and whether) to run it.
func parseMessage(evt *events.Message, download downloadFunc) bus.MessagePayload {
	msg := evt.Message
	p := bus.MessagePayload{
		ChatID:    evt.Info.Chat.String(),
		MessageID: evt.Info.ID,
		SenderID:  evt.Info.Sender.ToNonAD().String(),
		Body:      extractTextBody(msg),
		FromMe:    evt.Info.IsFromMe,
		IsGroup:   evt.Info.IsGroup,
		Timestamp: evt.Info.Timestamp.UnixMilli(),
	}

	// Group chat names come from group events; for direct chats the push
	// name is the best we have.
	if !p.IsGroup && !evt.Info.IsFromMe {
		p.ChatName = evt.Info.PushName
	}

	if dl := downloadable(msg); dl != nil && download != nil {
		p.MediaType = detectMediaType(msg)
		raw := msg
		p.Fetch = func(ctx context.Context) ([]byte, error) {
			return download(ctx, raw)
		}
	}

	return p
}

func extractTextBody(msg *waE2E.Message) string {
	if msg == nil {
		return ""
	}
	if c := msg.GetConversation(); c != "" {
		return c
	}
	if ext := msg.GetExtendedTextMessage(); ext != nil {
		return ext.GetText()
	}
	if img := msg.GetImageMessage(); img != nil {
		return img.GetCaption()
	}
	if vid := msg.GetVideoMessage(); vid != nil {
		return vid.GetCaption()
	}
	if doc := msg.GetDocumentMessage(); doc != nil {
		return doc.GetCaption()
	}
	return ""
}

// detectMediaType classifies a downloadable message. Voice notes are kept
// distinct from regular audio: they are small and worth inlining.
func detectMediaType(msg *waE2E.Message) string {
	switch {
	case msg.GetStickerMessage() != nil:
		return "sticker"
	case msg.GetImageMessage() != nil:
		return "image"
	case msg.GetAudioMessage() != nil:
		if msg.GetAudioMessage().GetPTT() {
			return "ptt"
		}
		return "audio"
	case msg.GetVideoMessage() != nil:
		return "video"
	case msg.GetDocumentMessage() != nil:
		return "document"
	default:
		return ""
	}
}

// downloadable returns the media part of the message, or nil for pure text.
func downloadable(msg *waE2E.Message) whatsmeow.DownloadableMessage {
	if msg == nil {
		return nil
	}
	switch {
	case msg.GetStickerMessage() != nil:
		return msg.GetStickerMessage()
	case msg.GetImageMessage() != nil:
		return msg.GetImageMessage()
	case msg.GetAudioMessage() != nil:
		return msg.GetAudioMessage()
	case msg.GetVideoMessage() != nil:
		return msg.GetVideoMessage()
	case msg.GetDocumentMessage() != nil:
		return msg.GetDocumentMessage()
	default:
		return nil
	}
}

func toParticipants(info types.GroupInfo) []bus.GroupParticipant {
	var out []bus.GroupParticipant
	for _, p := range info.Participants {
		out = append(out, bus.GroupParticipant{
			ID:           p.JID.String(),
			IsAdmin:      p.IsAdmin,
			IsSuperAdmin: p.IsSuperAdmin,
		})
	}
	return out
}
