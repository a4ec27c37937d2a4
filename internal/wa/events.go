package wa

import (
	"context"

	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types/events"
	"go.uber.org/zap"

	"github.com/matheus3301/wafleet/internal/bus"
)

type downloadFunc func(ctx context.Context, msg *waE2E.Message) ([]byte, error)

// eventHandler translates raw whatsmeow events into bus events. It holds no
// session state of its own; identity and download are injected so the
// translation can be tested without a live client.
type eventHandler struct {
	bus      *bus.Bus
	number   string
	logger   *zap.Logger
	identity func() bool
	download downloadFunc
}

func (h *eventHandler) handle(rawEvt any) {
	switch evt := rawEvt.(type) {
	case *events.Message:
		h.bus.Emit(bus.KindMessage, h.number, parseMessage(evt, h.download))

	case *events.PairSuccess:
		h.logger.Info("paired", zap.String("device", evt.ID.String()))
		h.bus.Emit(bus.KindAuthenticated, h.number, nil)

	case *events.Connected:
		h.logger.Info("connected")
		h.bus.Emit(bus.KindReady, h.number, nil)

	case *events.OfflineSyncPreview:
		h.bus.Emit(bus.KindLoadingScreen, h.number, bus.LoadingPayload{Percent: 0})

	case *events.OfflineSyncCompleted:
		h.bus.Emit(bus.KindLoadingScreen, h.number, bus.LoadingPayload{Percent: 100})

	case *events.Disconnected:
		h.logger.Warn("disconnected")
		h.bus.Emit(bus.KindDisconnected, h.number, bus.DisconnectPayload{
			HasIdentity: h.identity(),
			Reason:      "stream_closed",
		})

	case *events.StreamReplaced:
		h.logger.Warn("stream replaced by another connection")
		h.bus.Emit(bus.KindDisconnected, h.number, bus.DisconnectPayload{
			HasIdentity: h.identity(),
			Reason:      "stream_replaced",
		})

	case *events.ConnectFailure:
		h.logger.Warn("connect failure", zap.String("reason", evt.Reason.String()))
		h.bus.Emit(bus.KindDisconnected, h.number, bus.DisconnectPayload{
			HasIdentity: h.identity(),
			Reason:      evt.Reason.String(),
		})

	case *events.LoggedOut:
		h.logger.Warn("logged out", zap.String("reason", evt.Reason.String()))
		h.bus.Emit(bus.KindAuthFailure, h.number, bus.DisconnectPayload{
			Reason: evt.Reason.String(),
		})

	case *events.TemporaryBan:
		h.logger.Error("temporarily banned", zap.String("code", evt.Code.String()))
		h.bus.Emit(bus.KindAuthFailure, h.number, bus.DisconnectPayload{
			Reason: "banned: " + evt.Code.String(),
		})

	case *events.JoinedGroup:
		h.bus.Emit(bus.KindGroupJoin, h.number, bus.GroupPayload{
			GroupID:      evt.JID.String(),
			Subject:      evt.Name,
			Participants: toParticipants(evt.GroupInfo),
		})

	case *events.GroupInfo:
		h.handleGroupInfo(evt)

	case *events.KeepAliveTimeout:
		h.logger.Warn("keepalive timeout", zap.Int("errors", evt.ErrorCount))
	}
}

func (h *eventHandler) handleGroupInfo(evt *events.GroupInfo) {
	// Being removed from the group is a leave, everything else is an update.
	if len(evt.Leave) > 0 && h.leftGroup(evt) {
		h.bus.Emit(bus.KindGroupLeave, h.number, bus.GroupPayload{GroupID: evt.JID.String()})
		return
	}

	p := bus.GroupPayload{GroupID: evt.JID.String()}
	if evt.Name != nil {
		p.Subject = evt.Name.Name
	}
	h.bus.Emit(bus.KindGroupUpdate, h.number, p)
}

func (h *eventHandler) leftGroup(evt *events.GroupInfo) bool {
	for _, jid := range evt.Leave {
		if jid.User == h.number {
			return true
		}
	}
	return false
}
