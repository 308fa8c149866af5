package chatsync

import (
	"encoding/json"

	"github.com/putto11262002/chatsync/core"
	"github.com/putto11262002/chatsync/pkg/socket"
)

// on registers f for event. The payload is decoded and validated on the transport's
// goroutine; f runs on the event loop.
func on[T any](a *App, event string, f func(T)) {
	a.conn.On(event, func(raw json.RawMessage) {
		v, err := core.DecodePayload[T](event, raw)
		if err != nil {
			a.logger.Warn(err.Error())
			return
		}
		a.post(func() {
			f(v)
		})
	})
}

// onMessage is like on but leaves validation to the message engine,
// which accepts updates without a session id.
func onMessage(a *App, event string, f func(core.Message)) {
	a.conn.On(event, func(raw json.RawMessage) {
		var m core.Message
		if err := json.Unmarshal(raw, &m); err != nil {
			a.logger.Warn(core.NewInvalidPayloadError(event, raw, err).Error())
			return
		}
		a.post(func() {
			f(m)
		})
	})
}

func (a *App) registerHandlers() {
	onMessage(a, core.EventChat, a.messages.Receive)
	onMessage(a, core.EventUpdateMessage, a.messages.Update)
	on(a, core.EventDestroyMessage, a.DestroyMessageHandler)
	on(a, core.EventHistoryMessages, a.messages.LoadHistory)
	on(a, core.EventReadMessage, a.messages.MarkRead)
	on(a, core.EventMessageConfirmed, a.MessageConfirmedHandler)
	on(a, core.EventTyping, a.TypingHandler)
	on(a, core.EventStopTyping, a.StopTypingHandler)
	on(a, core.EventOnline, a.OnlineHandler)
	on(a, core.EventOffline, a.OfflineHandler)
	on(a, core.EventUsersConnected, a.UsersConnectedHandler)

	// the remote forgets room membership with the old connection
	a.conn.On(socket.EventReconnected, func(json.RawMessage) {
		a.post(a.sessions.Rejoin)
	})
}

func (a *App) DestroyMessageHandler(req core.DestroyRequest) {
	a.messages.Delete(req.MessageID, req.SessionID)
}

func (a *App) MessageConfirmedHandler(c core.MessageConfirmation) {
	a.messages.UpdateMessageID(c.ID)
}

func (a *App) TypingHandler(p core.TypingPayload) {
	if user, ok := a.conn.User(); ok && user.Username == p.Username {
		return
	}
	a.typing.Set(p.SessionID, p.Username)
	a.rescheduleTyping()
}

func (a *App) StopTypingHandler(p core.TypingPayload) {
	a.typing.Clear(p.SessionID, p.Username)
	a.rescheduleTyping()
}

func (a *App) OnlineHandler(p core.PresencePayload) {
	a.roster.Add(p.Username)
}

func (a *App) OfflineHandler(p core.PresencePayload) {
	a.roster.Remove(p.Username)
	a.typing.ClearUser(p.Username)
	a.rescheduleTyping()
}

func (a *App) UsersConnectedHandler(users []core.PresencePayload) {
	usernames := make([]string, 0, len(users))
	for _, u := range users {
		if u.Username != "" {
			usernames = append(usernames, u.Username)
		}
	}
	a.roster.Set(usernames)
}
