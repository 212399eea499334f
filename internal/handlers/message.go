package handlers

import (
	"errors"
	"log/slog"

	"safechat/server/internal/directory"
	"safechat/server/internal/protocol"
	"safechat/server/internal/store"
)

// handleDirectMessage covers the whole peer-to-peer family: message,
// text_message, voice, voice_message, file, picture, stego_message. The
// payload is opaque; the server resolves the recipient, persists the row,
// and plans one forwarded envelope per live session of the recipient.
func (r *Registry) handleDirectMessage(c *directory.Conn, env *protocol.Envelope) Result {
	if env.Recipient == "" {
		return fail(env.Type, "recipient is required")
	}
	if env.Data == nil || env.Data.Content == "" {
		return fail(env.Type, "message content is required")
	}

	senderID := c.UserID()
	senderName := c.Username()

	peer, err := r.store.GetUserByUsername(env.Recipient)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return failCode(env.Type, protocol.CodeRecipientNotFound, "recipient does not exist")
		}
		slog.Error("resolve recipient", "recipient", env.Recipient, "err", err)
		return serverError(env.Type)
	}

	blocked, err := r.store.IsBlocked(peer.ID, senderID)
	if err != nil {
		slog.Error("block check", "recipient", env.Recipient, "err", err)
		return serverError(env.Type)
	}
	if blocked {
		return failCode(env.Type, protocol.CodeBlocked, "recipient has blocked you")
	}

	if env.Data.ContentType == "" {
		env.Data.ContentType = protocol.DefaultContentType(env.Type)
	}

	msgID, err := r.store.SaveDirectMessage(senderID, peer.ID,
		env.Data.Content, env.Data.ContentType, env.Data.Encryption, env.Data.Signature)
	if err != nil {
		slog.Error("persist message", "type", env.Type, "sender", senderName, "err", err)
		return serverError(env.Type)
	}

	fwd := protocol.NewForward(env)
	fwd.Sender = senderName // server-authoritative, never the client's claim
	fwd.MessageID = msgID

	resp := protocol.NewResponse(env.Type, true, "")
	resp.MessageID = msgID

	slog.Debug("direct message stored",
		"type", env.Type, "sender", senderName, "recipient", peer.Username, "message_id", msgID)

	return Result{
		Response: resp,
		FanOut:   []Delivery{{UserID: peer.ID, Env: fwd}},
	}
}

// handleGroupMessage persists a group post and plans fan-out to every member
// except the sender. Posting to an absent group creates it with the sender
// as sole member; posting as a non-member joins first.
func (r *Registry) handleGroupMessage(c *directory.Conn, env *protocol.Envelope) Result {
	if env.GroupID == "" {
		return fail(env.Type, "group_id is required")
	}
	if env.Data == nil || env.Data.Content == "" {
		return fail(env.Type, "message content is required")
	}

	senderID := c.UserID()
	senderName := c.Username()

	if _, err := r.store.GetGroup(env.GroupID); err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			slog.Error("resolve group", "group_id", env.GroupID, "err", err)
			return serverError(env.Type)
		}
		if err := r.store.CreateGroup(env.GroupID, env.GroupID, senderID); err != nil &&
			!errors.Is(err, store.ErrDuplicate) {
			slog.Error("auto-create group", "group_id", env.GroupID, "err", err)
			return serverError(env.Type)
		}
		slog.Info("group auto-created", "group_id", env.GroupID, "creator", senderName)
	}

	member, err := r.store.IsGroupMember(env.GroupID, senderID)
	if err != nil {
		slog.Error("membership check", "group_id", env.GroupID, "err", err)
		return serverError(env.Type)
	}
	if !member {
		if err := r.store.AddGroupMember(env.GroupID, senderID); err != nil &&
			!errors.Is(err, store.ErrDuplicate) {
			slog.Error("auto-join group", "group_id", env.GroupID, "err", err)
			return serverError(env.Type)
		}
	}

	if env.Data.ContentType == "" {
		env.Data.ContentType = protocol.DefaultContentType(env.Type)
	}

	msgID, err := r.store.SaveGroupMessage(env.GroupID, senderID,
		env.Data.Content, env.Data.ContentType, env.Data.Encryption, env.Data.Signature)
	if err != nil {
		slog.Error("persist group message", "group_id", env.GroupID, "err", err)
		return serverError(env.Type)
	}

	memberIDs, err := r.store.GroupMemberIDs(env.GroupID)
	if err != nil {
		slog.Error("list group members", "group_id", env.GroupID, "err", err)
		return serverError(env.Type)
	}

	fwd := protocol.NewForward(env)
	fwd.Sender = senderName
	fwd.MessageID = msgID

	var fanOut []Delivery
	for _, id := range memberIDs {
		if id == senderID {
			continue
		}
		fanOut = append(fanOut, Delivery{UserID: id, Env: fwd})
	}

	resp := protocol.NewResponse(env.Type, true, "")
	resp.MessageID = msgID
	resp.GroupID = env.GroupID

	slog.Debug("group message stored",
		"group_id", env.GroupID, "sender", senderName, "message_id", msgID, "targets", len(fanOut))

	return Result{Response: resp, FanOut: fanOut}
}
