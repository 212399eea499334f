package handlers

import (
	"bytes"
	"encoding/base64"
	"errors"
	"log/slog"
	"strconv"

	"safechat/server/internal/directory"
	"safechat/server/internal/protocol"
	"safechat/server/internal/store"
)

// handleGetDirectory returns the caller's contact book annotated with live
// presence: each contact carries online plus the (ip, port) endpoint hint
// advertised through heartbeats.
func (r *Registry) handleGetDirectory(c *directory.Conn, env *protocol.Envelope) Result {
	contacts, err := r.store.GetContacts(c.UserID())
	if err != nil {
		slog.Error("list contacts", "user_id", c.UserID(), "err", err)
		return serverError(env.Type)
	}

	resp := protocol.NewResponse(env.Type, true, "")
	resp.Contacts = make([]protocol.ContactEntry, 0, len(contacts))
	for _, ct := range contacts {
		entry := protocol.ContactEntry{
			UserID:    ct.UserID,
			Username:  ct.Username,
			Alias:     ct.Alias,
			Group:     ct.Group,
			PublicKey: ct.PublicKey,
			Online:    r.dir.IsOnline(ct.UserID),
		}
		if entry.Online {
			if ep, ok := r.dir.Endpoint(ct.UserID); ok {
				entry.IP = ep.IP
				entry.Port = ep.Port
				if ep.PublicKey != "" {
					entry.PublicKey = ep.PublicKey
				}
			}
		}
		resp.Contacts = append(resp.Contacts, entry)
	}
	resp.Total = len(resp.Contacts)
	return Result{Response: resp}
}

// handleGetHistory pages stored messages newest-first. target_id is a peer
// username (or numeric id) for single chats and a group id for group chats.
// An unknown target yields an empty page, not an error.
func (r *Registry) handleGetHistory(c *directory.Conn, env *protocol.Envelope) Result {
	chatType := env.ChatType
	if chatType == "" {
		chatType = "single"
	}
	target := env.TargetID.String()
	if target == "" {
		return fail(env.Type, "target_id is required")
	}

	q := store.HistoryQuery{Limit: env.Limit, Offset: env.Offset}
	if env.Since != "" {
		ms, err := parseTimestamp(env.Since)
		if err != nil {
			return fail(env.Type, "invalid since timestamp")
		}
		q.Since = ms
	}
	if env.Until != "" {
		ms, err := parseTimestamp(env.Until)
		if err != nil {
			return fail(env.Type, "invalid until timestamp")
		}
		q.Until = ms
	}

	var (
		rows []store.MessageRecord
		err  error
	)
	switch chatType {
	case "single":
		peerID, resolveErr := r.resolvePeer(target)
		if resolveErr != nil {
			if errors.Is(resolveErr, store.ErrNotFound) {
				break // unknown peer: empty history
			}
			slog.Error("resolve history target", "target", target, "err", resolveErr)
			return serverError(env.Type)
		}
		rows, err = r.store.DirectHistory(c.UserID(), peerID, q)
	case "group":
		rows, err = r.store.GroupHistory(target, q)
	default:
		return fail(env.Type, "chat_type must be single or group")
	}
	if err != nil {
		slog.Error("fetch history", "chat_type", chatType, "target", target, "err", err)
		return serverError(env.Type)
	}

	resp := protocol.NewResponse(env.Type, true, "")
	resp.ChatType = chatType
	resp.Records = make([]protocol.HistoryRecord, 0, len(rows))
	for _, m := range rows {
		resp.Records = append(resp.Records, protocol.HistoryRecord{
			MessageID:    m.ID,
			SenderID:     m.SenderID,
			SenderName:   m.SenderName,
			ReceiverID:   m.ReceiverID,
			ReceiverName: m.ReceiverName,
			GroupID:      m.GroupID,
			Content:      m.Content,
			ContentType:  m.ContentType,
			Encryption:   m.Encryption,
			Timestamp:    formatMillis(m.TS),
		})
	}
	resp.Total = len(resp.Records)
	return Result{Response: resp}
}

// resolvePeer turns a history target into a user id: numeric targets are
// ids, everything else is a username.
func (r *Registry) resolvePeer(target string) (int64, error) {
	if id, err := strconv.ParseInt(target, 10, 64); err == nil {
		return id, nil
	}
	user, err := r.store.GetUserByUsername(target)
	if err != nil {
		return 0, err
	}
	return user.ID, nil
}

// handleGetPublicKey returns the stored public key of one account.
func (r *Registry) handleGetPublicKey(c *directory.Conn, env *protocol.Envelope) Result {
	userID, okUser := env.UserIDInt()
	destID, okDest := env.DestIDInt()
	if !okUser || !okDest {
		return fail(env.Type, "user_id and dest_id are required")
	}

	dest, err := r.store.GetUserByID(destID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return failCode(env.Type, protocol.CodeNotFound, "target user does not exist")
		}
		slog.Error("resolve public key target", "dest_id", destID, "err", err)
		return serverError(env.Type)
	}

	resp := protocol.NewResponse(env.Type, true, "")
	resp.UserID = protocol.Num(userID)
	resp.DestID = protocol.Num(destID)
	resp.PublicKey = dest.PublicKey
	return Result{Response: resp}
}

// handleBackup stores an opaque client backup. The payload arrives as
// base64 in data.content and is written out decoded; ownership is always
// the authenticated account, regardless of what the envelope claims.
func (r *Registry) handleBackup(c *directory.Conn, env *protocol.Envelope) Result {
	destID, okDest := env.DestIDInt()
	if !okDest || env.Data == nil || env.Data.Content == "" {
		return fail(env.Type, "backup requires dest_id and data")
	}
	if claimed, ok := env.UserIDInt(); ok && claimed != c.UserID() {
		return failCode(env.Type, protocol.CodeUnauthorized, "user_id does not match this session")
	}

	raw, err := base64.StdEncoding.DecodeString(env.Data.Content)
	if err != nil {
		return fail(env.Type, "backup data is not valid base64")
	}

	b, err := r.blobs.Put(c.UserID(), destID, bytes.NewReader(raw))
	if err != nil {
		slog.Error("store backup", "user_id", c.UserID(), "err", err)
		return serverError(env.Type)
	}

	resp := protocol.NewResponse(env.Type, true, "backup stored")
	resp.BackupID = b.ID
	return Result{Response: resp}
}
