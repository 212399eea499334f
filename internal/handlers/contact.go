package handlers

import (
	"errors"
	"log/slog"

	"safechat/server/internal/directory"
	"safechat/server/internal/protocol"
	"safechat/server/internal/store"
)

// handleAddContact puts another account in the caller's contact book,
// resolving it by username. Re-adding refreshes alias and group label.
func (r *Registry) handleAddContact(c *directory.Conn, env *protocol.Envelope) Result {
	contactUsername := pick(env.ContactUsername, metaString(env.Metadata, "contact_username"))
	if contactUsername == "" {
		return fail(env.Type, "contact_username is required")
	}

	err := r.store.AddContact(c.UserID(), contactUsername, env.Alias, env.Group)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			return failCode(env.Type, protocol.CodeNotFound, "contact user not found")
		case errors.Is(err, store.ErrConstraint):
			return fail(env.Type, "cannot add yourself as a contact")
		default:
			slog.Error("add contact", "username", contactUsername, "err", err)
			return serverError(env.Type)
		}
	}

	resp := protocol.NewResponse(env.Type, true, "contact added")
	resp.ContactUsername = contactUsername
	return Result{Response: resp}
}

// handleGetContacts returns the caller's contact book as stored.
func (r *Registry) handleGetContacts(c *directory.Conn, env *protocol.Envelope) Result {
	contacts, err := r.store.GetContacts(c.UserID())
	if err != nil {
		slog.Error("list contacts", "user_id", c.UserID(), "err", err)
		return serverError(env.Type)
	}

	resp := protocol.NewResponse(env.Type, true, "")
	resp.Contacts = make([]protocol.ContactEntry, 0, len(contacts))
	for _, ct := range contacts {
		resp.Contacts = append(resp.Contacts, protocol.ContactEntry{
			UserID:    ct.UserID,
			Username:  ct.Username,
			Alias:     ct.Alias,
			Group:     ct.Group,
			Notes:     ct.Notes,
			Favorite:  ct.Favorite,
			AddedAt:   formatMillis(ct.AddedAt),
			PublicKey: ct.PublicKey,
		})
	}
	resp.Total = len(resp.Contacts)
	return Result{Response: resp}
}

// handleUpdateContact patches one contact-book row. Empty string fields are
// left unchanged; is_favorite toggles only when present.
func (r *Registry) handleUpdateContact(c *directory.Conn, env *protocol.Envelope) Result {
	contactID, ok := envContactID(env)
	if !ok {
		return fail(env.Type, "contact_user_id is required")
	}

	var upd store.ContactUpdate
	if env.Alias != "" {
		upd.Alias = &env.Alias
	}
	if env.Group != "" {
		upd.Group = &env.Group
	}
	if env.Notes != "" {
		upd.Notes = &env.Notes
	}
	upd.Favorite = env.IsFavorite

	err := r.store.UpdateContact(c.UserID(), contactID, upd)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrConstraint):
			return fail(env.Type, "no fields to update")
		case errors.Is(err, store.ErrNotFound):
			return failCode(env.Type, protocol.CodeNotFound, "contact not found")
		default:
			slog.Error("update contact", "contact_user_id", contactID, "err", err)
			return serverError(env.Type)
		}
	}

	return Result{Response: protocol.NewResponse(env.Type, true, "contact updated")}
}

// handleRemoveContact deletes one contact-book row.
func (r *Registry) handleRemoveContact(c *directory.Conn, env *protocol.Envelope) Result {
	contactID, ok := envContactID(env)
	if !ok {
		return fail(env.Type, "contact_user_id is required")
	}

	err := r.store.RemoveContact(c.UserID(), contactID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return failCode(env.Type, protocol.CodeNotFound, "contact not found")
		}
		slog.Error("remove contact", "contact_user_id", contactID, "err", err)
		return serverError(env.Type)
	}

	return Result{Response: protocol.NewResponse(env.Type, true, "contact removed")}
}

// envContactID reads the target account id of a contact operation.
func envContactID(env *protocol.Envelope) (int64, bool) {
	if v, err := env.ContactUserID.Int64(); err == nil && v > 0 {
		return v, true
	}
	return 0, false
}
