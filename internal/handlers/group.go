package handlers

import (
	"errors"
	"log/slog"

	"safechat/server/internal/directory"
	"safechat/server/internal/protocol"
	"safechat/server/internal/store"
)

// handleCreateGroup creates a group and enrols the listed members. Creating
// a group that already exists is not an error; the response describes the
// group as it stands.
func (r *Registry) handleCreateGroup(c *directory.Conn, env *protocol.Envelope) Result {
	if env.GroupID == "" {
		return fail(env.Type, "group_id is required")
	}
	name := env.GroupName
	if name == "" {
		name = env.GroupID
	}
	creatorID := c.UserID()

	err := r.store.CreateGroup(env.GroupID, name, creatorID)
	created := err == nil
	if err != nil && !errors.Is(err, store.ErrDuplicate) {
		slog.Error("create group", "group_id", env.GroupID, "err", err)
		return serverError(env.Type)
	}

	// Invited members that do not exist are skipped, not fatal.
	for _, username := range env.Members {
		member, err := r.store.GetUserByUsername(username)
		if err != nil {
			slog.Debug("skipping unknown group member", "group_id", env.GroupID, "username", username)
			continue
		}
		if err := r.store.AddGroupMember(env.GroupID, member.ID); err != nil &&
			!errors.Is(err, store.ErrDuplicate) {
			slog.Warn("enrol group member", "group_id", env.GroupID, "username", username, "err", err)
		}
	}

	group, err := r.store.GetGroup(env.GroupID)
	if err != nil {
		slog.Error("read back group", "group_id", env.GroupID, "err", err)
		return serverError(env.Type)
	}
	members, err := r.store.GroupMembers(env.GroupID)
	if err != nil {
		slog.Error("list group members", "group_id", env.GroupID, "err", err)
		return serverError(env.Type)
	}

	if created {
		slog.Info("group created", "group_id", group.ID, "name", group.Name, "creator", c.Username())
	}

	resp := protocol.NewResponse(env.Type, true, "group ready")
	resp.GroupID = group.ID
	resp.GroupName = group.Name
	resp.Members = make([]string, 0, len(members))
	for _, m := range members {
		resp.Members = append(resp.Members, m.Username)
	}
	resp.Total = group.MemberCount
	return Result{Response: resp}
}

// handleJoinGroup enrols the caller in an existing group. The group must
// exist; joining twice fails with already_member.
func (r *Registry) handleJoinGroup(c *directory.Conn, env *protocol.Envelope) Result {
	if env.GroupID == "" {
		return fail(env.Type, "group_id is required")
	}

	err := r.store.AddGroupMember(env.GroupID, c.UserID())
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			return failCode(env.Type, protocol.CodeGroupNotFound, "group does not exist")
		case errors.Is(err, store.ErrDuplicate):
			return failCode(env.Type, protocol.CodeAlreadyMember, "already a member of this group")
		default:
			slog.Error("join group", "group_id", env.GroupID, "err", err)
			return serverError(env.Type)
		}
	}

	group, err := r.store.GetGroup(env.GroupID)
	if err != nil {
		slog.Error("read back group", "group_id", env.GroupID, "err", err)
		return serverError(env.Type)
	}

	slog.Info("group joined", "group_id", group.ID, "username", c.Username())

	resp := protocol.NewResponse(env.Type, true, "joined group")
	resp.GroupID = group.ID
	resp.GroupName = group.Name
	resp.Total = group.MemberCount
	return Result{Response: resp}
}

// handleGetGroups lists the caller's memberships keyed by group id.
func (r *Registry) handleGetGroups(c *directory.Conn, env *protocol.Envelope) Result {
	memberships, err := r.store.UserGroups(c.UserID())
	if err != nil {
		slog.Error("list user groups", "user_id", c.UserID(), "err", err)
		return serverError(env.Type)
	}

	groups := make(map[string]protocol.GroupInfo, len(memberships))
	for _, m := range memberships {
		groups[m.ID] = protocol.GroupInfo{
			GroupID:     m.ID,
			GroupName:   m.Name,
			CreatorID:   m.CreatorID,
			CreatorName: m.CreatorName,
			CreatedAt:   formatMillis(m.CreatedAt),
			JoinedAt:    formatMillis(m.JoinedAt),
			MemberCount: m.MemberCount,
		}
	}

	resp := protocol.NewResponse(env.Type, true, "")
	resp.Groups = groups
	resp.Total = len(groups)
	return Result{Response: resp}
}
