package control

import (
	"context"

	"github.com/opencloud-community/ot-controller-sub000/internal/signaling/attrs"
	"github.com/opencloud-community/ot-controller-sub000/internal/signaling/ids"
	"github.com/opencloud-community/ot-controller-sub000/internal/signaling/wire"
)

// BuildParticipant implements §4.8: reads the peer's ControlState from the
// store and renders the wire record, or (false, nil) if the kind is hidden
// (invariant 7, §3) and must be skipped by the caller.
func BuildParticipant(ctx context.Context, store attrs.Store, room ids.SignalingRoomId, globalRoom ids.RoomId, id ids.ParticipantId) (wire.Peer, bool, error) {
	kindRaw, ok, err := store.GetLocal(ctx, attrs.Local{Room: room, Participant: id, Attr: attrs.AttrKind})
	if err != nil {
		return wire.Peer{}, false, err
	}
	if !ok {
		return wire.Peer{}, false, nil
	}
	kindTag, _ := kindRaw.(string)

	var userID ids.UserId
	if kindTag == "user" {
		if uidRaw, ok, err := store.GetLocal(ctx, attrs.Local{Room: room, Participant: id, Attr: attrs.AttrUserID}); err == nil && ok {
			if s, ok := uidRaw.(string); ok {
				userID = ids.UserId(s)
			}
		}
	}

	kind, err := ids.ParseParticipantKind(kindTag, userID)
	if err != nil {
		return wire.Peer{}, false, err
	}
	if kind.Hidden() {
		return wire.Peer{}, false, nil
	}

	displayName, _, err := store.GetGlobal(ctx, attrs.Global{Room: globalRoom, Participant: id, Attr: attrs.AttrDisplayName})
	if err != nil {
		return wire.Peer{}, false, err
	}
	roleRaw, _, err := store.GetGlobal(ctx, attrs.Global{Room: globalRoom, Participant: id, Attr: attrs.AttrRole})
	if err != nil {
		return wire.Peer{}, false, err
	}
	handRaw, _, err := store.GetLocal(ctx, attrs.Local{Room: room, Participant: id, Attr: attrs.AttrHandIsUp})
	if err != nil {
		return wire.Peer{}, false, err
	}
	avatarRaw, hasAvatar, err := store.GetLocal(ctx, attrs.Local{Room: room, Participant: id, Attr: attrs.AttrAvatarURL})
	if err != nil {
		return wire.Peer{}, false, err
	}

	name, _ := displayName.(string)
	role, _ := roleRaw.(string)
	handUp, _ := handRaw.(bool)

	peer := wire.Peer{
		ID:          id,
		DisplayName: name,
		Role:        ids.Role(role),
		HandIsUp:    handUp,
	}
	if hasAvatar {
		if s, ok := avatarRaw.(string); ok {
			peer.AvatarURL = &s
		}
	}
	return peer, true, nil
}
