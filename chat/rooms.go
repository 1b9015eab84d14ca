package chat

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/tcriess/orgchat/store"
	"github.com/tcriess/orgchat/types"
)

// NewRoom holds the fields given by the creator, everything else is set by CreateRoom.
type NewRoom struct {
	Name        string
	Description string
	Avatar      string
	Kind        types.RoomKind
	CreatorId   string
}

// CreateRoom stores a new room with the creator as its only member and admin and returns the generated id.
// Room names are not unique.
func (s *Service) CreateRoom(ctx context.Context, r NewRoom) (string, error) {
	if strings.TrimSpace(r.Name) == "" {
		return "", fmt.Errorf("%w: empty name", ErrInvalidRoom)
	}
	if err := checkKey(ErrInvalidRoom, r.CreatorId); err != nil {
		return "", err
	}
	if r.Kind == "" {
		r.Kind = types.RoomKindGroup
	}
	if !r.Kind.Valid() {
		return "", fmt.Errorf("%w: unknown type %q", ErrInvalidRoom, r.Kind)
	}
	value := map[string]interface{}{
		"name":      r.Name,
		"type":      r.Kind,
		"members":   map[string]bool{r.CreatorId: true},
		"admins":    map[string]bool{r.CreatorId: true},
		"createdAt": store.ServerTimestamp,
		"createdBy": r.CreatorId,
	}
	if r.Description != "" {
		value["description"] = r.Description
	}
	if r.Avatar != "" {
		value["avatar"] = r.Avatar
	}
	id, err := s.db.Push(ctx, roomsPath, value)
	if err != nil {
		return "", fmt.Errorf("could not create room: %w", err)
	}
	s.logger.Debug("room created", "room", id, "creator", r.CreatorId)
	return id, nil
}

// ListRooms calls fn with the full room list now and after every change of any room. Rooms are ordered by the
// time of their last message, newest first, rooms without messages last.
func (s *Service) ListRooms(ctx context.Context, fn func([]types.Room)) (*store.Subscription, error) {
	return s.db.Subscribe(ctx, roomsPath, store.Query{}, func(snap *store.Snapshot) {
		fn(s.decodeRooms(snap))
	})
}

// Rooms returns the room list once, in the same order as ListRooms.
func (s *Service) Rooms(ctx context.Context) ([]types.Room, error) {
	snap, err := s.db.Get(ctx, roomsPath, store.Query{})
	if err != nil {
		return nil, err
	}
	return s.decodeRooms(snap), nil
}

// Room returns a single room.
func (s *Service) Room(ctx context.Context, roomId string) (*types.Room, error) {
	if err := checkKey(ErrRoomNotFound, roomId); err != nil {
		return nil, err
	}
	snap, err := s.db.Get(ctx, roomPath(roomId), store.Query{})
	if err != nil {
		return nil, err
	}
	if !snap.Exists() {
		return nil, fmt.Errorf("%w: %s", ErrRoomNotFound, roomId)
	}
	room, err := decodeRoom(snap)
	if err != nil {
		return nil, err
	}
	return &room, nil
}

// AddMember adds userId to the members of the room.
func (s *Service) AddMember(ctx context.Context, roomId, userId string) error {
	if err := checkKey(ErrInvalidRoom, userId); err != nil {
		return err
	}
	if _, err := s.Room(ctx, roomId); err != nil {
		return err
	}
	return s.db.Set(ctx, store.Join(roomPath(roomId), "members", userId), true)
}

// RemoveMember removes userId from the members of the room. Admin flags are kept.
func (s *Service) RemoveMember(ctx context.Context, roomId, userId string) error {
	if err := checkKey(ErrInvalidRoom, userId); err != nil {
		return err
	}
	if _, err := s.Room(ctx, roomId); err != nil {
		return err
	}
	return s.db.Remove(ctx, store.Join(roomPath(roomId), "members", userId))
}

func (s *Service) decodeRooms(snap *store.Snapshot) []types.Room {
	rooms := make([]types.Room, 0, len(snap.Children()))
	for _, child := range snap.Children() {
		room, err := decodeRoom(child)
		if err != nil {
			s.logger.Warn("skipping malformed room", "room", child.Key(), "error", err)
			continue
		}
		rooms = append(rooms, room)
	}
	SortRooms(rooms)
	return rooms
}

func decodeRoom(snap *store.Snapshot) (types.Room, error) {
	room := types.Room{}
	if err := snap.Decode(&room); err != nil {
		return room, err
	}
	room.Id = snap.Key()
	return room, nil
}

// SortRooms orders rooms by LastMessageTime descending, ties by id.
func SortRooms(rooms []types.Room) {
	sort.SliceStable(rooms, func(i, j int) bool {
		if rooms[i].LastMessageTime != rooms[j].LastMessageTime {
			return rooms[i].LastMessageTime > rooms[j].LastMessageTime
		}
		return rooms[i].Id < rooms[j].Id
	})
}
