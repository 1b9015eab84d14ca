// Package filter evaluates expr expressions that decide which rooms a user gets to see in the directory.
package filter

import (
	"fmt"

	"github.com/antonmedv/expr"
	"github.com/antonmedv/expr/vm"
	lru "github.com/hashicorp/golang-lru"
	"github.com/tcriess/orgchat/globals"
	"github.com/tcriess/orgchat/types"
)

// Compiler compiles filter expressions and keeps the most recently used programs.
type Compiler struct {
	cache *lru.Cache
}

func NewCompiler(size int) (*Compiler, error) {
	cache, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &Compiler{cache: cache}, nil
}

// Compile returns the program for expression, which must evaluate to a bool. The empty expression yields a nil
// program that accepts everything.
func (c *Compiler) Compile(expression string) (*vm.Program, error) {
	if expression == "" {
		return nil, nil
	}
	if prog, ok := c.cache.Get(expression); ok {
		return prog.(*vm.Program), nil
	}
	prog, err := expr.Compile(expression, expr.Env(Env{}), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("could not compile filter %q: %w", expression, err)
	}
	c.cache.Add(expression, prog)
	return prog, nil
}

// NewEnv builds the environment for one user and room.
func NewEnv(user types.User, room types.Room) Env {
	return Env{
		User: User{
			Id:   user.Id,
			Name: user.Name,
		},
		Room: Room{
			Id:              room.Id,
			Name:            room.Name,
			Kind:            string(room.Kind),
			Members:         room.MemberIds(),
			Admins:          room.AdminIds(),
			CreatedBy:       room.CreatedBy,
			LastMessageTime: room.LastMessageTime,
		},
	}
}

// Allow runs all programs, a room is allowed if none of them rejects it. Runtime errors reject the room.
func Allow(user types.User, room types.Room, progs ...*vm.Program) bool {
	var env *Env
	for _, prog := range progs {
		if prog == nil {
			continue
		}
		if env == nil {
			e := NewEnv(user, room)
			env = &e
		}
		res, err := expr.Run(prog, *env)
		if err != nil {
			globals.AppLogger.Debug("could not run filter", "room", room.Id, "error", err)
			return false
		}
		if ok, _ := res.(bool); !ok {
			return false
		}
	}
	return true
}

// Rooms returns the rooms allowed for user, in the original order.
func Rooms(user types.User, rooms []types.Room, progs ...*vm.Program) []types.Room {
	res := make([]types.Room, 0, len(rooms))
	for _, room := range rooms {
		if Allow(user, room, progs...) {
			res = append(res, room)
		}
	}
	return res
}
