package core

import (
	"context"
	"strings"

	"github.com/stakelane/betcore-go/internal/platform/auth"
)

type ActorType string

const (
	ActorUnspecified ActorType = ""
	ActorPlayer      ActorType = "player"
	ActorAgent       ActorType = "agent"
	ActorAdmin       ActorType = "admin"
	ActorService     ActorType = "service"
)

type Actor struct {
	ID   string
	Type ActorType
}

// Meta carries request provenance through every core operation: who acts,
// which inbound request this was, and the caller-supplied idempotency key
// for money-moving calls.
type Meta struct {
	RequestID      string
	IdempotencyKey string
	Actor          Actor
}

func actorTypeFromString(v string) ActorType {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "player":
		return ActorPlayer
	case "agent":
		return ActorAgent
	case "admin", "operator":
		return ActorAdmin
	case "service":
		return ActorService
	default:
		return ActorUnspecified
	}
}

// resolveActor prefers the verified token actor on the context and
// rejects request metadata that disagrees with it.
func resolveActor(ctx context.Context, meta Meta) (Actor, error) {
	if ctx != nil {
		if a, ok := auth.ActorFromContext(ctx); ok {
			ctxActor := Actor{ID: a.ID, Type: actorTypeFromString(a.Role)}
			if ctxActor.ID == "" || ctxActor.Type == ActorUnspecified {
				return Actor{}, validationf("actor context is invalid")
			}
			if meta.Actor.ID != "" && (meta.Actor.ID != ctxActor.ID || meta.Actor.Type != ctxActor.Type) {
				return Actor{}, ErrUnauthorized
			}
			return ctxActor, nil
		}
	}
	if meta.Actor.ID == "" || meta.Actor.Type == ActorUnspecified {
		return Actor{}, validationf("actor binding is required")
	}
	return meta.Actor, nil
}

// canActFor reports whether the actor may operate on ownerID's money.
// Admins and services act for anyone; players and agents only for
// themselves. Agent-for-player authority is checked by the credit
// controller, which knows the agent's downstream.
func canActFor(actor Actor, ownerID string) bool {
	switch actor.Type {
	case ActorAdmin, ActorService:
		return true
	case ActorPlayer, ActorAgent:
		return actor.ID == ownerID
	default:
		return false
	}
}
