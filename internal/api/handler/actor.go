package handler

import (
	"fmt"
	"strings"

	"github.com/cuongbtq/avatar-render/internal/domain"
	"github.com/gin-gonic/gin"
)

// Identity headers set by the authenticating gateway in front of the API
const (
	HeaderActorID    = "X-Actor-Id"
	HeaderActorKind  = "X-Actor-Kind"
	HeaderProducerID = "X-Producer-Id"
)

// actorFromRequest resolves the calling actor from the gateway headers
func actorFromRequest(c *gin.Context) (domain.Actor, error) {
	actor := domain.Actor{
		ID:         strings.TrimSpace(c.GetHeader(HeaderActorID)),
		Kind:       domain.ActorKind(strings.ToLower(strings.TrimSpace(c.GetHeader(HeaderActorKind)))),
		ProducerID: strings.TrimSpace(c.GetHeader(HeaderProducerID)),
	}

	if actor.ID == "" {
		return domain.Actor{}, fmt.Errorf("%w: missing %s header", domain.ErrPermissionDenied, HeaderActorID)
	}

	switch actor.Kind {
	case domain.ActorProducer:
		if actor.ProducerID == "" {
			actor.ProducerID = actor.ID
		}
	case domain.ActorSubproducer, domain.ActorFinalUser, domain.ActorAdmin:
		// Only producer accounts may claim a producer id
		actor.ProducerID = ""
	default:
		return domain.Actor{}, fmt.Errorf("%w: unknown actor kind %q", domain.ErrPermissionDenied, actor.Kind)
	}
	return actor, nil
}
