package haCommands

import (
	"context"

	"go.uber.org/zap"

	"github.com/zabeloliver/ha-companion/ha-api/haNotify"
	"github.com/zabeloliver/ha-companion/ha-api/haStructs"
)

const homeassistantDomain = "homeassistant"

// Poster is the write side of the REST client.
type Poster interface {
	Post(ctx context.Context, path string, body map[string]any) (any, error)
}

// HaCommandService turns domain actions into hub writes. It does not check that
// entities exist; the hub decides.
type HaCommandService struct {
	client   Poster
	notifier haNotify.Notifier
	logger   *zap.SugaredLogger
}

func NewHaCommandService(client Poster, notifier haNotify.Notifier, logger *zap.SugaredLogger) *HaCommandService {
	if notifier == nil {
		notifier = haNotify.Nop
	}
	return &HaCommandService{client: client, notifier: notifier, logger: logger}
}

// CallService posts data to services/{domain}/{service}.
func (s *HaCommandService) CallService(ctx context.Context, domain, service string, data map[string]any) (any, error) {
	s.logger.Infof("Calling service %s/%s", domain, service)
	return s.client.Post(ctx, "services/"+domain+"/"+service, data)
}

func (s *HaCommandService) SetState(ctx context.Context, entityId, state string) (any, error) {
	s.notifier.Notify(entityId + " state set to " + state)
	return s.client.Post(ctx, "states/"+entityId, map[string]any{"state": state})
}

func (s *HaCommandService) CreateEvent(ctx context.Context, eventType string, data map[string]any) (any, error) {
	s.notifier.Notify(eventType + " created")
	return s.client.Post(ctx, "events/"+eventType, data)
}

func (s *HaCommandService) TurnOn(ctx context.Context, entityId string) (any, error) {
	return s.switchEntity(ctx, "turn_on", entityId, entityId+" turned on")
}

func (s *HaCommandService) TurnOnEntity(ctx context.Context, entity haStructs.Entity) (any, error) {
	return s.switchEntity(ctx, "turn_on", entity.Id, entity.DisplayName()+" turned on")
}

func (s *HaCommandService) TurnOff(ctx context.Context, entityId string) (any, error) {
	return s.switchEntity(ctx, "turn_off", entityId, entityId+" turned off")
}

func (s *HaCommandService) TurnOffEntity(ctx context.Context, entity haStructs.Entity) (any, error) {
	return s.switchEntity(ctx, "turn_off", entity.Id, entity.DisplayName()+" turned off")
}

func (s *HaCommandService) Toggle(ctx context.Context, entityId string) (any, error) {
	return s.switchEntity(ctx, "toggle", entityId, entityId+" toggled")
}

func (s *HaCommandService) ToggleEntity(ctx context.Context, entity haStructs.Entity) (any, error) {
	return s.switchEntity(ctx, "toggle", entity.Id, entity.DisplayName()+" toggled")
}

func (s *HaCommandService) switchEntity(ctx context.Context, service, entityId, title string) (any, error) {
	s.notifier.Notify(title)
	return s.CallService(ctx, homeassistantDomain, service, map[string]any{"entity_id": entityId})
}
