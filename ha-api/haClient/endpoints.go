package haClient

import (
	"context"
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/zabeloliver/ha-companion/ha-api/haStructs"
)

func (c *HaApiClient) GetStatus(ctx context.Context) (haStructs.StatusInfo, error) {
	return GetDecoded[haStructs.StatusInfo](ctx, c, "config")
}

func (c *HaApiClient) GetConfig(ctx context.Context) (haStructs.ConfigInfo, error) {
	return GetDecoded[haStructs.ConfigInfo](ctx, c, "config")
}

func (c *HaApiClient) GetBootstrap(ctx context.Context) (any, error) {
	return c.Get(ctx, "bootstrap")
}

func (c *HaApiClient) GetEvents(ctx context.Context) (any, error) {
	return c.Get(ctx, "events")
}

// GetServices lists every callable service, sorted by domain and service name.
func (c *HaApiClient) GetServices(ctx context.Context) ([]haStructs.ServiceDescriptor, error) {
	responses, err := GetDecodedList[haStructs.ServicesResponse](ctx, c, "services")
	if err != nil {
		return nil, err
	}
	c.logger.Info("Get List of Service Domains: ", len(responses))
	return FlattenServices(responses), nil
}

func FlattenServices(responses []haStructs.ServicesResponse) []haStructs.ServiceDescriptor {
	byDomain := make(map[string]map[string]haStructs.ServiceDefinition)
	for _, r := range responses {
		if byDomain[r.Domain] == nil {
			byDomain[r.Domain] = make(map[string]haStructs.ServiceDefinition)
		}
		for name, def := range r.Services {
			byDomain[r.Domain][name] = def
		}
	}

	domains := maps.Keys(byDomain)
	slices.Sort(domains)

	var descriptors []haStructs.ServiceDescriptor
	for _, domain := range domains {
		services := byDomain[domain]
		names := maps.Keys(services)
		slices.Sort(names)
		for _, name := range names {
			def := services[name]
			descriptors = append(descriptors, haStructs.ServiceDescriptor{
				Domain:      domain,
				Service:     name,
				Description: def.Description,
				Fields:      def.Fields,
			})
		}
	}
	return descriptors
}

func (c *HaApiClient) GetHistory(ctx context.Context) (any, error) {
	return c.Get(ctx, "history")
}

// GetHistoryPeriod returns the state history of every entity that changed since the given time.
func (c *HaApiClient) GetHistoryPeriod(ctx context.Context, since time.Time) ([]haStructs.HistoryRecord, error) {
	path := "history/period/" + since.UTC().Format(time.RFC3339)
	periods, err := GetDecodedList[[]haStructs.Entity](ctx, c, path)
	if err != nil {
		return nil, err
	}
	records := make([]haStructs.HistoryRecord, 0, len(periods))
	for _, states := range periods {
		if len(states) == 0 {
			continue
		}
		records = append(records, haStructs.HistoryRecord{EntityId: states[0].Id, States: states})
	}
	return records, nil
}

func (c *HaApiClient) GetStates(ctx context.Context) ([]haStructs.Entity, error) {
	entities, err := GetDecodedList[haStructs.Entity](ctx, c, "states")
	if err != nil {
		return nil, err
	}
	c.logger.Info("Get List of Entities: ", len(entities))
	return entities, nil
}

func (c *HaApiClient) GetState(ctx context.Context, entityId string) (haStructs.Entity, error) {
	return GetDecoded[haStructs.Entity](ctx, c, "states/"+entityId)
}

func (c *HaApiClient) GetStateRaw(ctx context.Context, entityId string) (any, error) {
	return c.Get(ctx, "states/"+entityId)
}

func (c *HaApiClient) GetErrorLog(ctx context.Context) (any, error) {
	return c.Get(ctx, "error_log")
}
