package roadaccidents

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/diwise/context-broker/pkg/datamodels/fiware"
	ngsierrors "github.com/diwise/context-broker/pkg/ngsild/errors"
	"github.com/diwise/context-broker/pkg/ngsild/types/entities"
	"github.com/diwise/context-broker/pkg/ngsild/types/entities/decorators"
	"github.com/diwise/ingress-trafikverket-stream/internal/pkg/infrastructure/tfv"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
)

const entityIDPrefix string = fiware.RoadAccidentIDPrefix + "se:trafikverket:api:deviation:"

func (svc *roadAccidentSvc) publishRoadAccidentToContextBroker(ctx context.Context, s tfv.Situation) error {
	var err error
	ctx, span := tracer.Start(ctx, "publish-to-broker")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	attributes := convertSituationToFiwareEntity(s)

	fragment, err := entities.NewFragment(attributes...)
	if err != nil {
		err = fmt.Errorf("failed to create entity fragment: %s", err.Error())
		return err
	}

	entityID := entityIDPrefix + s.ID

	headers := map[string][]string{"Content-Type": {"application/ld+json"}}

	_, err = svc.ctxBroker.MergeEntity(ctx, entityID, fragment, headers)
	if err == nil {
		return nil
	}

	if !errors.Is(err, ngsierrors.ErrNotFound) {
		err = fmt.Errorf("failed to merge entity: %s", err.Error())
		return err
	}

	if s.Deleted {
		// nothing to resolve for an accident the broker never knew about
		err = nil
		return nil
	}

	entity, err := entities.New(entityID, fiware.RoadAccidentTypeName, attributes...)
	if err != nil {
		err = fmt.Errorf("entities.New failed: %s", err.Error())
		return err
	}

	_, err = svc.ctxBroker.CreateEntity(ctx, entity, headers)
	if err != nil {
		err = fmt.Errorf("failed to post road accident to context broker: %s", err.Error())
		return err
	}

	return nil
}

func convertSituationToFiwareEntity(s tfv.Situation) []entities.EntityDecoratorFunc {
	status := map[bool]string{
		true:  "solved",
		false: "onGoing",
	}

	description := s.Message
	if description == "" {
		description = s.Header
	}

	attributes := append(
		make([]entities.EntityDecoratorFunc, 0, 5),
		decorators.Description(description),
		decorators.Status(status[s.Deleted]),
		decorators.Location(s.Location.Latitude, s.Location.Longitude),
	)

	accidentDate := s.StartTime
	if accidentDate.IsZero() {
		accidentDate = s.CreationTime
	}

	if !accidentDate.IsZero() {
		utcTime := accidentDate.UTC().Format(time.RFC3339)
		attributes = append(attributes, decorators.DateCreated(utcTime), decorators.DateTime("accidentDate", utcTime))
	}

	return attributes
}
