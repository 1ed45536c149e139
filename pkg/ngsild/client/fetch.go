package client

import (
	"context"
	"fmt"

	"github.com/diwise/ngsi-feature-sync/pkg/ngsild"
	"github.com/diwise/ngsi-feature-sync/pkg/ngsild/errors"
	"github.com/diwise/ngsi-feature-sync/pkg/ngsild/types"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
)

// PageSize is the number of entities requested per page
const PageSize int = 1000

type EntityLister interface {
	ListEntitiesPage(ctx context.Context, entityType string, limit, offset int) (*ngsild.EntitiesPage, error)
}

type TypeLister interface {
	ListTypes(ctx context.Context) (*ngsild.ListTypesResult, error)
}

// FetchAll requests consecutive pages of entities of the given type until a
// page shorter than PageSize is returned. Any failing page aborts the fetch
// and no partial result is returned.
func FetchAll(ctx context.Context, lister EntityLister, entityType string) ([]types.Entity, error) {
	logger := logging.GetFromContext(ctx)

	result := make([]types.Entity, 0, PageSize)
	offset := 0

	for {
		page, err := lister.ListEntitiesPage(ctx, entityType, PageSize, offset)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch %s entities at offset %d: %s (%w)", entityType, offset, err.Error(), errors.ErrFetchPage)
		}

		batchSize := len(page.Entities)
		result = append(result, page.Entities...)

		logger.Debug("fetched page of entities", "type", entityType, "offset", offset, "count", batchSize)

		if batchSize < PageSize {
			break
		}

		offset += PageSize
	}

	return result, nil
}

// ListTypeNames returns the names of the entity types known by the broker
func ListTypeNames(ctx context.Context, lister TypeLister) ([]string, error) {
	result, err := lister.ListTypes(ctx)
	if err != nil {
		return nil, err
	}
	return result.Types, nil
}
