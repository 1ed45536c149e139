package client

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"

	ngsierrors "github.com/diwise/ngsi-feature-sync/pkg/ngsild/errors"
	"github.com/diwise/ngsi-feature-sync/pkg/ngsild/types/entities"
	"github.com/diwise/ngsi-feature-sync/pkg/ngsild/types/entities/decorators"
	"github.com/diwise/ngsi-feature-sync/pkg/ngsild/types/properties"
	testutils "github.com/diwise/service-chassis/pkg/test/http"
	"github.com/diwise/service-chassis/pkg/test/http/expects"
	"github.com/diwise/service-chassis/pkg/test/http/response"

	"github.com/matryer/is"
)

var Expects = testutils.Expects
var Returns = testutils.Returns
var anyInput = expects.AnyInput
var method = expects.RequestMethod
var path = expects.RequestPath
var body = expects.RequestBody

func TestListEntitiesPage(t *testing.T) {
	is := is.New(t)

	s := testutils.NewMockServiceThat(
		Expects(
			is,
			method(http.MethodGet),
			path("/ngsi-ld/v1/entities"),
			QueryParamEquals("type", "Beach"),
			QueryParamEquals("limit", "1000"),
			QueryParamEquals("offset", "2000"),
		),
		Returns(
			response.Code(http.StatusOK),
			response.ContentType("application/json"),
			response.Body([]byte(`[{"id":"urn:ngsi-ld:Beach:1","type":"Beach"},{"id":"urn:ngsi-ld:Beach:2","type":"Beach"}]`)),
		),
	)
	defer s.Close()

	c := NewContextBrokerClient(s.URL())

	page, err := c.ListEntitiesPage(context.Background(), "Beach", 1000, 2000)
	is.NoErr(err)
	is.Equal(len(page.Entities), 2)
	is.Equal(page.Entities[1].ID(), "urn:ngsi-ld:Beach:2")
	is.Equal(page.TotalCount, int64(-1))
}

func TestListEntitiesPageUsingTypedDialect(t *testing.T) {
	is := is.New(t)

	s := testutils.NewMockServiceThat(
		Expects(
			is,
			method(http.MethodGet),
			path("/v2/entities"),
			QueryParamEquals("type", "Room"),
			RequestHeaderEquals("Fiware-Service", "openiot"),
		),
		Returns(
			response.Code(http.StatusOK),
			response.Body([]byte(`[{"id":"Room1","type":"Room","temperature":{"type":"Number","value":23,"metadata":{}}}]`)),
		),
	)
	defer s.Close()

	c := NewContextBrokerClient(s.URL(), WithDialect(Typed), Tenant("openiot"))

	page, err := c.ListEntitiesPage(context.Background(), "Room", PageSize, 0)
	is.NoErr(err)
	is.Equal(len(page.Entities), 1)
}

func TestListEntitiesPageHandlesBadRequest(t *testing.T) {
	is := is.New(t)

	s := testutils.NewMockServiceThat(
		Expects(is, anyInput()),
		Returns(
			response.ContentType("application/problem+json"),
			response.Code(http.StatusBadRequest),
			response.Body([]byte(`{"type":"https://uri.etsi.org/ngsi-ld/errors/BadRequestData","title":"bad request","detail":"no"}`)),
		),
	)
	defer s.Close()

	c := NewContextBrokerClient(s.URL())

	_, err := c.ListEntitiesPage(context.Background(), "A", PageSize, 0)

	is.True(err != nil)
	is.True(errors.Is(err, ngsierrors.ErrBadRequest))
}

func TestListTypes(t *testing.T) {
	is := is.New(t)

	s := testutils.NewMockServiceThat(
		Expects(is, method(http.MethodGet), path("/ngsi-ld/v1/types")),
		Returns(
			response.Code(http.StatusOK),
			response.Body([]byte(`{"id":"urn:ngsi-ld:EntityTypeList:1","type":"EntityTypeList","typeList":["https://schema.org/Beach","Road"]}`)),
		),
	)
	defer s.Close()

	names, err := ListTypeNames(context.Background(), NewContextBrokerClient(s.URL()))
	is.NoErr(err)
	is.Equal(names, []string{"https://schema.org/Beach", "Road"})
}

func TestListTypesAsEntityTypeObjects(t *testing.T) {
	is := is.New(t)

	s := testutils.NewMockServiceThat(
		Expects(is, anyInput()),
		Returns(
			response.Code(http.StatusOK),
			response.Body([]byte(`[{"id":"https://schema.org/Beach","type":"EntityType","typeName":"Beach"}]`)),
		),
	)
	defer s.Close()

	names, err := ListTypeNames(context.Background(), NewContextBrokerClient(s.URL()))
	is.NoErr(err)
	is.Equal(names, []string{"Beach"})
}

func TestListTypesUsingTypedDialect(t *testing.T) {
	is := is.New(t)

	s := testutils.NewMockServiceThat(
		Expects(is, method(http.MethodGet), path("/v2/types")),
		Returns(
			response.Code(http.StatusOK),
			response.Body([]byte(`[{"type":"Room","count":2},{"type":"Car","count":1}]`)),
		),
	)
	defer s.Close()

	names, err := ListTypeNames(context.Background(), NewContextBrokerClient(s.URL(), WithDialect(Typed)))
	is.NoErr(err)
	is.Equal(names, []string{"Room", "Car"})
}

func TestRetrieveEntity(t *testing.T) {
	is := is.New(t)

	s := testutils.NewMockServiceThat(
		Expects(is, method(http.MethodGet), path("/ngsi-ld/v1/entities/urn:ngsi-ld:Beach:1")),
		Returns(
			response.Code(http.StatusOK),
			response.Body([]byte(`{"id":"urn:ngsi-ld:Beach:1","type":"Beach","name":{"type":"Property","value":"Hartungviken"}}`)),
		),
	)
	defer s.Close()

	e, err := NewContextBrokerClient(s.URL()).RetrieveEntity(context.Background(), "urn:ngsi-ld:Beach:1")
	is.NoErr(err)
	is.Equal(e.Type(), "Beach")
}

func TestRetrieveEntityNotFound(t *testing.T) {
	is := is.New(t)

	s := testutils.NewMockServiceThat(
		Expects(is, anyInput()),
		Returns(
			response.Code(http.StatusNotFound),
			response.ContentType("application/problem+json"),
			response.Body([]byte(`{"type":"https://uri.etsi.org/ngsi-ld/errors/ResourceNotFound","title":"not found"}`)),
		),
	)
	defer s.Close()

	_, err := NewContextBrokerClient(s.URL()).RetrieveEntity(context.Background(), "urn:ngsi-ld:Beach:1")
	is.True(errors.Is(err, ngsierrors.ErrNotFound))
}

func TestUpdateEntityAttributesWithMetaData(t *testing.T) {
	is := is.New(t)

	s := testutils.NewMockServiceThat(
		Expects(
			is,
			method(http.MethodPatch),
			path("/ngsi-ld/v1/entities/id/attrs"),
			body(
				"{\"waterConsumption\":{\"type\":\"Property\",\"value\":100,\"observedAt\":\"2006-01-02T15:04:05Z\",\"observedBy\":{\"type\":\"Relationship\",\"object\":\"some_device\"},\"unitCode\":\"LTR\"}}",
			),
		),
		Returns(
			response.Code(http.StatusNoContent),
		),
	)
	defer s.Close()

	c := NewContextBrokerClient(s.URL())

	props := []entities.EntityDecoratorFunc{
		decorators.Number("waterConsumption", 100.0, properties.UnitCode("LTR"), properties.ObservedAt("2006-01-02T15:04:05Z"), properties.ObservedBy("some_device")),
	}

	fragment, _ := entities.NewFragment(props...)
	_, err := c.UpdateEntityAttributes(context.Background(), "id", fragment)
	is.NoErr(err)
	is.Equal(s.RequestCount(), 1)
}

func TestUpdateEntityAttributesUsingTypedDialectPatchesLinkedData(t *testing.T) {
	is := is.New(t)

	s := testutils.NewMockServiceThat(
		Expects(is,
			method(http.MethodPatch),
			path("/ngsi-ld/v1/entities/Room1/attrs"),
			RequestHeaderEquals("Link", entities.LinkHeader),
			RequestHeaderEquals("NGSILD-Tenant", "kitchens"),
		),
		Returns(response.Code(http.StatusNoContent)),
	)
	defer s.Close()

	c := NewContextBrokerClient(s.URL(), WithDialect(Typed), Tenant("kitchens"))

	fragment, _ := entities.NewFragment(decorators.Text("name", "kitchen"))
	_, err := c.UpdateEntityAttributes(context.Background(), "Room1", fragment)
	is.NoErr(err)
	is.Equal(s.RequestCount(), 1)
}

func TestAsLinkedDataListsThroughLinkedDataAPI(t *testing.T) {
	is := is.New(t)

	s := testutils.NewMockServiceThat(
		Expects(is,
			method(http.MethodGet),
			path("/ngsi-ld/v1/entities"),
			QueryParamEquals("type", "NgsiProxyConfig"),
		),
		Returns(
			response.Code(http.StatusOK),
			response.ContentType("application/json"),
			response.Body([]byte("[]")),
		),
	)
	defer s.Close()

	c := NewContextBrokerClient(s.URL(), WithDialect(Typed))

	result, err := FetchAll(context.Background(), AsLinkedData(c), "NgsiProxyConfig")
	is.NoErr(err)
	is.Equal(len(result), 0)
	is.Equal(s.RequestCount(), 1)
}

func TestUpdateEntityAttributesFailsOnUnexpectedSuccess(t *testing.T) {
	is := is.New(t)

	s := testutils.NewMockServiceThat(
		Expects(is, anyInput()),
		Returns(response.Code(http.StatusOK)),
	)
	defer s.Close()

	fragment, _ := entities.NewFragment(decorators.Text("name", "kitchen"))
	_, err := NewContextBrokerClient(s.URL()).UpdateEntityAttributes(context.Background(), "id", fragment)
	is.True(errors.Is(err, ngsierrors.ErrInternal))
	is.Equal(err.Error(), "unexpected response code 200 (internal error)")
}

func TestExtraHeadersAreSent(t *testing.T) {
	is := is.New(t)

	s := testutils.NewMockServiceThat(
		Expects(is, RequestHeaderEquals("Authorization", "Bearer token")),
		Returns(response.Code(http.StatusOK), response.Body([]byte(`[]`))),
	)
	defer s.Close()

	c := NewContextBrokerClient(s.URL(), WithHeaders(map[string][]string{"Authorization": {"Bearer token"}}))
	page, err := c.ListEntitiesPage(context.Background(), "Road", PageSize, 0)
	is.NoErr(err)
	is.Equal(len(page.Entities), 0)
}

func TestParseDialect(t *testing.T) {
	is := is.New(t)

	d, err := ParseDialect("v2")
	is.NoErr(err)
	is.Equal(d, Typed)

	d, err = ParseDialect("")
	is.NoErr(err)
	is.Equal(d, LinkedData)

	_, err = ParseDialect("soap")
	is.True(err != nil)
}

func QueryParamContains(name, value string) func(*is.I, *http.Request) {
	return func(is *is.I, r *http.Request) {
		is.True(r.URL.Query().Has(name)) // query param should exist

		for _, v := range strings.Split(r.URL.Query().Get(name), ",") {
			if v == value {
				return // it is a match!
			}
		}

		is.Fail() // query params did not contain expected value
	}
}

func QueryParamEquals(name, value string) func(*is.I, *http.Request) {
	return func(is *is.I, r *http.Request) {
		is.True(r.URL.Query().Has(name))         // query param should exist
		is.Equal(r.URL.Query().Get(name), value) // query param should match
	}
}

func RequestHeaderEquals(name, value string) func(*is.I, *http.Request) {
	return func(is *is.I, r *http.Request) {
		is.Equal(r.Header.Get(name), value) // request header should match
	}
}
