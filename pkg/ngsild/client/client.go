package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"

	"github.com/diwise/ngsi-feature-sync/pkg/ngsild"
	"github.com/diwise/ngsi-feature-sync/pkg/ngsild/errors"
	"github.com/diwise/ngsi-feature-sync/pkg/ngsild/types"
	"github.com/diwise/ngsi-feature-sync/pkg/ngsild/types/entities"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type ContextBrokerClient interface {
	ListEntitiesPage(ctx context.Context, entityType string, limit, offset int) (*ngsild.EntitiesPage, error)
	ListTypes(ctx context.Context) (*ngsild.ListTypesResult, error)
	RetrieveEntity(ctx context.Context, entityID string) (types.Entity, error)
	UpdateEntityAttributes(ctx context.Context, entityID string, fragment types.EntityFragment) (*ngsild.UpdateEntityAttributesResult, error)
}

// Dialect selects the API flavour spoken by the broker
type Dialect int

const (
	// LinkedData is the NGSI-LD api under /ngsi-ld/v1
	LinkedData Dialect = iota
	// Typed is the NGSI v2 api under /v2
	Typed
)

func (d Dialect) String() string {
	if d == Typed {
		return "v2"
	}
	return "ngsi-ld"
}

func ParseDialect(name string) (Dialect, error) {
	switch strings.ToLower(name) {
	case "", "ld", "ngsi-ld":
		return LinkedData, nil
	case "v2", "typed", "ngsi-v2":
		return Typed, nil
	}
	return LinkedData, fmt.Errorf("unknown broker dialect %q", name)
}

// Option configures a client created by NewContextBrokerClient
type Option = func(*cbClient)

func Debug(enabled string) func(*cbClient) {
	return func(c *cbClient) {
		c.debug = (enabled == "true")
	}
}

func Tenant(tenant string) func(*cbClient) {
	return func(c *cbClient) {
		c.tenant = tenant
	}
}

func WithDialect(dialect Dialect) func(*cbClient) {
	return func(c *cbClient) {
		c.dialect = dialect
	}
}

func WithHTTPClient(httpClient *http.Client) func(*cbClient) {
	return func(c *cbClient) {
		c.httpClient = httpClient
	}
}

// WithHeaders adds headers to every request sent to the broker
func WithHeaders(headers map[string][]string) func(*cbClient) {
	return func(c *cbClient) {
		for k, v := range headers {
			c.headers[k] = append(c.headers[k], v...)
		}
	}
}

func NewContextBrokerClient(broker string, options ...func(*cbClient)) ContextBrokerClient {
	c := &cbClient{
		baseURL: strings.TrimSuffix(broker, "/"),
		tenant:  entities.DefaultNGSITenant,
		dialect: LinkedData,
		headers: map[string][]string{},
		debug:   false,
	}

	for _, option := range options {
		option(c)
	}

	if c.httpClient == nil {
		c.httpClient = &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}

	return c
}

const (
	TraceAttributeEntityID     string = "entity-id"
	TraceAttributeEntityType   string = "entity-type"
	TraceAttributeNGSILDTenant string = "ngsild-tenant"
	TraceAttributeOffset       string = "offset"
)

var tracer = otel.Tracer("ngsi-feature-sync/client")

type cbClient struct {
	baseURL    string
	tenant     string
	dialect    Dialect
	headers    map[string][]string
	httpClient *http.Client
	debug      bool
}

// linkedData returns a copy of the client that speaks NGSI-LD, whatever the
// configured dialect
func (c cbClient) linkedData() cbClient {
	c.dialect = LinkedData
	return c
}

// AsLinkedData returns a lister for the NGSI-LD api of the same broker. Listers
// that are not broker clients are returned as they are.
func AsLinkedData(lister EntityLister) EntityLister {
	if c, ok := lister.(*cbClient); ok {
		ld := c.linkedData()
		return &ld
	}
	return lister
}

func (c cbClient) apiRoot() string {
	if c.dialect == Typed {
		return c.baseURL + "/v2"
	}
	return c.baseURL + "/ngsi-ld/v1"
}

func (c cbClient) ListEntitiesPage(ctx context.Context, entityType string, limit, offset int) (*ngsild.EntitiesPage, error) {
	var err error

	ctx, span := tracer.Start(ctx, "list-entities-page",
		trace.WithAttributes(attribute.String(TraceAttributeNGSILDTenant, c.tenant)),
		trace.WithAttributes(attribute.String(TraceAttributeEntityType, entityType)),
		trace.WithAttributes(attribute.Int(TraceAttributeOffset, offset)),
	)
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	endpoint := c.apiRoot() + "/entities" + queryString(Types([]string{entityType}), Limit(limit), Offset(offset))

	response, responseBody, err := c.callContextSource(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	if response.StatusCode != http.StatusOK {
		err = c.errorFromResponse(response, responseBody)
		return nil, err
	}

	found, err := entities.NewFromSlice(responseBody)
	if err != nil {
		if c.debug && len(responseBody) < 1000 {
			err = fmt.Errorf("unmarshaling of %s failed with err %s", string(responseBody), err.Error())
		}
		err = fmt.Errorf("%s (%w)", err.Error(), errors.ErrBadResponse)
		return nil, err
	}

	page := ngsild.NewEntitiesPage(found)

	if totalCount, ok := extractResultsCount(response); ok {
		page.TotalCount = totalCount
	}

	return page, nil
}

func (c cbClient) ListTypes(ctx context.Context) (*ngsild.ListTypesResult, error) {
	var err error

	ctx, span := tracer.Start(ctx, "list-types",
		trace.WithAttributes(attribute.String(TraceAttributeNGSILDTenant, c.tenant)),
	)
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	response, responseBody, err := c.callContextSource(ctx, http.MethodGet, c.apiRoot()+"/types", nil)
	if err != nil {
		return nil, err
	}

	if response.StatusCode != http.StatusOK {
		err = c.errorFromResponse(response, responseBody)
		return nil, err
	}

	typeNames, err := c.parseTypes(responseBody)
	if err != nil {
		err = fmt.Errorf("failed to parse entity types: %s (%w)", err.Error(), errors.ErrBadResponse)
		return nil, err
	}

	return &ngsild.ListTypesResult{Types: typeNames}, nil
}

func (c cbClient) parseTypes(body []byte) ([]string, error) {
	typeNames := []string{}

	if c.dialect == Typed {
		results := []struct {
			Type string `json:"type"`
		}{}
		if err := json.Unmarshal(body, &results); err != nil {
			return nil, err
		}
		for _, r := range results {
			typeNames = append(typeNames, r.Type)
		}
		return typeNames, nil
	}

	body = bytes.TrimSpace(body)

	// brokers answer with either an EntityTypeList or a list of EntityType objects
	if len(body) > 0 && body[0] == '[' {
		results := []struct {
			ID       string `json:"id"`
			TypeName string `json:"typeName"`
		}{}
		if err := json.Unmarshal(body, &results); err != nil {
			return nil, err
		}
		for _, r := range results {
			if r.TypeName != "" {
				typeNames = append(typeNames, r.TypeName)
			} else {
				typeNames = append(typeNames, r.ID)
			}
		}
		return typeNames, nil
	}

	list := struct {
		TypeList []string `json:"typeList"`
	}{}
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, err
	}

	return append(typeNames, list.TypeList...), nil
}

func (c cbClient) RetrieveEntity(ctx context.Context, entityID string) (types.Entity, error) {
	var err error

	ctx, span := tracer.Start(ctx, "retrieve-entity",
		trace.WithAttributes(attribute.String(TraceAttributeNGSILDTenant, c.tenant)),
		trace.WithAttributes(attribute.String(TraceAttributeEntityID, entityID)),
	)
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	response, responseBody, err := c.callContextSource(
		ctx, http.MethodGet, c.apiRoot()+"/entities/"+url.PathEscape(entityID), nil,
	)

	if err != nil {
		return nil, err
	}

	if response.StatusCode != http.StatusOK {
		err = c.errorFromResponse(response, responseBody)
		return nil, err
	}

	e, err := entities.NewFromJSON(responseBody)
	if err != nil {
		err = fmt.Errorf("%s (%w)", err.Error(), errors.ErrBadResponse)
		return nil, err
	}

	return e, nil
}

func (c cbClient) UpdateEntityAttributes(ctx context.Context, entityID string, fragment types.EntityFragment) (*ngsild.UpdateEntityAttributesResult, error) {
	var err error

	ctx, span := tracer.Start(ctx, "update-entity-attributes",
		trace.WithAttributes(attribute.String(TraceAttributeNGSILDTenant, c.tenant)),
		trace.WithAttributes(attribute.String(TraceAttributeEntityID, entityID)),
	)
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	json, err := fragment.MarshalJSON()
	if err != nil {
		err = fmt.Errorf("failed to marshal fragment: %s (%w)", err.Error(), errors.ErrInvalidRequest)
		return nil, err
	}

	// partial updates carry NGSI-LD attributes and always go to the NGSI-LD api
	ld := c.linkedData()

	response, responseBody, err := ld.callContextSource(
		ctx, http.MethodPatch, ld.apiRoot()+"/entities/"+url.PathEscape(entityID)+"/attrs", bytes.NewBuffer(json),
	)

	if err != nil {
		return nil, err
	}

	if response.StatusCode != http.StatusNoContent && response.StatusCode != http.StatusMultiStatus {
		err = c.errorFromResponse(response, responseBody)
		return nil, err
	}

	return ngsild.NewUpdateEntityAttributesResult(responseBody)
}

func (c cbClient) errorFromResponse(response *http.Response, responseBody []byte) error {
	contentType := response.Header.Get("Content-Type")
	if response.StatusCode >= http.StatusBadRequest && response.StatusCode <= http.StatusInternalServerError {
		return errors.NewErrorFromProblemReport(response.StatusCode, contentType, responseBody)
	}

	return fmt.Errorf("unexpected response code %d (%w)", response.StatusCode, errors.ErrInternal)
}

func (c cbClient) callContextSource(ctx context.Context, method, endpoint string, body io.Reader) (*http.Response, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create request: %s (%w)", err.Error(), errors.ErrInternal)
	}

	req.Header.Add("Accept", "application/json")

	if body != nil {
		req.Header.Add("Content-Type", "application/json")
	}

	if c.dialect == LinkedData {
		req.Header.Add("Link", entities.LinkHeader)
	}

	if c.tenant != entities.DefaultNGSITenant {
		if c.dialect == Typed {
			req.Header.Add("Fiware-Service", c.tenant)
		} else {
			req.Header.Add("NGSILD-Tenant", c.tenant)
		}
	}

	for header, headerValue := range c.headers {
		for _, val := range headerValue {
			req.Header.Add(header, val)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to send request: %s (%w)", err.Error(), errors.ErrRequest)
	}

	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read response body: %s (%w)", err.Error(), errors.ErrBadResponse)
	}

	if c.debug {
		if resp.StatusCode == http.StatusMultiStatus || resp.StatusCode >= http.StatusBadRequest {
			if resp.StatusCode != http.StatusUnauthorized && resp.StatusCode != http.StatusNotFound {
				reqbytes, _ := httputil.DumpRequest(req, false)
				respbytes, _ := httputil.DumpResponse(resp, false)

				log := logging.GetFromContext(ctx)
				if resp.StatusCode >= http.StatusBadRequest {
					log.Error("request failed", "request", string(reqbytes), "response", string(respbytes))
				} else {
					log.Warn("unexpected response", "request", string(reqbytes), "response", string(respbytes))
				}
			}
		}
	}

	return resp, respBody, nil
}

func extractResultsCount(r *http.Response) (int64, bool) {
	for _, header := range []string{"NGSILD-Results-Count", "Fiware-Total-Count"} {
		val, ok := r.Header[http.CanonicalHeaderKey(header)]
		if !ok || len(val) == 0 {
			continue
		}

		count, err := strconv.ParseInt(val[0], 10, 64)
		if err != nil {
			return -1, false
		}

		return count, true
	}

	return -1, false
}
