package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Sternrassler/cf-client/pkg/backoff"
	"github.com/Sternrassler/cf-client/pkg/job"
	"github.com/Sternrassler/cf-client/pkg/pagination"
)

// Relationship is a v3 to-one relationship.
type Relationship struct {
	Data struct {
		GUID string `json:"guid"`
	} `json:"data"`
}

// Organization is a v3 organization.
type Organization struct {
	GUID      string    `json:"guid"`
	Name      string    `json:"name"`
	Suspended bool      `json:"suspended"`
	CreatedAt time.Time `json:"created_at"`
}

// Space is a v3 space.
type Space struct {
	GUID          string    `json:"guid"`
	Name          string    `json:"name"`
	CreatedAt     time.Time `json:"created_at"`
	Relationships struct {
		Organization Relationship `json:"organization"`
	} `json:"relationships"`
}

// Domain is a v3 domain.
type Domain struct {
	GUID      string    `json:"guid"`
	Name      string    `json:"name"`
	Internal  bool      `json:"internal"`
	CreatedAt time.Time `json:"created_at"`
}

// Route is a v3 route.
type Route struct {
	GUID      string    `json:"guid"`
	Host      string    `json:"host"`
	Path      string    `json:"path"`
	URL       string    `json:"url"`
	CreatedAt time.Time `json:"created_at"`
}

// ServiceBroker is a v3 service broker.
type ServiceBroker struct {
	GUID      string    `json:"guid"`
	Name      string    `json:"name"`
	URL       string    `json:"url"`
	CreatedAt time.Time `json:"created_at"`
}

// Package states of a v2 application.
const (
	PackageStatePending = "PENDING"
	PackageStateStaged  = "STAGED"
	PackageStateFailed  = "FAILED"
)

// Application is the entity of a v2 application.
type Application struct {
	Name                     string `json:"name"`
	State                    string `json:"state"`
	PackageState             string `json:"package_state"`
	StagingFailedReason      string `json:"staging_failed_reason"`
	StagingFailedDescription string `json:"staging_failed_description"`
}

// StagingFailedError is returned by WaitForStaged when staging failed.
type StagingFailedError struct {
	AppID       string
	Reason      string
	Description string
}

// Error implements the error interface.
func (e *StagingFailedError) Error() string {
	return fmt.Sprintf("application %s failed to stage: %s: %s", e.AppID, e.Reason, e.Description)
}

// Organizations lists organizations, optionally filtered by names.
func (c *Client) Organizations(names ...string) pagination.FetchFunc[Organization] {
	return ListV3[Organization](c, "/v3/organizations", namesQuery(names))
}

// Spaces lists spaces of the given organization, or of all when orgID is empty.
func (c *Client) Spaces(orgID string) pagination.FetchFunc[Space] {
	q := url.Values{}
	if orgID != "" {
		q.Set("organization_guids", orgID)
	}
	return ListV3[Space](c, "/v3/spaces", q)
}

// Domains lists domains, optionally filtered by names.
func (c *Client) Domains(names ...string) pagination.FetchFunc[Domain] {
	return ListV3[Domain](c, "/v3/domains", namesQuery(names))
}

// Routes lists routes, optionally filtered by host.
func (c *Client) Routes(host string) pagination.FetchFunc[Route] {
	q := url.Values{}
	if host != "" {
		q.Set("hosts", host)
	}
	return ListV3[Route](c, "/v3/routes", q)
}

// ServiceBrokers lists service brokers, optionally filtered by names.
func (c *Client) ServiceBrokers(names ...string) pagination.FetchFunc[ServiceBroker] {
	return ListV3[ServiceBroker](c, "/v3/service_brokers", namesQuery(names))
}

func namesQuery(names []string) url.Values {
	q := url.Values{}
	if len(names) > 0 {
		q.Set("names", strings.Join(names, ","))
	}
	return q
}

// DeleteDomain deletes a domain through the v2 API. See deleteV2.
func (c *Client) DeleteDomain(ctx context.Context, id string, async bool) (*job.Reference, error) {
	return c.deleteV2(ctx, "/v2/domains/"+id, async)
}

// DeleteRoute deletes a route through the v2 API. See deleteV2.
func (c *Client) DeleteRoute(ctx context.Context, id string, async bool) (*job.Reference, error) {
	return c.deleteV2(ctx, "/v2/routes/"+id, async)
}

// DeleteServiceBroker deletes a service broker through the v2 API. See deleteV2.
func (c *Client) DeleteServiceBroker(ctx context.Context, id string, async bool) (*job.Reference, error) {
	return c.deleteV2(ctx, "/v2/service_brokers/"+id, async)
}

// deleteV2 issues a v2 delete. When the server completes it synchronously
// (204) the returned reference is nil; when it accepts it (202) the returned
// reference is the v2 job to pass to WaitForJobV2.
func (c *Client) deleteV2(ctx context.Context, path string, async bool) (*job.Reference, error) {
	q := url.Values{}
	if async {
		q.Set("async", "true")
	}

	var body v2Job
	resp, err := c.call(ctx, http.MethodDelete, path, q, nil, &body, false)
	if err != nil {
		return nil, fmt.Errorf("delete %s: %w", path, err)
	}

	if resp.StatusCode != http.StatusAccepted {
		c.logger.Debug().Str("endpoint", endpointLabel(path)).Msg("Deleted synchronously")
		return nil, nil
	}

	ref, err := body.reference()
	if err != nil {
		return nil, fmt.Errorf("delete %s: %w", path, err)
	}
	c.logger.Debug().
		Str("endpoint", endpointLabel(path)).
		Str("job_id", ref.ID).
		Msg("Delete accepted")
	return &ref, nil
}

// CreateServiceBrokerRequest is the v3 service broker creation body.
type CreateServiceBrokerRequest struct {
	Name           string `json:"name"`
	URL            string `json:"url"`
	Authentication struct {
		Type        string `json:"type"`
		Credentials struct {
			Username string `json:"username"`
			Password string `json:"password"`
		} `json:"credentials"`
	} `json:"authentication"`
	Relationships *struct {
		Space Relationship `json:"space"`
	} `json:"relationships,omitempty"`
}

// NewCreateServiceBrokerRequest builds a request with basic authentication.
// A non-empty spaceID registers a space-scoped broker.
func NewCreateServiceBrokerRequest(name, brokerURL, username, password, spaceID string) CreateServiceBrokerRequest {
	req := CreateServiceBrokerRequest{Name: name, URL: brokerURL}
	req.Authentication.Type = "basic"
	req.Authentication.Credentials.Username = username
	req.Authentication.Credentials.Password = password
	if spaceID != "" {
		req.Relationships = &struct {
			Space Relationship `json:"space"`
		}{}
		req.Relationships.Space.Data.GUID = spaceID
	}
	return req
}

// CreateServiceBroker registers a broker. The server catalogs the broker
// asynchronously and answers with the job in the Location header; a nil
// reference means it finished synchronously.
func (c *Client) CreateServiceBroker(ctx context.Context, req CreateServiceBrokerRequest) (*job.Reference, error) {
	resp, err := c.call(ctx, http.MethodPost, "/v3/service_brokers", nil, req, nil, false)
	if err != nil {
		return nil, fmt.Errorf("create service broker %s: %w", req.Name, err)
	}
	if resp.StatusCode != http.StatusAccepted {
		return nil, nil
	}

	ref, err := jobFromLocation(resp)
	if err != nil {
		return nil, fmt.Errorf("create service broker %s: %w", req.Name, err)
	}
	return ref, nil
}

// GetApplication fetches a v2 application.
func (c *Client) GetApplication(ctx context.Context, id string) (Application, error) {
	var body V2Resource[Application]
	if _, err := c.call(ctx, http.MethodGet, "/v2/apps/"+id, nil, nil, &body, false); err != nil {
		return Application{}, fmt.Errorf("get application %s: %w", id, err)
	}
	return body.Entity, nil
}

// WaitForStaged polls the application until its package is STAGED, using the
// configured backoff bounded by JobTimeout. Transient fetch errors are
// retried; a FAILED package returns *StagingFailedError.
func (c *Client) WaitForStaged(ctx context.Context, appID string) error {
	logger := c.logger.With().Str("app_id", appID).Logger()
	sched := c.config.Backoff.WithMaxElapsed(c.config.JobTimeout)

	err := backoff.Poll(ctx, c.config.Clock, sched, func(ctx context.Context) (bool, error) {
		app, err := c.GetApplication(ctx, appID)
		if err != nil {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			if job.IsTransient(err) {
				logger.Warn().Err(err).Msg("Transient error while waiting for staging")
				return false, nil
			}
			return false, err
		}

		switch app.PackageState {
		case PackageStateStaged:
			return true, nil
		case PackageStateFailed:
			return false, &StagingFailedError{
				AppID:       appID,
				Reason:      app.StagingFailedReason,
				Description: app.StagingFailedDescription,
			}
		default:
			logger.Debug().Str("package_state", app.PackageState).Msg("Application not staged yet")
			return false, nil
		}
	})
	if err != nil {
		if errors.Is(err, backoff.ErrTimeout) {
			return fmt.Errorf("application %s: %w", appID, err)
		}
		return err
	}

	logger.Info().Msg("Application staged")
	return nil
}
