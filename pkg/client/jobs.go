package client

import (
	"context"
	"fmt"
	"net/http"
	"path"
	"strconv"

	"github.com/Sternrassler/cf-client/pkg/job"
)

// v3Job is the /v3/jobs/{guid} document.
type v3Job struct {
	GUID      string `json:"guid"`
	Operation string `json:"operation"`
	State     string `json:"state"`
	Errors    []struct {
		Code   int    `json:"code"`
		Title  string `json:"title"`
		Detail string `json:"detail"`
	} `json:"errors"`
}

func (j v3Job) reference() (job.Reference, error) {
	status, err := job.ParseStatus(j.State)
	if err != nil {
		return job.Reference{}, err
	}
	ref := job.Reference{ID: j.GUID, Status: status}
	if status == job.StatusFailed && len(j.Errors) > 0 {
		ref.Error = &job.ErrorDetail{
			Code:        strconv.Itoa(j.Errors[0].Code),
			Description: j.Errors[0].Detail,
			ErrorCode:   j.Errors[0].Title,
		}
	}
	return ref, nil
}

// v2Job is the /v2/jobs/{guid} document, also returned by async v2 deletes.
type v2Job struct {
	Metadata struct {
		GUID string `json:"guid"`
	} `json:"metadata"`
	Entity struct {
		GUID         string `json:"guid"`
		Status       string `json:"status"`
		ErrorDetails *struct {
			Code        int    `json:"code"`
			Description string `json:"description"`
			ErrorCode   string `json:"error_code"`
		} `json:"error_details"`
	} `json:"entity"`
}

func (j v2Job) reference() (job.Reference, error) {
	status, err := job.ParseStatus(j.Entity.Status)
	if err != nil {
		return job.Reference{}, err
	}
	id := j.Metadata.GUID
	if id == "" {
		id = j.Entity.GUID
	}
	ref := job.Reference{ID: id, Status: status}
	if status == job.StatusFailed && j.Entity.ErrorDetails != nil {
		ref.Error = &job.ErrorDetail{
			Code:        strconv.Itoa(j.Entity.ErrorDetails.Code),
			Description: j.Entity.ErrorDetails.Description,
			ErrorCode:   j.Entity.ErrorDetails.ErrorCode,
		}
	}
	return ref, nil
}

// jobFetchError maps a status fetch failure onto the poller's error model.
func jobFetchError(id string, err error) error {
	if IsNotFound(err) {
		return fmt.Errorf("job %s: %w: %w", id, job.ErrNotFound, err)
	}
	return err
}

// GetJob fetches a v3 job. Job reads never use the response cache.
func (c *Client) GetJob(ctx context.Context, id string) (job.Reference, error) {
	var body v3Job
	if _, err := c.call(ctx, http.MethodGet, "/v3/jobs/"+id, nil, nil, &body, false); err != nil {
		return job.Reference{}, jobFetchError(id, err)
	}
	return body.reference()
}

// GetJobV2 fetches a v2 job.
func (c *Client) GetJobV2(ctx context.Context, id string) (job.Reference, error) {
	var body v2Job
	if _, err := c.call(ctx, http.MethodGet, "/v2/jobs/"+id, nil, nil, &body, false); err != nil {
		return job.Reference{}, jobFetchError(id, err)
	}
	return body.reference()
}

// Jobs returns the v3 job status fetcher.
func (c *Client) Jobs() job.StatusFetcher {
	return c.GetJob
}

// JobsV2 returns the v2 job status fetcher.
func (c *Client) JobsV2() job.StatusFetcher {
	return c.GetJobV2
}

// WaitForJob waits for a v3 job using the configured backoff and JobTimeout.
// A nil ref returns nil immediately.
func (c *Client) WaitForJob(ctx context.Context, ref *job.Reference) error {
	return c.jobs.WaitForCompletion(ctx, ref, c.config.JobTimeout)
}

// WaitForJobV2 waits for a v2 job, such as one returned by an async delete.
func (c *Client) WaitForJobV2(ctx context.Context, ref *job.Reference) error {
	return c.jobsV2.WaitForCompletion(ctx, ref, c.config.JobTimeout)
}

// jobFromLocation builds a queued reference from a v3 Location header
// pointing at /v3/jobs/{guid}.
func jobFromLocation(resp *http.Response) (*job.Reference, error) {
	loc := resp.Header.Get("Location")
	if loc == "" {
		return nil, fmt.Errorf("accepted without Location header")
	}
	u, err := resp.Request.URL.Parse(loc)
	if err != nil {
		return nil, fmt.Errorf("parse Location %q: %w", loc, err)
	}
	if path.Base(path.Dir(u.Path)) != "jobs" {
		return nil, fmt.Errorf("location %q is not a job", loc)
	}
	return &job.Reference{ID: path.Base(u.Path), Status: job.StatusQueued}, nil
}
