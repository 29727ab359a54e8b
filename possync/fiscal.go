package possync

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"bitbucket.org/mmdatafocus/possync/models"
	"bitbucket.org/mmdatafocus/possync/workflow"
)

// RemoteFiscalPool leases fiscal numbers from the sync server, which owns every range's
// CurrentGlobal.
type RemoteFiscalPool struct {
	Client *Client
}

func NewRemoteFiscalPool(client *Client) *RemoteFiscalPool {
	return &RemoteFiscalPool{Client: client}
}

func (p *RemoteFiscalPool) Lease(ctx context.Context, fiscalType string, batchSize int) (*models.FiscalLease, error) {
	lease, err := p.Client.LeaseFiscalBatch(ctx, fiscalType, batchSize)
	if err == nil {
		return lease, nil
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict {
		msg, details := apiErr.Message()
		return nil, fmt.Errorf("%s: %w", msg, workflow.FiscalErrorForReason(details["reason"]))
	}
	return nil, fmt.Errorf("lease fiscal batch %s: %w: %w", fiscalType, workflow.ErrSequenceUnavailable, err)
}
