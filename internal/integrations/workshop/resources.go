package workshop

import (
	"context"
	"net/url"
	"strconv"

	"servicecert/internal/apierr"
	"servicecert/internal/domain"
)

// GetTicket fetches one ticket. A KindNotFound error is expected for
// deleted or mistyped ids and is mapped to needs_review by the processor.
func (c *Client) GetTicket(ctx context.Context, id string) (domain.Ticket, error) {
	var t domain.Ticket
	err := c.Request(ctx, "/tickets/"+url.PathEscape(id), &t)
	return t, err
}

// GetCustomer fetches one customer. NotFound means the certificate cannot
// be addressed and is treated as missing data by the builder.
func (c *Client) GetCustomer(ctx context.Context, id string) (domain.Customer, error) {
	var cu domain.Customer
	err := c.Request(ctx, "/customers/"+url.PathEscape(id), &cu)
	return cu, err
}

// GetLocation fetches the workshop location. NotFound is missing data.
func (c *Client) GetLocation(ctx context.Context, id string) (domain.Location, error) {
	var l domain.Location
	err := c.Request(ctx, "/locations/"+url.PathEscape(id), &l)
	return l, err
}

// GetEmployee fetches a technician. NotFound is benign; the certificate is
// issued without a technician name.
func (c *Client) GetEmployee(ctx context.Context, id string) (domain.Employee, error) {
	var e domain.Employee
	err := c.Request(ctx, "/employees/"+url.PathEscape(id), &e)
	return e, err
}

// GetVehicleMake fetches a vehicle make. NotFound is benign; the certificate
// is issued without the make.
func (c *Client) GetVehicleMake(ctx context.Context, id string) (domain.VehicleMake, error) {
	var m domain.VehicleMake
	err := c.Request(ctx, "/vehicle-makes/"+url.PathEscape(id), &m)
	return m, err
}

// GetVehicleModel fetches a vehicle model. NotFound is missing data.
func (c *Client) GetVehicleModel(ctx context.Context, id string) (domain.VehicleModel, error) {
	var m domain.VehicleModel
	err := c.Request(ctx, "/vehicle-models/"+url.PathEscape(id), &m)
	return m, err
}

// ListTickets returns one page of closed tickets. Every error is fatal for
// the caller.
func (c *Client) ListTickets(ctx context.Context, page int) (domain.Page[domain.Ticket], error) {
	q := url.Values{}
	q.Set("state", "closed")
	q.Set("page", strconv.Itoa(max(page, 1)))
	var p domain.Page[domain.Ticket]
	err := c.Request(ctx, "/tickets?"+q.Encode(), &p)
	return p, err
}

// ListCustomers returns one page of customers.
func (c *Client) ListCustomers(ctx context.Context, page int) (domain.Page[domain.Customer], error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(max(page, 1)))
	var p domain.Page[domain.Customer]
	err := c.Request(ctx, "/customers?"+q.Encode(), &p)
	return p, err
}

// ListChannelMessages returns one page of a messenger channel. An empty
// nextToken requests the first page.
func (c *Client) ListChannelMessages(ctx context.Context, channelID, nextToken string) (domain.MessagePage, error) {
	endpoint := "/messenger/channels/" + url.PathEscape(channelID) + "/messages"
	if nextToken != "" {
		endpoint += "?" + url.Values{"next_token": {nextToken}}.Encode()
	}
	var p domain.MessagePage
	err := c.Request(ctx, endpoint, &p)
	return p, err
}

// ListSystemEvents returns up to limit events of eventType after afterID.
// The feed accepts one filter at a time, so no date filter is sent. A
// NotFound response is reported as an empty page.
func (c *Client) ListSystemEvents(ctx context.Context, eventType, afterID string, limit int) ([]domain.SystemEvent, error) {
	q := url.Values{}
	q.Set("type", eventType)
	if afterID != "" {
		q.Set("after_id", afterID)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var p domain.EventPage
	if err := c.Request(ctx, "/system-events?"+q.Encode(), &p); err != nil {
		if apierr.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return p.Data, nil
}
